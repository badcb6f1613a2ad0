package runlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Tailer incrementally reads complete lines from a growing file. It is
// poll-driven: callers decide the cadence. A file that shrinks between
// polls (rotation, the writer starting over) resets the offset to the
// beginning so no replacement content is skipped.
type Tailer struct {
	path   string
	offset int64
}

// NewTailer tails path from the beginning.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

// Offset returns the current byte offset (consumed complete lines).
func (t *Tailer) Offset() int64 { return t.offset }

// Poll returns the complete lines appended since the last call. reset
// reports that the file shrank and reading restarted from offset zero. A
// missing file yields no lines and no error.
func (t *Tailer) Poll() (lines []string, reset bool, err error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tail %s: %w", t.path, err)
	}

	if info.Size() < t.offset {
		t.offset = 0
		reset = true
	}
	if info.Size() == t.offset {
		return nil, reset, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, reset, fmt.Errorf("tail %s: %w", t.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, reset, fmt.Errorf("tail %s: seek: %w", t.path, err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, reset, fmt.Errorf("tail %s: %w", t.path, err)
	}

	// Only complete lines are consumed; a partial trailing line waits for
	// the writer to finish it.
	consumed := 0
	for {
		idx := bytes.IndexByte(buf[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := buf[consumed : consumed+idx]
		lines = append(lines, string(bytes.TrimSuffix(line, []byte("\r"))))
		consumed += idx + 1
	}
	t.offset += int64(consumed)
	return lines, reset, nil
}
