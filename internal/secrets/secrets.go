// Package secrets stores provider credentials in a 0600 JSON file under
// the data root. Tokens are write-only: every value this package returns
// or broadcasts is the CredentialStatus projection, never the secret.
package secrets

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-sh/jeeves/internal/events"
	"github.com/jeeves-sh/jeeves/internal/fsatomic"
	"github.com/jeeves-sh/jeeves/internal/model"
	"github.com/jeeves-sh/jeeves/internal/paths"
)

// record is one stored credential. Only this package ever sees Token.
type record struct {
	Token    string     `json:"token"`
	SavedAt  time.Time  `json:"saved_at"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// credFile is the on-disk document, keyed by provider name.
type credFile struct {
	Version     int               `json:"version"`
	Credentials map[string]record `json:"credentials"`
}

// Options configures a Keeper. Zero fields get production defaults.
type Options struct {
	DataDir string
	FS      fsatomic.FS
	Hub     *events.Hub
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Keeper owns the credentials file. All operations are serialized; writes
// go through the atomic writer with SecretMode.
type Keeper struct {
	path   string
	fs     fsatomic.FS
	hub    *events.Hub
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

func New(opts Options) *Keeper {
	k := &Keeper{
		path:   paths.CredentialsPath(opts.DataDir),
		fs:     opts.FS,
		hub:    opts.Hub,
		logger: opts.Logger,
		now:    opts.Clock,
	}
	if k.fs == nil {
		k.fs = fsatomic.OS()
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.now == nil {
		k.now = time.Now
	}
	return k
}

// Put stores or replaces the token for a provider and returns the safe
// status record.
func (k *Keeper) Put(provider, token string) (model.CredentialStatus, error) {
	name, err := providerName(provider)
	if err != nil {
		return model.CredentialStatus{}, err
	}
	if strings.TrimSpace(token) == "" {
		return model.CredentialStatus{}, fmt.Errorf("empty token for provider %s", name)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	doc, err := k.load()
	if err != nil {
		return model.CredentialStatus{}, err
	}
	prev := doc.Credentials[name]
	doc.Credentials[name] = record{
		Token:    token,
		SavedAt:  k.now().UTC(),
		LastSync: prev.LastSync,
	}
	if err := k.save(doc); err != nil {
		return model.CredentialStatus{}, err
	}
	k.broadcastLocked(doc)
	return statusOf(name, doc.Credentials[name]), nil
}

// Delete removes a provider's credential. It reports whether one existed.
func (k *Keeper) Delete(provider string) (bool, error) {
	name, err := providerName(provider)
	if err != nil {
		return false, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	doc, err := k.load()
	if err != nil {
		return false, err
	}
	if _, ok := doc.Credentials[name]; !ok {
		return false, nil
	}
	delete(doc.Credentials, name)
	if err := k.save(doc); err != nil {
		return false, err
	}
	k.broadcastLocked(doc)
	return true, nil
}

// MarkSynced records that a run consumed the provider's credential. Unknown
// providers are a no-op: sync state only exists for stored tokens.
func (k *Keeper) MarkSynced(provider string) error {
	name, err := providerName(provider)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	doc, err := k.load()
	if err != nil {
		return err
	}
	rec, ok := doc.Credentials[name]
	if !ok {
		return nil
	}
	at := k.now().UTC()
	rec.LastSync = &at
	doc.Credentials[name] = rec
	if err := k.save(doc); err != nil {
		return err
	}
	k.broadcastLocked(doc)
	return nil
}

// Status lists the safe projection of every stored credential, sorted by
// provider.
func (k *Keeper) Status() ([]model.CredentialStatus, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	doc, err := k.load()
	if err != nil {
		return nil, err
	}
	return statuses(doc), nil
}

func statuses(doc *credFile) []model.CredentialStatus {
	out := make([]model.CredentialStatus, 0, len(doc.Credentials))
	for name, rec := range doc.Credentials {
		out = append(out, statusOf(name, rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func statusOf(name string, rec record) model.CredentialStatus {
	st := model.CredentialStatus{Provider: name, HasToken: rec.Token != ""}
	if !rec.SavedAt.IsZero() {
		at := rec.SavedAt
		st.LastSavedAt = &at
	}
	st.LastSync = rec.LastSync
	return st
}

// broadcastLocked publishes the safe status list. The payload type cannot
// carry a token.
func (k *Keeper) broadcastLocked(doc *credFile) {
	if k.hub == nil {
		return
	}
	k.hub.Broadcast(events.Event{Type: "credentials-status", Data: statuses(doc)})
}

func (k *Keeper) load() (*credFile, error) {
	raw, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return &credFile{Version: 1, Credentials: map[string]record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var doc credFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if doc.Credentials == nil {
		doc.Credentials = map[string]record{}
	}
	return &doc, nil
}

func (k *Keeper) save(doc *credFile) error {
	doc.Version = 1
	return fsatomic.WriteJSONMode(k.fs, k.path, doc, fsatomic.SecretMode)
}

func providerName(provider string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return "", fmt.Errorf("empty provider name")
	}
	return name, nil
}
