package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadToken(t *testing.T) {
	tok, err := readToken(strings.NewReader("  sk-abc123  \n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-abc123", tok)

	// Blank lines are skipped; only the first real line counts.
	tok, err = readToken(strings.NewReader("\n   \nsk-second\nrest ignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "sk-second", tok)

	_, err = readToken(strings.NewReader("\n  \n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token on stdin")
}
