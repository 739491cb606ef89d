package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandsRequireAFile(t *testing.T) {
	for _, sub := range []string{"preflight", "validate", "assess", "render", "text"} {
		_, err := run(t, sub)
		assert.Error(t, err, sub)
	}
}

func TestAssess_RejectsBadProfile(t *testing.T) {
	dir := t.TempDir()
	profile := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("maxSafeRam: 12\n"), 0o600))
	doc := filepath.Join(dir, "doc.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("%PDF-1.7"), 0o600))

	_, err := run(t, "assess", doc, "--profile", profile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device profile")
}

func TestAssess_ReportsUnreadableDocument(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "junk.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("definitely not a pdf"), 0o600))

	out, err := run(t, "assess", doc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errBlocked)
	assert.Contains(t, out, `"status": "ERROR"`)
}

func TestValidate_ReportsInvalidDocument(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "junk.pdf")
	require.NoError(t, os.WriteFile(doc, []byte("definitely not a pdf"), 0o600))

	out, err := run(t, "validate", doc)
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
}
