package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botrelay/internal/dispatch"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf(`logging:
  level: error
storage:
  driver: sqlite
  path: %s
schedule:
  enforce_window: false
  min_delay: 1ms
  max_delay: 1ms
`, filepath.Join(dir, "botrelay.db"))
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func addAccount(t *testing.T, cfg, label string) string {
	t.Helper()
	out, _, err := executeCLI(t, "-c", cfg, "accounts", "add", "--kind", "dryrun", "--label", label)
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)
	return id
}

func TestAccountsAddListBan(t *testing.T) {
	cfg := writeConfig(t)
	first := addAccount(t, cfg, "first")
	second := addAccount(t, cfg, "second")

	out, _, err := executeCLI(t, "-c", cfg, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, first)
	assert.Contains(t, out, second)
	assert.Contains(t, out, "accounts: 2")

	_, _, err = executeCLI(t, "-c", cfg, "accounts", "ban", first)
	require.NoError(t, err)

	out, _, err = executeCLI(t, "-c", cfg, "accounts", "list", "--active", "--json")
	require.NoError(t, err)
	var rows []accountRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, second, string(rows[0].ID))

	_, _, err = executeCLI(t, "-c", cfg, "accounts", "unban", first)
	require.NoError(t, err)
	out, _, err = executeCLI(t, "-c", cfg, "accounts", "list", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, "accounts: 2")
}

func TestAccountsAddReadsCredentialFromEnv(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("BOTRELAY_TEST_CRED", " token-123 ")
	_, _, err := executeCLI(t, "-c", cfg, "accounts", "add", "--kind", "dryrun", "--credential-env", "BOTRELAY_TEST_CRED")
	require.NoError(t, err)

	_, _, err = executeCLI(t, "-c", cfg, "accounts", "add", "--kind", "dryrun", "--credential-env", "BOTRELAY_TEST_UNSET")
	assert.ErrorContains(t, err, "BOTRELAY_TEST_UNSET")
}

func TestAccountsAddRejectsUnknownKind(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := executeCLI(t, "-c", cfg, "accounts", "add", "--kind", "fax")
	assert.ErrorContains(t, err, "unknown transport kind")
}

func TestAccountsAddRejectsKindWithoutTransport(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := executeCLI(t, "-c", cfg, "accounts", "add", "--kind", "whatsapp")
	assert.ErrorContains(t, err, "no transport")

	out, _, err := executeCLI(t, "-c", cfg, "accounts", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "accounts: 0")
}

func TestAccountsBanUnknown(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := executeCLI(t, "-c", cfg, "accounts", "ban", "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestDispatchSendsBatch(t *testing.T) {
	cfg := writeConfig(t)
	addAccount(t, cfg, "a")
	addAccount(t, cfg, "b")

	list := filepath.Join(t.TempDir(), "recipients.txt")
	require.NoError(t, os.WriteFile(list, []byte("# promo list\ncarol\n\ndave\n"), 0o600))

	out, _, err := executeCLI(t, "-c", cfg, "dispatch", "--name", "promo",
		"--to", "alice,bob", "--to-file", list, "-m", "hello", "-m", "hi", "--json")
	require.NoError(t, err)

	var rep dispatch.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 4, rep.Total)
	assert.Equal(t, 4, rep.Sent)
	assert.False(t, rep.Cancelled)
}

func TestDispatchRequiresRecipientsAndContent(t *testing.T) {
	cfg := writeConfig(t)
	_, _, err := executeCLI(t, "-c", cfg, "dispatch", "-m", "hello")
	assert.ErrorContains(t, err, "no recipients")

	_, _, err = executeCLI(t, "-c", cfg, "dispatch", "--to", "alice", "-m", "  ")
	assert.ErrorIs(t, err, dispatch.ErrEmptyContent)
}

func TestDispatchTextReport(t *testing.T) {
	cfg := writeConfig(t)
	out, _, err := executeCLI(t, "-c", cfg, "dispatch", "--to", "alice", "-m", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped=1")
}

func TestDispatchKindFilter(t *testing.T) {
	cfg := writeConfig(t)
	addAccount(t, cfg, "a")

	out, _, err := executeCLI(t, "-c", cfg, "dispatch", "--kind", "dryrun", "--to", "alice", "-m", "hello", "--json")
	require.NoError(t, err)
	var rep dispatch.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.Sent)

	out, _, err = executeCLI(t, "-c", cfg, "dispatch", "--kind", "telegram_bot", "--to", "alice", "-m", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped=1")

	_, _, err = executeCLI(t, "-c", cfg, "dispatch", "--kind", "whatsapp", "--to", "alice", "-m", "hello")
	assert.ErrorContains(t, err, "no transport")
}
