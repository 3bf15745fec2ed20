package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "pool"))

	log.Debug("hidden")
	log.Info("sent", Int("n", 3), Err(nil), Duration("took", time.Second))
	log.Warn("failed", Err(errors.New("boom")), String("component", "session"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "sent", lines[0]["message"])
	assert.Equal(t, "pool", lines[0]["component"])
	assert.EqualValues(t, 3, lines[0]["n"])
	assert.NotContains(t, lines[0], "err")
	assert.Contains(t, lines[0]["caller"], "logx_test.go:")

	assert.Equal(t, "warn", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["err"])
	assert.Equal(t, "session", lines[1]["component"], "later field wins")

	assert.False(t, log.Enabled(LevelDebug))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	assert.NotPanics(t, func() { zero.Error("dropped") })
}

func TestFormatAlertSortsFields(t *testing.T) {
	line := `{"level":"warn","time":"x","message":"account failed","zeta":1,"account":"a1","err":"timeout"}`
	got := formatAlert([]byte(line))
	assert.Equal(t, "[WARN] account failed\n- account=a1\n- err=timeout\n- zeta=1", got)

	assert.Equal(t, "not json", formatAlert([]byte("  not json\n")))
	long := formatAlert([]byte(strings.Repeat("x", 5000)))
	assert.Len(t, long, alertMaxLen)
	assert.True(t, strings.HasSuffix(long, "..."))
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestServiceForwardsAlertsAboveMinLevel(t *testing.T) {
	dir := t.TempDir()
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(dir, "out.log")},
		Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 100},
	}, sender)

	log.Warn("just a warning")
	log.Error("store down", String("driver", "sqlite"))

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sender.sent()[0]
	assert.True(t, strings.HasPrefix(got, "[ERROR] store down\n- caller=logx_test.go:"), got)
	assert.True(t, strings.HasSuffix(got, "\n- driver=sqlite"), got)
	require.NoError(t, svc.Close())

	data, err := os.ReadFile(filepath.Join(dir, "out.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestAlertSinkCountsSuppressed(t *testing.T) {
	sender := &recordingSender{}
	sink := newAlertSink(sender)
	sink.apply(AlertConfig{Enabled: true, RatePerSec: 1})
	defer sink.close()

	_, _ = sink.WriteLevel(LevelError, []byte(`{"level":"error","message":"first"}`))
	_, _ = sink.WriteLevel(LevelError, []byte(`{"level":"error","message":"second"}`))
	_, _ = sink.WriteLevel(LevelError, []byte(`{"level":"error","message":"third"}`))

	// Whichever alert goes out after the drops carries their count.
	require.Eventually(t, func() bool {
		for _, msg := range sender.sent() {
			if strings.Contains(msg, "alerts suppressed") {
				return true
			}
		}
		_, _ = sink.WriteLevel(LevelError, []byte(`{"level":"error","message":"later"}`))
		return false
	}, 3*time.Second, 100*time.Millisecond)
	assert.Equal(t, "[ERROR] first", strings.SplitN(sender.sent()[0], "\n", 2)[0])
}
