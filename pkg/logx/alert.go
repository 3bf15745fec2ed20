package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AlertConfig controls the operator alert sink. Lines at or above MinLevel
// (default warn) are forwarded to the AlertSender, at most RatePerSec per
// second (default 1).
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// AlertSender delivers one formatted log line to an operator channel.
type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

const (
	alertQueueSize = 256
	alertTimeout   = 10 * time.Second
	alertMaxLen    = 3500
	alertFieldLen  = 600
)

// alertSink is a zerolog.LevelWriter that never blocks the caller. Lines over
// the rate or queue limit are counted and the count is appended to the next
// alert that goes out.
type alertSink struct {
	sender AlertSender
	queue  chan string

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level

	suppressed atomic.Int64

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender: sender,
		queue:  make(chan string, alertQueueSize),
		done:   make(chan struct{}),
	}
}

func (a *alertSink) apply(cfg AlertConfig) {
	rps := max(1, cfg.RatePerSec)
	a.mu.Lock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		go a.run(ctx)
	})
	a.mu.Unlock()
}

func (a *alertSink) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.queue:
			if n := a.suppressed.Swap(0); n > 0 {
				msg += fmt.Sprintf("\n(+%d alerts suppressed)", n)
			}
			sctx, cancel := context.WithTimeout(ctx, alertTimeout)
			_ = a.sender.SendAlert(sctx, msg)
			cancel()
		}
	}
}

func (a *alertSink) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-a.done
	}
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	lim, minLevel := a.limiter, a.minLevel
	a.mu.Unlock()

	if level < minLevel || lim == nil {
		return len(p), nil
	}
	if !lim.Allow() {
		a.suppressed.Add(1)
		return len(p), nil
	}
	select {
	case a.queue <- formatAlert(p):
	default:
		a.suppressed.Add(1)
	}
	return len(p), nil
}

// formatAlert renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field in key order.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertFieldLen))
	}
	return truncate(b.String(), alertMaxLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
