package telegrambot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"botrelay/internal/domain"
	"botrelay/internal/transport"
	logx "botrelay/pkg/logx"
)

const textLimit = 4000

type Options struct {
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL      string
	HTTPTimeout time.Duration
}

// Factory returns a transport.Factory for telegram_bot accounts.
func Factory(opts Options, log logx.Logger) transport.Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 15 * time.Second
	}
	return func(acct domain.Account) (transport.Transport, error) {
		token := strings.TrimSpace(string(acct.Credential))
		if token == "" {
			return nil, errors.New("telegram bot token is empty")
		}
		return &Transport{
			acct:   acct,
			token:  token,
			opts:   opts,
			log:    log.With(logx.String("comp", "transport.telegrambot"), logx.String("account", string(acct.ID))),
			events: make(chan transport.Event, 4),
		}, nil
	}
}

type Transport struct {
	acct  domain.Account
	token string
	opts  Options
	log   logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	events chan transport.Event
	closed bool
}

func newBot(token string, opts Options) (*tele.Bot, error) {
	return tele.NewBot(tele.Settings{
		URL:     opts.APIURL,
		Token:   token,
		Client:  &http.Client{Timeout: opts.HTTPTimeout},
		Offline: true,
	})
}

// Connect validates the token with getMe.
func (t *Transport) Connect(ctx context.Context) error {
	b, err := newBot(t.token, t.opts)
	if err != nil {
		return classify(err)
	}
	if err := call(ctx, func() error {
		_, err := b.Raw("getMe", map[string]string{})
		return err
	}); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ConnectionError(errors.New("transport closed"))
	}
	t.bot = b
	select {
	case t.events <- transport.Event{Kind: transport.EventOpened}:
	default:
	}
	return nil
}

func (t *Transport) Events() <-chan transport.Event { return t.events }

func (t *Transport) current() (*tele.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.bot == nil {
		return nil, transport.ConnectionError(errors.New("bot not connected"))
	}
	return t.bot, nil
}

func (t *Transport) Send(ctx context.Context, to, text string) error {
	addr, err := transport.NormalizeRecipient(domain.KindTelegramBot, to)
	if err != nil {
		return err
	}
	b, err := t.current()
	if err != nil {
		return err
	}
	chat := chatRecipient(addr)
	for _, chunk := range splitText(text, textLimit) {
		if err := call(ctx, func() error {
			_, err := b.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			return err
		}); err != nil {
			if transport.IsTerminal(err) {
				t.emitClosed(true, err)
			}
			return err
		}
	}
	return nil
}

func (t *Transport) Ping(ctx context.Context) error {
	b, err := t.current()
	if err != nil {
		return err
	}
	err = call(ctx, func() error {
		_, err := b.Raw("getMe", map[string]string{})
		return err
	})
	if transport.IsTerminal(err) {
		t.emitClosed(true, err)
	}
	return err
}

func (t *Transport) emitClosed(terminal bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- transport.Event{Kind: transport.EventClosed, Terminal: terminal, Err: err}:
	default:
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.bot = nil
	close(t.events)
	return nil
}

// call runs fn and returns early when ctx ends. telebot has no context
// support; the HTTP client timeout bounds the abandoned call.
func call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case <-ctx.Done():
		return transport.ConnectionError(ctx.Err())
	case err := <-done:
		return classify(err)
	}
}

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

var codeSuffix = regexp.MustCompile(`\((\d{3})\)\s*$`)

func classify(err error) error {
	if err == nil {
		return nil
	}
	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code == 0 {
		// Network level failure from the HTTP client.
		if transport.Classify(err) == transport.ClassConnection {
			return transport.ConnectionError(err)
		}
		return transport.Rejected(err)
	}
	se := &transport.StatusError{Code: code, Description: err.Error()}
	switch transport.Classify(se) {
	case transport.ClassTerminal:
		return transport.Terminal(fmt.Errorf("telegram: %w", err))
	case transport.ClassConnection:
		return transport.ConnectionError(fmt.Errorf("telegram: %w", err))
	default:
		return transport.Rejected(fmt.Errorf("telegram: %w", err))
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
	}
	return out
}
