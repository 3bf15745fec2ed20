package domain

import (
	"fmt"
	"strings"
	"time"
)

type AccountID string

// TransportKind names the messaging network an account sends through.
type TransportKind string

const (
	KindTelegramBot  TransportKind = "telegram_bot"
	KindTelegramUser TransportKind = "telegram_user"
	KindWhatsApp     TransportKind = "whatsapp"
	KindDryRun       TransportKind = "dryrun"
)

func (k TransportKind) Valid() bool {
	switch k {
	case KindTelegramBot, KindTelegramUser, KindWhatsApp, KindDryRun:
		return true
	}
	return false
}

func ParseTransportKind(raw string) (TransportKind, error) {
	k := TransportKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown transport kind %q", raw)
	}
	return k, nil
}

// Account is the persisted identity of one sending account.
// Credential is opaque to the core; only the transport for Kind interprets it.
type Account struct {
	ID           AccountID
	Kind         TransportKind
	Label        string
	Credential   []byte
	Banned       bool
	DailyCount   int
	LastActivity time.Time
	CreatedAt    time.Time
}

func (a Account) Validate() error {
	if strings.TrimSpace(string(a.ID)) == "" {
		return fmt.Errorf("id is required")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unsupported transport kind %q", a.Kind)
	}
	return nil
}
