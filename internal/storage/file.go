package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botrelay/internal/domain"
	logx "botrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.accounts.snapshot.json (periodic snapshot)
//   - <prefix>.accounts.journal.jsonl (append-only journal)
//
// State is rebuilt from snapshot + journal on open; the journal is compacted
// into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type fileAccount struct {
	ID           domain.AccountID     `json:"id"`
	Kind         domain.TransportKind `json:"kind"`
	Label        string               `json:"label,omitempty"`
	Credential   []byte               `json:"credential,omitempty"`
	Banned       bool                 `json:"banned,omitempty"`
	DailyCount   int                  `json:"daily_count,omitempty"`
	LastActivity time.Time            `json:"last_activity,omitzero"`
	CreatedAt    time.Time            `json:"created_at"`
}

type journalRecord struct {
	Op      string       `json:"op"` // put | reset
	Account *fileAccount `json:"account,omitempty"`
}

func toFile(a domain.Account) *fileAccount {
	return &fileAccount{
		ID: a.ID, Kind: a.Kind, Label: a.Label, Credential: a.Credential, Banned: a.Banned,
		DailyCount: a.DailyCount, LastActivity: a.LastActivity, CreatedAt: a.CreatedAt,
	}
}

func (f *fileAccount) account() domain.Account {
	return domain.Account{
		ID: f.ID, Kind: f.Kind, Label: f.Label, Credential: f.Credential, Banned: f.Banned,
		DailyCount: f.DailyCount, LastActivity: f.LastActivity, CreatedAt: f.CreatedAt,
	}
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMemStore(),
		log:          log,
		snapshotPath: prefix + ".accounts.snapshot.json",
		compactEvery: 500,
	}
	journalPath := prefix + ".accounts.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var list []fileAccount
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return err
	}
	for i := range list {
		s.putLocked(list[i].account())
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected.
			s.log.Warn("skipping unreadable journal record", logx.Err(err))
			continue
		}
		s.applyLocked(r)
	}
	return sc.Err()
}

func (s *fileStore) applyLocked(r journalRecord) {
	switch r.Op {
	case "put":
		if r.Account != nil && r.Account.ID != "" {
			s.putLocked(r.Account.account())
		}
	case "reset":
		for _, a := range s.accounts {
			a.DailyCount = 0
		}
	}
}

// appendLocked journals r; s.mu must be held.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("account journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("account journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	list := make([]*fileAccount, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, toFile(*s.accounts[id]))
	}
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

// mutate applies fn to the account and journals the result.
func (s *fileStore) mutate(id domain.AccountID, fn func(a *domain.Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	fn(a)
	return s.appendLocked(journalRecord{Op: "put", Account: toFile(*a)})
}

func (s *fileStore) CreateAccount(ctx context.Context, credential []byte, kind domain.TransportKind, label string) (domain.Account, error) {
	if err := validateCreate(kind); err != nil {
		return domain.Account{}, err
	}
	a := domain.Account{
		ID:         newAccountID(),
		Kind:       kind,
		Label:      label,
		Credential: append([]byte(nil), credential...),
		CreatedAt:  s.now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: "put", Account: toFile(a)}); err != nil {
		return domain.Account{}, err
	}
	s.putLocked(a)
	return clone(a), nil
}

func (s *fileStore) MarkBanned(ctx context.Context, id domain.AccountID) error {
	return s.mutate(id, func(a *domain.Account) { a.Banned = true })
}

func (s *fileStore) Unban(ctx context.Context, id domain.AccountID) error {
	return s.mutate(id, func(a *domain.Account) { a.Banned = false })
}

func (s *fileStore) IncrementDailyCount(ctx context.Context, id domain.AccountID) error {
	return s.mutate(id, func(a *domain.Account) { a.DailyCount++ })
}

func (s *fileStore) TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error {
	return s.mutate(id, func(a *domain.Account) { a.LastActivity = at.UTC() })
}

func (s *fileStore) UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error {
	return s.mutate(id, func(a *domain.Account) { a.Credential = append([]byte(nil), credential...) })
}

func (s *fileStore) ResetDailyCounts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(journalRecord{Op: "reset"})
	return s.appendLocked(journalRecord{Op: "reset"})
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
