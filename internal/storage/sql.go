package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"botrelay/internal/domain"
	logx "botrelay/pkg/logx"
)

// sqlStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that use "$n".
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	dollar bool
	now    func() time.Time
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

const accountColumns = `id, kind, label, credential, banned, daily_count, last_activity_ms, created_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (domain.Account, error) {
	var (
		a          domain.Account
		id, kind   string
		banned     int
		lastMS     int64
		createdMS  int64
		credential []byte
	)
	if err := r.Scan(&id, &kind, &a.Label, &credential, &banned, &a.DailyCount, &lastMS, &createdMS); err != nil {
		return domain.Account{}, err
	}
	a.ID = domain.AccountID(id)
	a.Kind = domain.TransportKind(kind)
	a.Credential = credential
	a.Banned = banned != 0
	if lastMS > 0 {
		a.LastActivity = time.UnixMilli(lastMS).UTC()
	}
	a.CreatedAt = time.UnixMilli(createdMS).UTC()
	return a, nil
}

func (s *sqlStore) ListAccounts(ctx context.Context, excludeBanned bool) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if excludeBanned {
		query += ` WHERE banned = 0`
	}
	query += ` ORDER BY created_ms, seq`
	rows, err := s.db.QueryContext(ctx, s.q(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetAccount(ctx context.Context, id domain.AccountID) (domain.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), string(id))
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return a, err
}

func (s *sqlStore) CreateAccount(ctx context.Context, credential []byte, kind domain.TransportKind, label string) (domain.Account, error) {
	if err := validateCreate(kind); err != nil {
		return domain.Account{}, err
	}
	a := domain.Account{
		ID:         newAccountID(),
		Kind:       kind,
		Label:      label,
		Credential: append([]byte(nil), credential...),
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO accounts(id, kind, label, credential, banned, daily_count, last_activity_ms, created_ms)
		 VALUES(?,?,?,?,0,0,0,?)`),
		string(a.ID), string(a.Kind), a.Label, a.Credential, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// exec runs a single-account update and maps zero affected rows to ErrNotFound.
func (s *sqlStore) exec(ctx context.Context, id domain.AccountID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) MarkBanned(ctx context.Context, id domain.AccountID) error {
	return s.exec(ctx, id, `UPDATE accounts SET banned = 1 WHERE id = ?`, string(id))
}

func (s *sqlStore) Unban(ctx context.Context, id domain.AccountID) error {
	return s.exec(ctx, id, `UPDATE accounts SET banned = 0 WHERE id = ?`, string(id))
}

func (s *sqlStore) IncrementDailyCount(ctx context.Context, id domain.AccountID) error {
	return s.exec(ctx, id, `UPDATE accounts SET daily_count = daily_count + 1 WHERE id = ?`, string(id))
}

func (s *sqlStore) TouchActivity(ctx context.Context, id domain.AccountID, at time.Time) error {
	return s.exec(ctx, id, `UPDATE accounts SET last_activity_ms = ? WHERE id = ?`, at.UnixMilli(), string(id))
}

func (s *sqlStore) UpdateCredential(ctx context.Context, id domain.AccountID, credential []byte) error {
	return s.exec(ctx, id, `UPDATE accounts SET credential = ? WHERE id = ?`, credential, string(id))
}

func (s *sqlStore) ResetDailyCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET daily_count = 0 WHERE daily_count <> 0`)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
