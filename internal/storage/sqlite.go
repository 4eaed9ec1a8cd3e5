package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/target"
	logx "adbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

func (s *sqliteStore) SaveAccount(ctx context.Context, a account.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, status, cooldown_until, cooldown_reason, consecutive_errors, sent, failed, last_used, invalid_reason)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, cooldown_until=excluded.cooldown_until,
		   cooldown_reason=excluded.cooldown_reason, consecutive_errors=excluded.consecutive_errors,
		   sent=excluded.sent, failed=excluded.failed, last_used=excluded.last_used,
		   invalid_reason=excluded.invalid_reason`,
		a.ID, string(a.Status), nullTime(a.CooldownUntil), nullStr(string(a.CooldownReason)),
		a.ConsecutiveErrors, a.Sent, a.Failed, nullTime(a.LastUsed), nullStr(a.InvalidReason),
	)
	return err
}

func (s *sqliteStore) LoadAccounts(ctx context.Context) ([]account.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, cooldown_until, cooldown_reason, consecutive_errors, sent, failed, last_used, invalid_reason
		 FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account.Account
	for rows.Next() {
		var (
			a                       account.Account
			status, reason, invalid sql.NullString
			until, lastUsed         sql.NullString
		)
		if err := rows.Scan(&a.ID, &status, &until, &reason, &a.ConsecutiveErrors, &a.Sent, &a.Failed, &lastUsed, &invalid); err != nil {
			return nil, err
		}
		a.Status = account.Status(status.String)
		a.CooldownReason = account.CooldownReason(reason.String)
		a.InvalidReason = invalid.String
		a.CooldownUntil = parseTime(until)
		a.LastUsed = parseTime(lastUsed)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- campaigns ----

// campaignBlob is the persisted shape of a campaign. The window is stored as
// its cron specs and re-parsed on load.
type campaignBlob struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	State        campaign.State    `json:"state"`
	Messages     []string          `json:"messages"`
	Mode         target.Mode       `json:"mode"`
	Filters      target.Filters    `json:"filters"`
	Interval     time.Duration     `json:"interval"`
	Accounts     []string          `json:"accounts,omitempty"`
	WindowStart  string            `json:"window_start,omitempty"`
	WindowStop   string            `json:"window_stop,omitempty"`
	Cursor       int               `json:"cursor"`
	NextEligible time.Time         `json:"next_eligible"`
	PauseReason  string            `json:"pause_reason,omitempty"`
	Counters     campaign.Counters `json:"counters"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (s *sqliteStore) SaveCampaign(ctx context.Context, c *campaign.Campaign) error {
	blob := campaignBlob{
		ID: c.ID, Name: c.Name, State: c.State, Messages: c.Messages,
		Mode: c.Mode, Filters: c.Filters, Interval: c.Interval, Accounts: c.Accounts,
		Cursor: c.Cursor, NextEligible: c.NextEligible, PauseReason: c.PauseReason,
		Counters: c.Counters, CreatedAt: c.CreatedAt,
	}
	if c.Window != nil {
		blob.WindowStart = c.Window.StartSpec
		blob.WindowStop = c.Window.StopSpec
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns(id, name, state, data, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, state=excluded.state, data=excluded.data, updated_at=excluded.updated_at`,
		c.ID, c.Name, string(c.State), string(data), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteCampaign(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM campaigns WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadCampaigns(ctx context.Context) ([]*campaign.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*campaign.Campaign
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var blob campaignBlob
		if err := json.Unmarshal([]byte(data), &blob); err != nil {
			s.log.Warn("skipping undecodable campaign record", logx.Err(err))
			continue
		}
		c := &campaign.Campaign{
			ID: blob.ID, Name: blob.Name, State: blob.State, Messages: blob.Messages,
			Mode: blob.Mode, Filters: blob.Filters, Interval: blob.Interval,
			Accounts: blob.Accounts, Cursor: blob.Cursor, NextEligible: blob.NextEligible,
			PauseReason: blob.PauseReason, Counters: blob.Counters, CreatedAt: blob.CreatedAt,
		}
		if blob.WindowStart != "" || blob.WindowStop != "" {
			w, err := campaign.ParseWindow(blob.WindowStart, blob.WindowStop)
			if err != nil {
				s.log.Warn("dropping invalid campaign window",
					logx.String("campaign", blob.ID), logx.Err(err))
			} else {
				c.Window = w
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- targets ----

func (s *sqliteStore) SaveTarget(ctx context.Context, t target.Target) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(id, kind, title, member_count, chat_id, username) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, title=excluded.title, member_count=excluded.member_count,
		   chat_id=excluded.chat_id, username=excluded.username`,
		t.ID, string(t.Kind), t.Title, t.MemberCount, t.ChatID, t.Username,
	)
	return err
}

func (s *sqliteStore) DeleteTarget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) LoadTargets(ctx context.Context) ([]target.Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, title, member_count, chat_id, username FROM targets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []target.Target
	for rows.Next() {
		var (
			t    target.Target
			kind string
		)
		if err := rows.Scan(&t.ID, &kind, &t.Title, &t.MemberCount, &t.ChatID, &t.Username); err != nil {
			return nil, err
		}
		t.Kind = target.Kind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- blacklist ----

func (s *sqliteStore) SaveBlacklist(ctx context.Context, e target.BlacklistEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist(target_id, reason, added_at) VALUES(?,?,?)
		 ON CONFLICT(target_id) DO NOTHING`,
		e.TargetID, e.Reason, e.At.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteBlacklist(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE target_id = ?`, id)
	return err
}

func (s *sqliteStore) LoadBlacklist(ctx context.Context) ([]target.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target_id, reason, added_at FROM blacklist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []target.BlacklistEntry
	for rows.Next() {
		var (
			e  target.BlacklistEntry
			at string
		)
		if err := rows.Scan(&e.TargetID, &e.Reason, &at); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, at); err == nil {
			e.At = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- attempts ----

func (s *sqliteStore) AppendAttempt(ctx context.Context, a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(at, campaign_id, account_id, target_id, message, outcome, err)
		 VALUES(?,?,?,?,?,?,?)`,
		a.At.Format(time.RFC3339Nano), a.CampaignID, a.AccountID, a.TargetID,
		a.Message, a.Outcome, nullStr(a.Error),
	)
	return err
}

func (s *sqliteStore) Summary(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{ByOutcome: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM attempts WHERE at >= ? GROUP BY outcome`,
		since.Format(time.RFC3339Nano))
	if err != nil {
		return sum, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			outcome string
			n       int64
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return sum, err
		}
		sum.ByOutcome[outcome] = n
		sum.Total += n
	}
	return sum, rows.Err()
}

// ---- helpers ----

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
