package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/target"
	logx "adbot/pkg/logx"
)

// Store is the persistence API used by the engine and control surfaces.
type Store interface {
	SaveAccount(ctx context.Context, a account.Account) error
	LoadAccounts(ctx context.Context) ([]account.Account, error)

	SaveCampaign(ctx context.Context, c *campaign.Campaign) error
	DeleteCampaign(ctx context.Context, id string) error
	LoadCampaigns(ctx context.Context) ([]*campaign.Campaign, error)

	SaveTarget(ctx context.Context, t target.Target) error
	DeleteTarget(ctx context.Context, id string) error
	LoadTargets(ctx context.Context) ([]target.Target, error)

	SaveBlacklist(ctx context.Context, e target.BlacklistEntry) error
	DeleteBlacklist(ctx context.Context, id string) error
	LoadBlacklist(ctx context.Context) ([]target.BlacklistEntry, error)

	AppendAttempt(ctx context.Context, a Attempt) error
	Summary(ctx context.Context, since time.Time) (Summary, error)

	Close() error
}

// Open initializes the configured store.
// It returns ErrDisabled if the driver is empty or "none"; callers decide
// whether running without persistence is acceptable.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
