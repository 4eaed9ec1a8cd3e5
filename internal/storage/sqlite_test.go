package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"adbot/internal/account"
	"adbot/internal/campaign"
	"adbot/internal/target"
	logx "adbot/pkg/logx"
)

// testContext mirrors t.Context (Go 1.24+): canceled when the test ends.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "adbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if !errors.Is(err, ErrDisabled) || st != nil {
		t.Fatalf("Open(none) = %v, %v, want ErrDisabled", st, err)
	}
	if st, err := Open(Config{Driver: ""}, logx.Nop()); !errors.Is(err, ErrDisabled) || st != nil {
		t.Fatalf("Open(\"\") = %v, %v, want ErrDisabled", st, err)
	}
	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil || errors.Is(err, ErrDisabled) {
		t.Fatalf("Open(bolt) = %v, want a distinct driver error", err)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := testContext(t)

	a := account.Account{
		ID:                "a1",
		Status:            account.StatusCooling,
		CooldownUntil:     time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond),
		CooldownReason:    account.CooldownFloodWait,
		ConsecutiveErrors: 2,
		Sent:              10,
		Failed:            3,
		LastUsed:          time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := st.SaveAccount(ctx, a); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
	// Upsert keeps a single row.
	a.Sent = 11
	if err := st.SaveAccount(ctx, a); err != nil {
		t.Fatalf("SaveAccount upsert: %v", err)
	}

	got, err := st.LoadAccounts(ctx)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Sent != 11 || got[0].Status != account.StatusCooling || !got[0].CooldownUntil.Equal(a.CooldownUntil) {
		t.Fatalf("round trip mismatch: %+v", got[0])
	}
}

func TestCampaignRoundTripWithWindow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := testContext(t)

	c, err := campaign.New("promo", []string{"a", "b"}, target.ModeGroups, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	c.Window, err = campaign.ParseWindow("0 9 * * *", "0 18 * * *")
	if err != nil {
		t.Fatal(err)
	}
	c.State = campaign.StatePaused
	c.PauseReason = campaign.ReasonNoTargets
	c.Counters.Sent = 7

	if err := st.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}
	got, err := st.LoadCampaigns(ctx)
	if err != nil {
		t.Fatalf("LoadCampaigns: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	lc := got[0]
	if lc.ID != c.ID || lc.State != campaign.StatePaused || lc.PauseReason != campaign.ReasonNoTargets {
		t.Fatalf("mismatch: %+v", lc)
	}
	if lc.Window == nil || lc.Window.StartSpec != "0 9 * * *" {
		t.Fatalf("window lost: %+v", lc.Window)
	}
	if lc.Counters.Sent != 7 || lc.Interval != 10*time.Second {
		t.Fatalf("counters/interval lost: %+v", lc)
	}

	if err := st.DeleteCampaign(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCampaign: %v", err)
	}
	got, _ = st.LoadCampaigns(ctx)
	if len(got) != 0 {
		t.Fatal("campaign not deleted")
	}
}

func TestBlacklistAndAttempts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := testContext(t)

	e := target.BlacklistEntry{TargetID: "g1", Reason: "unreachable", At: time.Now().UTC()}
	if err := st.SaveBlacklist(ctx, e); err != nil {
		t.Fatalf("SaveBlacklist: %v", err)
	}
	// First reason wins on conflict.
	if err := st.SaveBlacklist(ctx, target.BlacklistEntry{TargetID: "g1", Reason: "other", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	bl, err := st.LoadBlacklist(ctx)
	if err != nil || len(bl) != 1 || bl[0].Reason != "unreachable" {
		t.Fatalf("LoadBlacklist = %+v, %v", bl, err)
	}

	base := time.Now().UTC()
	for i, outcome := range []string{"ok", "ok", "rate_limited"} {
		a := Attempt{
			At: base.Add(time.Duration(i) * time.Second), CampaignID: "c1",
			AccountID: "a1", TargetID: "g1", Message: "hi", Outcome: outcome,
		}
		if err := st.AppendAttempt(ctx, a); err != nil {
			t.Fatalf("AppendAttempt: %v", err)
		}
	}
	sum, err := st.Summary(ctx, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Total != 3 || sum.ByOutcome["ok"] != 2 || sum.ByOutcome["rate_limited"] != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	// Since filter excludes older rows.
	sum, _ = st.Summary(ctx, base.Add(1500*time.Millisecond))
	if sum.Total != 1 {
		t.Fatalf("filtered summary = %+v", sum)
	}
}
