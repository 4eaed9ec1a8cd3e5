package campaign

import (
	"math/rand"
	"testing"
	"time"

	"adbot/internal/target"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		cname    string
		messages []string
		mode     target.Mode
		interval time.Duration
		wantErr  bool
	}{
		{name: "ok", cname: "promo", messages: []string{"hi"}, mode: target.ModeBoth, interval: 10 * time.Second},
		{name: "empty name", cname: " ", messages: []string{"hi"}, mode: target.ModeBoth, interval: time.Second, wantErr: true},
		{name: "no messages", cname: "promo", messages: []string{"  "}, mode: target.ModeBoth, interval: time.Second, wantErr: true},
		{name: "bad mode", cname: "promo", messages: []string{"hi"}, mode: target.Mode("dms"), interval: time.Second, wantErr: true},
		{name: "zero interval", cname: "promo", messages: []string{"hi"}, mode: target.ModeUsers, interval: 0, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cname, tt.messages, tt.mode, tt.interval)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.State != StateDraft || c.ID == "" {
				t.Fatalf("unexpected campaign: %+v", c)
			}
		})
	}
}

func TestValidTransition(t *testing.T) {
	t.Parallel()
	allowed := []struct{ from, to State }{
		{StateDraft, StateRunning},
		{StateDraft, StateStopped},
		{StateRunning, StatePaused},
		{StateRunning, StateStopped},
		{StatePaused, StateRunning},
		{StatePaused, StateStopped},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}
	denied := []struct{ from, to State }{
		{StateDraft, StatePaused},
		{StateStopped, StateRunning},
		{StateStopped, StatePaused},
		{StateRunning, StateDraft},
	}
	for _, tr := range denied {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("ValidTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestPickMessageReproducible(t *testing.T) {
	t.Parallel()
	c, err := New("promo", []string{"a", "b", "c"}, target.ModeBoth, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	pick := func(seed int64, n int) []string {
		rng := rand.New(rand.NewSource(seed))
		out := make([]string, n)
		for i := range out {
			out[i] = c.PickMessage(rng)
		}
		return out
	}

	a := pick(42, 20)
	b := pick(42, 20)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %s vs %s", i, a[i], b[i])
		}
	}

	single, _ := New("one", []string{"only"}, target.ModeBoth, time.Second)
	if got := single.PickMessage(rand.New(rand.NewSource(1))); got != "only" {
		t.Fatalf("single variant = %q", got)
	}
}

func TestUsesAccount(t *testing.T) {
	t.Parallel()
	c, _ := New("promo", []string{"hi"}, target.ModeBoth, time.Second)
	if !c.UsesAccount("any") {
		t.Fatal("empty allowlist must admit every account")
	}
	c.Accounts = []string{"a1", "a2"}
	if !c.UsesAccount("a2") || c.UsesAccount("a3") {
		t.Fatal("allowlist not honored")
	}
}

func TestWindowEvaluate(t *testing.T) {
	t.Parallel()
	w, err := ParseWindow("0 9 * * *", "0 18 * * *")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}

	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	// Tick spanning 09:00 fires start.
	resume, pause := w.Evaluate(day.Add(8*time.Hour+59*time.Minute), day.Add(9*time.Hour+time.Minute))
	if !resume || pause {
		t.Fatalf("09:00 span: resume=%v pause=%v", resume, pause)
	}

	// Tick spanning 18:00 fires stop.
	resume, pause = w.Evaluate(day.Add(17*time.Hour+59*time.Minute), day.Add(18*time.Hour+time.Minute))
	if resume || !pause {
		t.Fatalf("18:00 span: resume=%v pause=%v", resume, pause)
	}

	// Quiet span fires nothing.
	resume, pause = w.Evaluate(day.Add(12*time.Hour), day.Add(12*time.Hour+time.Second))
	if resume || pause {
		t.Fatalf("quiet span: resume=%v pause=%v", resume, pause)
	}

	// Span covering both: the later firing (stop) wins.
	resume, pause = w.Evaluate(day.Add(8*time.Hour), day.Add(19*time.Hour))
	if resume || !pause {
		t.Fatalf("both span: resume=%v pause=%v", resume, pause)
	}
}

func TestParseWindowInvalid(t *testing.T) {
	t.Parallel()
	if _, err := ParseWindow("", ""); err == nil {
		t.Fatal("expected error for empty window")
	}
	if _, err := ParseWindow("not a cron", ""); err == nil {
		t.Fatal("expected error for bad spec")
	}
}
