package telegram

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
	"unsafe"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// newFloodError builds a *tele.FloodError wrapping the given API error.
// telebot.v4 keeps the wrapped error in an unexported field with no public
// constructor, so it has to be set via reflection.
func newFloodError(inner *tele.Error, retryAfter int) *tele.FloodError {
	fe := &tele.FloodError{RetryAfter: retryAfter}
	f := reflect.ValueOf(fe).Elem().FieldByName("err")
	reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem().Set(reflect.ValueOf(inner))
	return fe
}

func TestClassify(t *testing.T) {
	t.Parallel()

	flood := newFloodError(tele.NewError(429, "Too Many Requests: retry after 300"), 300)

	tests := []struct {
		name  string
		err   error
		kind  transport.OutcomeKind
		after time.Duration
	}{
		{name: "nil", err: nil, kind: transport.OutcomeOK},
		{name: "flood", err: flood, kind: transport.OutcomeRateLimited, after: 300 * time.Second},
		{name: "wrapped flood", err: fmt.Errorf("send: %w", flood), kind: transport.OutcomeRateLimited, after: 300 * time.Second},
		{name: "unauthorized", err: tele.NewError(401, "Unauthorized"), kind: transport.OutcomeForbidden},
		{name: "blocked", err: tele.NewError(403, "Forbidden: bot was blocked by the user"), kind: transport.OutcomeTargetInvalid},
		{name: "chat not found", err: tele.NewError(400, "Bad Request: chat not found"), kind: transport.OutcomeTargetInvalid},
		{name: "deactivated", err: tele.NewError(400, "Bad Request: user is deactivated"), kind: transport.OutcomeTargetInvalid},
		{name: "other 400", err: tele.NewError(400, "Bad Request: message is too long"), kind: transport.OutcomeTransient},
		{name: "server error", err: tele.NewError(502, "Bad Gateway"), kind: transport.OutcomeTransient},
		{name: "plain error", err: errors.New("connection reset"), kind: transport.OutcomeTransient},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.kind {
				t.Fatalf("Classify(%v).Kind = %v, want %v", tt.err, got.Kind, tt.kind)
			}
			if got.RetryAfter != tt.after {
				t.Fatalf("RetryAfter = %v, want %v", got.RetryAfter, tt.after)
			}
			if tt.err != nil && got.Err == nil {
				t.Fatal("underlying error dropped")
			}
		})
	}
}

func TestSendUnknownAccount(t *testing.T) {
	t.Parallel()
	c := NewClient(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out := c.Send(ctx, "ghost", transport.Destination{ChatID: 1}, "hi")
	if out.Kind != transport.OutcomeForbidden {
		t.Fatalf("Kind = %v, want forbidden", out.Kind)
	}
}
