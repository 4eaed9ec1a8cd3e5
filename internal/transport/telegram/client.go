package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"adbot/internal/transport"
	logx "adbot/pkg/logx"
)

// Client is a transport.Client backed by the Telegram Bot API.
//
// Each sender identity is its own bot; Register validates the token with a
// getMe round-trip and keeps the bot for reuse. Bots here never poll for
// updates, they only send.
type Client struct {
	log logx.Logger

	mu   sync.RWMutex
	bots map[string]*tele.Bot
}

func NewClient(log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{log: log, bots: map[string]*tele.Bot{}}
}

// Register adds (or replaces) a sender identity.
func (c *Client) Register(accountID, token string) error {
	if strings.TrimSpace(accountID) == "" {
		return errors.New("account id is empty")
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("account %s: token is empty", accountID)
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return fmt.Errorf("account %s: %w", accountID, err)
	}
	c.mu.Lock()
	c.bots[accountID] = b
	c.mu.Unlock()
	c.log.Info("sender registered", logx.String("account", accountID))
	return nil
}

// Unregister drops a sender identity. Safe to call for unknown ids.
func (c *Client) Unregister(accountID string) {
	c.mu.Lock()
	delete(c.bots, accountID)
	c.mu.Unlock()
}

func (c *Client) bot(accountID string) *tele.Bot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bots[accountID]
}

func (c *Client) Send(ctx context.Context, accountID string, dest transport.Destination, text string) transport.Outcome {
	b := c.bot(accountID)
	if b == nil {
		// Unknown identity: credentials were never registered or were dropped.
		return transport.Forbidden(fmt.Errorf("account %s is not registered", accountID))
	}
	if err := ctx.Err(); err != nil {
		return transport.Transient(err)
	}

	var to tele.Recipient
	if dest.ChatID != 0 {
		to = tele.ChatID(dest.ChatID)
	} else {
		chat, err := b.ChatByUsername(dest.Username)
		if err != nil {
			return Classify(err)
		}
		to = chat
	}

	_, err := b.Send(to, text)
	if err != nil {
		return Classify(err)
	}
	return transport.OK()
}

// Classify maps a Telegram API error onto the engine's outcome taxonomy.
//
// The mapping follows the platform's semantics:
//   - 429 (flood) carries an explicit retry-after -> rate limited
//   - 401 means the sender's credentials are revoked -> forbidden (account)
//   - 403 and "not found"-style 400s mean the destination rejects or does
//     not exist -> target invalid
//   - everything else (timeouts, 5xx, decode errors) -> transient
func Classify(err error) transport.Outcome {
	if err == nil {
		return transport.OK()
	}

	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(time.Duration(flood.RetryAfter)*time.Second, err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 401:
			return transport.Forbidden(err)
		case apiErr.Code == 403:
			return transport.TargetInvalid(err)
		case apiErr.Code == 400 && isGoneDescription(apiErr.Description):
			return transport.TargetInvalid(err)
		case apiErr.Code >= 500:
			return transport.Transient(err)
		}
	}

	return transport.Transient(err)
}

func isGoneDescription(desc string) bool {
	d := strings.ToLower(desc)
	for _, s := range []string{"chat not found", "user not found", "user is deactivated", "peer_id_invalid"} {
		if strings.Contains(d, s) {
			return true
		}
	}
	return false
}
