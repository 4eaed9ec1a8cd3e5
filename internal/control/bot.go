package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"gopkg.in/telebot.v4/middleware"

	"adbot/internal/campaign"
	"adbot/internal/engine"
	"adbot/internal/eventbus"
	"adbot/internal/storage"
	"adbot/internal/target"
	logx "adbot/pkg/logx"
)

// Config configures the operator bot.
type Config struct {
	Token       string
	AdminIDs    []int64
	PollTimeout time.Duration
}

// SenderPool registers and removes sender identities at runtime.
// Satisfied by transport/telegram.Client.
type SenderPool interface {
	Register(accountID, token string) error
	Unregister(accountID string)
}

// Bot is the Telegram operator surface: campaign lifecycle, account and
// target management, statistics, and push alerts from the event bus.
type Bot struct {
	cfg     Config
	bot     *tele.Bot
	eng     *engine.Service
	senders SenderPool // may be nil
	// store may be nil; statistics commands then report persistence as off.
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, eng *engine.Service, senders SenderPool, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("control bot token is empty")
	}
	if len(cfg.AdminIDs) == 0 {
		return nil, errors.New("control bot needs at least one admin id")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	cb := &Bot{cfg: cfg, bot: b, eng: eng, senders: senders, store: store, bus: bus, log: log}
	cb.route()
	return cb, nil
}

func (b *Bot) route() {
	b.bot.Use(middleware.Whitelist(b.cfg.AdminIDs...))

	b.bot.Handle("/start", b.handleHelp)
	b.bot.Handle("/help", b.handleHelp)
	b.bot.Handle("/status", b.handleStatus)

	b.bot.Handle("/campaigns", b.handleCampaigns)
	b.bot.Handle("/newcampaign", b.handleNewCampaign)
	b.bot.Handle("/startcampaign", b.campaignAction("started", b.eng.StartCampaign))
	b.bot.Handle("/pausecampaign", b.campaignAction("paused", b.eng.PauseCampaign))
	b.bot.Handle("/resumecampaign", b.campaignAction("resumed", b.eng.ResumeCampaign))
	b.bot.Handle("/stopcampaign", b.campaignAction("stopped", b.eng.StopCampaign))
	b.bot.Handle("/filters", b.handleFilters)

	b.bot.Handle("/accounts", b.handleAccounts)
	b.bot.Handle("/addaccount", b.handleAddAccount)
	b.bot.Handle("/removeaccount", b.handleRemoveAccount)
	b.bot.Handle("/coolaccount", b.handleCoolAccount)
	b.bot.Handle("/enable", b.accountAction("enabled", b.eng.EnableAccount))
	b.bot.Handle("/disable", b.accountAction("disabled", b.eng.DisableAccount))
	b.bot.Handle("/invalidate", b.handleInvalidate)

	b.bot.Handle("/targets", b.handleTargets)
	b.bot.Handle("/addtarget", b.handleAddTarget)
	b.bot.Handle("/removetarget", b.handleRemoveTarget)
	b.bot.Handle("/blacklist", b.handleBlacklist)
	b.bot.Handle("/unblacklist", b.handleUnblacklist)

	b.bot.Handle("/stats", b.handleStats)
}

// Start begins long polling and the alert pump.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		b.bot.Start()
	}()

	if b.bus != nil {
		b.runWG.Add(1)
		go func() {
			defer b.runWG.Done()
			b.pumpAlerts(rctx)
		}()
	}
	b.log.Info("control bot started", logx.Int("admins", len(b.cfg.AdminIDs)))
}

func (b *Bot) Stop() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	b.runCancel()
	b.bot.Stop()
	b.runWG.Wait()
	b.log.Info("control bot stopped")
}

// pumpAlerts forwards engine events an operator should hear about.
func (b *Bot) pumpAlerts(ctx context.Context) {
	events, unsub := b.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if text := alertText(e); text != "" {
				b.broadcast(text)
			}
		}
	}
}

// alertText renders push-worthy events; everything else maps to "".
func alertText(e eventbus.Event) string {
	switch e.Type {
	case eventbus.TypeCampaignPaused:
		ce, ok := e.Data.(engine.CampaignEvent)
		if !ok {
			return ""
		}
		if ce.Reason == campaign.ReasonOperator {
			// The operator did it themselves; no need to echo.
			return ""
		}
		return fmt.Sprintf("⏸ campaign %q paused: %s", ce.Name, ce.Reason)
	case eventbus.TypeAccountInvalid:
		ae, ok := e.Data.(engine.AttemptEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🚫 account %s is invalid and left rotation", ae.AccountID)
	case eventbus.TypeDegraded:
		return "⚠️ storage is failing, all campaigns paused"
	default:
		return ""
	}
}

func (b *Bot) broadcast(text string) {
	for _, id := range b.cfg.AdminIDs {
		if _, err := b.bot.Send(&tele.User{ID: id}, text); err != nil {
			b.log.Warn("alert delivery failed", logx.Int64("admin", id), logx.Err(err))
		}
	}
}

// ---- handlers ----

func (b *Bot) handleHelp(c tele.Context) error {
	return c.Send(strings.TrimSpace(`
/status - engine overview
/campaigns - list campaigns
/newcampaign name | mode | interval | message [| message...]
/startcampaign <id>  /pausecampaign <id>  /resumecampaign <id>  /stopcampaign <id>
/filters <id> [min=N] [max=N] [kw=a,b] [xkw=c,d]
/accounts - list sender accounts
/addaccount <id> <token>  /removeaccount <id>
/enable <id>  /disable <id>  /coolaccount <id> <duration>  /invalidate <id> [reason]
/targets - list targets
/addtarget <id> <group|user> <chat_id> [title]
/removetarget <id>  /blacklist <id> [reason]  /unblacklist <id>
/stats [window, e.g. 24h]
`))
}

func (b *Bot) handleStatus(c tele.Context) error {
	snap := b.eng.Snapshot()
	byState := map[campaign.State]int{}
	for _, cs := range snap.Campaigns {
		byState[cs.State]++
	}
	byStatus := map[string]int{}
	for _, a := range snap.Accounts {
		byStatus[string(a.Status)]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "campaigns: %d running, %d paused, %d draft, %d stopped\n",
		byState[campaign.StateRunning], byState[campaign.StatePaused],
		byState[campaign.StateDraft], byState[campaign.StateStopped])
	fmt.Fprintf(&sb, "accounts: %d active, %d cooling, %d disabled, %d invalid\n",
		byStatus["active"], byStatus["cooling"], byStatus["disabled"], byStatus["invalid"])
	fmt.Fprintf(&sb, "in flight: %d, queue %d/%d\n", snap.InFlight, snap.QueueLen, snap.QueueCap)
	if snap.Uptime > 0 {
		fmt.Fprintf(&sb, "uptime: %s\n", snap.Uptime.Round(time.Second))
	}
	if snap.Degraded {
		sb.WriteString("⚠️ DEGRADED: storage failing\n")
	}
	return c.Send(sb.String())
}

func (b *Bot) handleCampaigns(c tele.Context) error {
	snap := b.eng.Snapshot()
	if len(snap.Campaigns) == 0 {
		return c.Send("no campaigns")
	}
	var sb strings.Builder
	for _, cs := range snap.Campaigns {
		fmt.Fprintf(&sb, "%s %s [%s]", stateIcon(cs.State), cs.Name, cs.ID)
		if cs.PauseReason != "" {
			fmt.Fprintf(&sb, " (%s)", cs.PauseReason)
		}
		fmt.Fprintf(&sb, "\n  every %s, sent %d, failed %d, skipped %d\n",
			cs.Interval, cs.Counters.Sent, cs.Counters.Failed, cs.Counters.Skipped)
	}
	return c.Send(sb.String())
}

func stateIcon(s campaign.State) string {
	switch s {
	case campaign.StateRunning:
		return "▶️"
	case campaign.StatePaused:
		return "⏸"
	case campaign.StateStopped:
		return "⏹"
	default:
		return "📝"
	}
}

func (b *Bot) handleNewCampaign(c tele.Context) error {
	spec, err := parseCampaignSpec(c.Message().Payload)
	if err != nil {
		return c.Send("usage: /newcampaign name | groups|users|both | 30s | message [| message...]\n" + err.Error())
	}
	cp, err := campaign.New(spec.name, spec.messages, spec.mode, spec.interval)
	if err != nil {
		return c.Send(err.Error())
	}
	if err := b.eng.AddCampaign(cp); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("campaign %q created as draft\nid: %s\nstart it with /startcampaign %s", cp.Name, cp.ID, cp.ID))
}

type campaignSpec struct {
	name     string
	mode     target.Mode
	interval time.Duration
	messages []string
}

// parseCampaignSpec parses "name | mode | interval | msg [| msg...]".
func parseCampaignSpec(payload string) (campaignSpec, error) {
	parts := strings.Split(payload, "|")
	if len(parts) < 4 {
		return campaignSpec{}, errors.New("expected at least 4 fields separated by |")
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	spec := campaignSpec{name: parts[0]}
	switch target.Mode(parts[1]) {
	case target.ModeGroups, target.ModeUsers, target.ModeBoth:
		spec.mode = target.Mode(parts[1])
	default:
		return campaignSpec{}, fmt.Errorf("mode %q: want groups, users or both", parts[1])
	}
	d, err := time.ParseDuration(parts[2])
	if err != nil {
		return campaignSpec{}, fmt.Errorf("interval %q: %v", parts[2], err)
	}
	spec.interval = d
	for _, m := range parts[3:] {
		if m != "" {
			spec.messages = append(spec.messages, m)
		}
	}
	if len(spec.messages) == 0 {
		return campaignSpec{}, errors.New("no message variants")
	}
	return spec, nil
}

// handleFilters replaces a campaign's target filters. Called with only an id
// it clears them.
func (b *Bot) handleFilters(c tele.Context) error {
	args := c.Args()
	if len(args) == 0 {
		return c.Send("usage: /filters <id> [min=N] [max=N] [kw=a,b] [xkw=c,d]")
	}
	f, err := parseFilters(args[1:])
	if err != nil {
		return c.Send(err.Error())
	}
	if err := b.eng.UpdateFilters(args[0], f); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("filters for %s updated", args[0]))
}

// parseFilters parses key=value tokens: min, max (member counts), kw, xkw
// (comma-separated keyword lists).
func parseFilters(args []string) (target.Filters, error) {
	var f target.Filters
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		if !ok || val == "" {
			return target.Filters{}, fmt.Errorf("%q: want key=value", arg)
		}
		switch key {
		case "min", "max":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return target.Filters{}, fmt.Errorf("%s wants a non-negative integer, got %q", key, val)
			}
			if key == "min" {
				f.MinMembers = n
			} else {
				f.MaxMembers = n
			}
		case "kw", "xkw":
			var words []string
			for _, w := range strings.Split(val, ",") {
				if w = strings.TrimSpace(w); w != "" {
					words = append(words, w)
				}
			}
			if key == "kw" {
				f.Keywords = words
			} else {
				f.ExcludeKeywords = words
			}
		default:
			return target.Filters{}, fmt.Errorf("unknown filter %q", key)
		}
	}
	if f.MinMembers > 0 && f.MaxMembers > 0 && f.MinMembers > f.MaxMembers {
		return target.Filters{}, errors.New("min exceeds max")
	}
	return f, nil
}

func (b *Bot) campaignAction(verb string, fn func(id string) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		id := strings.TrimSpace(c.Message().Payload)
		if id == "" {
			return c.Send("usage: campaign id required")
		}
		if err := fn(id); err != nil {
			return c.Send(err.Error())
		}
		return c.Send(fmt.Sprintf("campaign %s %s", id, verb))
	}
}

func (b *Bot) handleAccounts(c tele.Context) error {
	snap := b.eng.Snapshot()
	if len(snap.Accounts) == 0 {
		return c.Send("no accounts")
	}
	var sb strings.Builder
	for _, a := range snap.Accounts {
		fmt.Fprintf(&sb, "%s: %s", a.ID, a.Status)
		switch {
		case a.Status == "cooling":
			fmt.Fprintf(&sb, " until %s", a.CooldownUntil.Format("15:04:05"))
		case a.InvalidReason != "":
			fmt.Fprintf(&sb, " (%s)", a.InvalidReason)
		}
		fmt.Fprintf(&sb, ", sent %d, failed %d\n", a.Sent, a.Failed)
	}
	return c.Send(sb.String())
}

func (b *Bot) handleAddAccount(c tele.Context) error {
	if b.senders == nil {
		return c.Send("runtime account registration is not available")
	}
	args := c.Args()
	if len(args) != 2 {
		return c.Send("usage: /addaccount <id> <bot_token>")
	}
	if err := b.senders.Register(args[0], args[1]); err != nil {
		return c.Send("registration failed: " + err.Error())
	}
	b.eng.RegisterAccount(args[0])
	return c.Send(fmt.Sprintf("account %s registered and active", args[0]))
}

func (b *Bot) handleRemoveAccount(c tele.Context) error {
	if b.senders == nil {
		return c.Send("runtime account registration is not available")
	}
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("usage: /removeaccount <id>")
	}
	// The identity record survives for statistics; only the credentials and
	// rotation eligibility go away.
	b.senders.Unregister(id)
	if err := b.eng.DisableAccount(id); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("account %s removed from rotation", id))
}

func (b *Bot) accountAction(verb string, fn func(id string) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		id := strings.TrimSpace(c.Message().Payload)
		if id == "" {
			return c.Send("usage: account id required")
		}
		if err := fn(id); err != nil {
			return c.Send(err.Error())
		}
		return c.Send(fmt.Sprintf("account %s %s", id, verb))
	}
}

// handleCoolAccount parks an account for a while without disabling it; the
// sweep brings it back on its own.
func (b *Bot) handleCoolAccount(c tele.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Send("usage: /coolaccount <id> <duration, e.g. 30m>")
	}
	d, err := time.ParseDuration(args[1])
	if err != nil || d <= 0 {
		return c.Send("duration must be positive, e.g. 30m")
	}
	if err := b.eng.CoolAccount(args[0], d); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("account %s cooling for %s", args[0], d))
}

// handleInvalidate permanently retires an account, for bans the platform has
// not surfaced through a send yet.
func (b *Bot) handleInvalidate(c tele.Context) error {
	args := c.Args()
	if len(args) == 0 {
		return c.Send("usage: /invalidate <id> [reason]")
	}
	reason := "operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if err := b.eng.InvalidateAccount(args[0], reason); err != nil {
		return c.Send(err.Error())
	}
	return c.Send(fmt.Sprintf("account %s invalidated, this is permanent", args[0]))
}

func (b *Bot) handleTargets(c tele.Context) error {
	ts := b.eng.Targets().All()
	if len(ts) == 0 {
		return c.Send("no targets")
	}
	var sb strings.Builder
	for _, t := range ts {
		fmt.Fprintf(&sb, "%s [%s]", t.ID, t.Kind)
		if t.Title != "" {
			fmt.Fprintf(&sb, " %q", t.Title)
		}
		if b.eng.Targets().IsBlacklisted(t.ID) {
			sb.WriteString(" ⛔")
		}
		sb.WriteString("\n")
	}
	return c.Send(sb.String())
}

func (b *Bot) handleAddTarget(c tele.Context) error {
	args := c.Args()
	if len(args) < 3 {
		return c.Send("usage: /addtarget <id> <group|user> <chat_id> [title]")
	}
	kind := target.Kind(args[1])
	if kind != target.KindGroup && kind != target.KindUser {
		return c.Send("kind must be group or user")
	}
	chatID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return c.Send("chat_id must be an integer")
	}
	t := target.Target{ID: args[0], Kind: kind, ChatID: chatID}
	if len(args) > 3 {
		t.Title = strings.Join(args[3:], " ")
	}
	b.eng.AddTarget(t)
	return c.Send(fmt.Sprintf("target %s added", t.ID))
}

func (b *Bot) handleRemoveTarget(c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("usage: /removetarget <id>")
	}
	if !b.eng.RemoveTarget(id) {
		return c.Send("unknown target")
	}
	return c.Send(fmt.Sprintf("target %s removed", id))
}

func (b *Bot) handleBlacklist(c tele.Context) error {
	args := c.Args()
	if len(args) == 0 {
		entries := b.eng.Targets().BlacklistEntries()
		if len(entries) == 0 {
			return c.Send("blacklist is empty")
		}
		var sb strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&sb, "%s: %s (%s)\n", e.TargetID, e.Reason, e.At.Format("2006-01-02 15:04"))
		}
		return c.Send(sb.String())
	}
	reason := "operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	b.eng.BlacklistTarget(args[0], reason)
	return c.Send(fmt.Sprintf("target %s blacklisted", args[0]))
}

func (b *Bot) handleUnblacklist(c tele.Context) error {
	id := strings.TrimSpace(c.Message().Payload)
	if id == "" {
		return c.Send("usage: /unblacklist <id>")
	}
	if !b.eng.UnblacklistTarget(id) {
		return c.Send("target is not blacklisted")
	}
	return c.Send(fmt.Sprintf("target %s unblacklisted", id))
}

func (b *Bot) handleStats(c tele.Context) error {
	if b.store == nil {
		return c.Send("statistics need persistence; storage is disabled")
	}
	var since time.Time
	if p := strings.TrimSpace(c.Message().Payload); p != "" {
		d, err := time.ParseDuration(p)
		if err != nil {
			return c.Send("usage: /stats [window, e.g. 24h]")
		}
		since = time.Now().Add(-d)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sum, err := b.store.Summary(ctx, since)
	if err != nil {
		return c.Send("stats query failed: " + err.Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "attempts: %d\n", sum.Total)
	keys := make([]string, 0, len(sum.ByOutcome))
	for k := range sum.ByOutcome {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %s: %d\n", k, sum.ByOutcome[k])
	}
	return c.Send(sb.String())
}
