package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"funding-arb-bot/internal/alerts"
	"funding-arb-bot/internal/config"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
	Reason       string             `json:"reason,omitempty"`
}

func (m operatorMeta) event(action string) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID: m.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  m.Raw,
		UserID:   m.UserID,
		Username: m.Username,
		ChatID:   m.ChatID,
	}
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "pause":
		before := a.gate.Paused()
		after := a.gate.SetPaused(true)
		event := meta.event("pause")
		event.PausedBefore, event.PausedAfter = before, after
		a.auditOperatorEvent(ctx, event)
		if before {
			return "trading already paused", nil
		}
		return "trading paused; exits and shutdown still run", nil
	case "resume":
		before := a.gate.Paused()
		after := a.gate.SetPaused(false)
		event := meta.event("resume")
		event.PausedBefore, event.PausedAfter = before, after
		a.auditOperatorEvent(ctx, event)
		if !before {
			return "trading already active", nil
		}
		if a.gate.Blocked() {
			return "pause cleared, but the bot is shutting down", nil
		}
		return "trading resumed", nil
	case "shutdown":
		reason := "telegram operator"
		if len(args) > 0 {
			reason = "telegram: " + strings.Join(args, " ")
		}
		event := meta.event("shutdown")
		event.Reason = reason
		a.auditOperatorEvent(ctx, event)
		if !a.RequestShutdown(reason) {
			return "shutdown already in progress", nil
		}
		return "shutdown started; a summary follows when it finishes", nil
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		event := meta.event("risk_reset")
		event.RiskBefore = a.riskOverrideSnapshot()
		a.clearRiskOverride()
		a.auditOperatorEvent(ctx, event)
		return "risk override cleared", nil
	case "set":
		overrides, err := parseRiskOverrides(args[1:])
		if err != nil {
			return "", err
		}
		next, err := applyRiskOverrides(a.riskConfig(), overrides)
		if err != nil {
			return "", err
		}
		event := meta.event("risk_set")
		event.RiskBefore = a.riskOverrideSnapshot()
		if next == a.cfg.Risk {
			a.clearRiskOverride()
		} else {
			a.setRiskOverride(next)
		}
		event.RiskAfter = a.riskOverrideSnapshot()
		a.auditOperatorEvent(ctx, event)
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

func parseRiskOverrides(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("risk set requires key=value pairs")
	}
	out := make(map[string]string)
	for _, arg := range args {
		key, val, ok := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

// riskField is one operator-tunable risk limit. Every limit is a
// non-negative number or duration.
type riskField struct {
	key    string
	format func(config.RiskConfig) string
	set    func(*config.RiskConfig, string) error
}

func floatField(key string, get func(*config.RiskConfig) *float64) riskField {
	return riskField{
		key:    key,
		format: func(r config.RiskConfig) string { return strconv.FormatFloat(*get(&r), 'f', -1, 64) },
		set: func(r *config.RiskConfig, val string) error {
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return err
			}
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("must be a finite value >= 0, got %s", val)
			}
			*get(r) = v
			return nil
		},
	}
}

var riskFields = []riskField{
	floatField("max_notional_usd", func(r *config.RiskConfig) *float64 { return &r.MaxNotionalUSD }),
	floatField("max_total_exposure_usd", func(r *config.RiskConfig) *float64 { return &r.MaxTotalExposureUSD }),
	{
		key:    "max_open_trades",
		format: func(r config.RiskConfig) string { return strconv.Itoa(r.MaxOpenTrades) },
		set: func(r *config.RiskConfig, val string) error {
			v, err := strconv.Atoi(val)
			if err != nil {
				return err
			}
			if v < 0 {
				return fmt.Errorf("must be >= 0, got %d", v)
			}
			r.MaxOpenTrades = v
			return nil
		},
	},
	floatField("max_price_divergence", func(r *config.RiskConfig) *float64 { return &r.MaxPriceDivergence }),
	floatField("leverage", func(r *config.RiskConfig) *float64 { return &r.Leverage }),
	{
		key:    "max_market_age",
		format: func(r config.RiskConfig) string { return r.MaxMarketAge.String() },
		set: func(r *config.RiskConfig, val string) error {
			v, err := time.ParseDuration(val)
			if err != nil {
				return err
			}
			if v < 0 {
				return fmt.Errorf("must be >= 0, got %s", v)
			}
			r.MaxMarketAge = v
			return nil
		},
	},
}

func riskFieldByKey(key string) (riskField, bool) {
	for _, f := range riskFields {
		if f.key == key {
			return f, true
		}
	}
	return riskField{}, false
}

func applyRiskOverrides(base config.RiskConfig, overrides map[string]string) (config.RiskConfig, error) {
	next := base
	for key, val := range overrides {
		field, ok := riskFieldByKey(key)
		if !ok {
			return config.RiskConfig{}, fmt.Errorf("unknown risk key: %s", key)
		}
		if err := field.set(&next, val); err != nil {
			return config.RiskConfig{}, fmt.Errorf("%s: %w", key, err)
		}
	}
	return next, nil
}

func (a *App) operatorStatus() string {
	s := a.status()
	lines := []string{
		fmt.Sprintf("paused: %t", s.Paused),
		fmt.Sprintf("shutdown: %s", s.ShutdownPhase),
		fmt.Sprintf("in_flight: %d", s.InFlight),
		fmt.Sprintf("open_trades: %d (%.2f USD)", len(s.OpenTrades), s.ExposureUSD),
	}
	for _, t := range s.OpenTrades {
		lines = append(lines, fmt.Sprintf("  %s long %s %.6f / short %s %.6f funding %.4f",
			t.Symbol, t.Long.Venue, t.Long.Size, t.Short.Venue, t.Short.Size, t.AccumulatedFunding))
	}
	for _, l := range s.Limiters {
		lines = append(lines, fmt.Sprintf("limiter %s: %.2f req/s, %d failures", l.Lane, l.Rate, l.ConsecutiveFailures))
	}
	if s.LastQuoteAt != nil {
		lines = append(lines, "last_quote: "+s.LastQuoteAt.Format(time.RFC3339))
	}
	lines = append(lines, fmt.Sprintf("risk_override_active: %t", s.RiskOverride))
	return strings.Join(lines, "\n")
}

func formatRisk(r config.RiskConfig) string {
	parts := make([]string, 0, len(riskFields))
	for _, f := range riskFields {
		parts = append(parts, f.key+"="+f.format(r))
	}
	return strings.Join(parts, " ")
}

func (a *App) riskStatus() string {
	lines := []string{"risk effective: " + formatRisk(a.riskConfig())}
	if override := a.riskOverrideSnapshot(); override != nil {
		lines = append(lines, "risk override: "+formatRisk(*override))
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	keys := make([]string, 0, len(riskFields))
	for _, f := range riskFields {
		keys = append(keys, f.key)
	}
	return strings.Join([]string{
		"commands:",
		"/status - positions, limiter lanes, shutdown phase",
		"/pause - stop opening new hedges",
		"/resume - allow new hedges again",
		"/shutdown [reason] - flatten both venues and stop",
		"/risk show - effective limits and any override",
		"/risk set key=value ... - override limits (" + strings.Join(keys, ", ") + ")",
		"/risk reset - back to configured limits",
	}, "\n")
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	if a.riskOverride == nil {
		return nil
	}
	copy := *a.riskOverride
	return &copy
}

func (a *App) setRiskOverride(risk config.RiskConfig) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = &risk
}

func (a *App) clearRiskOverride() {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = nil
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.kv.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if err := a.kv.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset not saved", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.kv.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit not saved", zap.String("action", event.Action), zap.Error(err))
	}
}
