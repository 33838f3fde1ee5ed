// Package alerting watches derived swarm state and fans alerts out to the
// configured channels. Rule evaluation is a pure function of its input; the
// notifier owns the side effects (dedupe, rate limiting, delivery) and
// never returns an error, because alerting must not take trading down.
package alerting

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rule identifiers. These are the normalized slugs persisted in alert_rules.
const (
	RulePortfolioDrawdown = "portfolio_drawdown"
	RuleKillSwitchActive  = "kill_switch_active"
	RuleSwarmDLQ          = "swarm_dead_letter_queue"
	RuleLLMAuthFailure    = "llm_auth_failure"
)

const maxSlugLen = 96

// Event is one alert occurrence. Fingerprint groups equivalent occurrences
// for dedupe; ID is unique per occurrence.
type Event struct {
	ID          string                 `json:"id"`
	RuleID      string                 `json:"rule_id"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	Fingerprint string                 `json:"fingerprint"`
	OccurredAt  int64                  `json:"occurred_at_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// AccountView is the account slice the rules read.
type AccountView struct {
	Equity float64
}

// RiskView is the risk-state slice the rules read.
type RiskView struct {
	KillSwitchActive bool
	KillSwitchReason string
	DailyEquityStart float64
	MaxDrawdownPct   float64 // overrides Thresholds.DrawdownLimitPct when > 0
}

// SwarmView is the registry slice the rules read.
type SwarmView struct {
	DeadLettered int
}

// LLMView is the gateway-health slice the rules read.
type LLMView struct {
	LastAuthFailureMs int64
}

// Thresholds tunes the rules. Clamp is applied before evaluation, so
// malformed configuration degrades to the documented bounds instead of
// disabling a rule.
type Thresholds struct {
	DrawdownLimitPct     float64
	DrawdownWarnRatio    float64
	DLQWarnThreshold     int
	DLQCriticalThreshold int
	LLMAuthWindow        time.Duration
}

// DefaultThresholds returns the shipped rule configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DrawdownLimitPct:     0.10,
		DrawdownWarnRatio:    0.5,
		DLQWarnThreshold:     1,
		DLQCriticalThreshold: 10,
		LLMAuthWindow:        15 * time.Minute,
	}
}

// Clamp bounds every threshold: the warn ratio to [0.1, 1], the counters to
// non-negative integers, the auth window to at least a minute.
func (t Thresholds) Clamp() Thresholds {
	if t.DrawdownLimitPct < 0 {
		t.DrawdownLimitPct = 0
	}
	if t.DrawdownWarnRatio < 0.1 {
		t.DrawdownWarnRatio = 0.1
	}
	if t.DrawdownWarnRatio > 1 {
		t.DrawdownWarnRatio = 1
	}
	if t.DLQWarnThreshold < 0 {
		t.DLQWarnThreshold = 0
	}
	if t.DLQCriticalThreshold < 0 {
		t.DLQCriticalThreshold = 0
	}
	if t.LLMAuthWindow < time.Minute {
		t.LLMAuthWindow = time.Minute
	}
	return t
}

// Input is everything rule evaluation may read.
type Input struct {
	Environment string
	NowMs       int64
	Account     AccountView
	Risk        RiskView
	Swarm       SwarmView
	LLM         LLMView
	Thresholds  Thresholds
}

// EvaluateRules runs every rule over the input and returns the alerts that
// fired. Pure: same input, same events.
func EvaluateRules(in Input) []Event {
	th := in.Thresholds.Clamp()
	var events []Event

	if ev := evalDrawdown(in, th); ev != nil {
		events = append(events, *ev)
	}
	if in.Risk.KillSwitchActive {
		reason := in.Risk.KillSwitchReason
		if reason == "" {
			reason = "unspecified"
		}
		events = append(events, newEvent(RuleKillSwitchActive, SeverityCritical, in.NowMs,
			"Kill switch active",
			fmt.Sprintf("Trading is halted: %s", reason),
			RuleKillSwitchActive+":"+slug(reason),
			map[string]interface{}{"reason": reason, "environment": in.Environment}))
	}
	if ev := evalDLQ(in, th); ev != nil {
		events = append(events, *ev)
	}
	if in.LLM.LastAuthFailureMs > 0 && in.NowMs-in.LLM.LastAuthFailureMs <= th.LLMAuthWindow.Milliseconds() {
		events = append(events, newEvent(RuleLLMAuthFailure, SeverityWarning, in.NowMs,
			"LLM authentication failing",
			"The research gateway rejected our credentials recently; analysis is degraded to cached results",
			RuleLLMAuthFailure,
			map[string]interface{}{"last_failure_ms": in.LLM.LastAuthFailureMs}))
	}
	return events
}

func evalDrawdown(in Input, th Thresholds) *Event {
	baseline := in.Risk.DailyEquityStart
	if baseline <= 0 {
		return nil
	}
	limit := th.DrawdownLimitPct
	if in.Risk.MaxDrawdownPct > 0 {
		limit = in.Risk.MaxDrawdownPct
	}
	if limit <= 0 {
		return nil
	}
	dd := (baseline - in.Account.Equity) / baseline
	if dd < 0 {
		dd = 0
	}
	details := map[string]interface{}{
		"drawdown_pct": dd,
		"baseline":     baseline,
		"equity":       in.Account.Equity,
		"limit_pct":    limit,
	}
	switch {
	case dd >= limit:
		ev := newEvent(RulePortfolioDrawdown, SeverityCritical, in.NowMs,
			"Portfolio drawdown limit breached",
			fmt.Sprintf("Drawdown %.1f%% breached the %.1f%% limit", dd*100, limit*100),
			RulePortfolioDrawdown+":critical", details)
		return &ev
	case dd >= th.DrawdownWarnRatio*limit:
		ev := newEvent(RulePortfolioDrawdown, SeverityWarning, in.NowMs,
			"Portfolio drawdown approaching limit",
			fmt.Sprintf("Drawdown %.1f%% is past %.0f%% of the %.1f%% limit", dd*100, th.DrawdownWarnRatio*100, limit*100),
			RulePortfolioDrawdown+":warning", details)
		return &ev
	}
	return nil
}

func evalDLQ(in Input, th Thresholds) *Event {
	depth := in.Swarm.DeadLettered
	details := map[string]interface{}{
		"dead_lettered":      depth,
		"warn_threshold":     th.DLQWarnThreshold,
		"critical_threshold": th.DLQCriticalThreshold,
	}
	switch {
	case th.DLQCriticalThreshold > 0 && depth >= th.DLQCriticalThreshold:
		ev := newEvent(RuleSwarmDLQ, SeverityCritical, in.NowMs,
			"Swarm dead-letter queue flooding",
			fmt.Sprintf("%d messages are dead-lettered; the swarm is dropping work", depth),
			RuleSwarmDLQ+":critical", details)
		return &ev
	case th.DLQWarnThreshold > 0 && depth >= th.DLQWarnThreshold:
		ev := newEvent(RuleSwarmDLQ, SeverityWarning, in.NowMs,
			"Swarm dead-letter queue non-empty",
			fmt.Sprintf("%d messages are dead-lettered", depth),
			RuleSwarmDLQ+":warning", details)
		return &ev
	}
	return nil
}

func newEvent(rule string, sev Severity, nowMs int64, title, message, fingerprint string, details map[string]interface{}) Event {
	return Event{
		ID:          fmt.Sprintf("%s:%d:%s", rule, nowMs, sev),
		RuleID:      rule,
		Severity:    sev,
		Title:       title,
		Message:     message,
		Fingerprint: fingerprint,
		OccurredAt:  nowMs,
		Details:     details,
	}
}

// slug normalizes free text into a fingerprint-safe identifier: lowercase,
// runs of non-alphanumerics collapsed to single dashes, bounded length.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
