package analyst

import (
	"context"
	"time"

	"github.com/tradehive/tradehive/internal/clock"
)

const (
	llmDeadline      = 18 * time.Second
	breakerThreshold = 3
	breakerBaseDelay = 10 * time.Second
	breakerMaxDelay  = 5 * time.Minute
)

// breakerState is the persisted circuit record for the LLM gateway. It
// survives restarts with the rest of the agent state, so a crash loop
// cannot reset a deliberately opened circuit.
type breakerState struct {
	Failures           int    `json:"failures"`
	CircuitOpenUntilMs int64  `json:"circuit_open_until_ms"`
	LastSuccessMs      int64  `json:"last_success_ms"`
	LastFailureMs      int64  `json:"last_failure_ms"`
	LastError          string `json:"last_error,omitempty"`
}

// runLLM executes one gateway call under the breaker and the call
// deadline. It reports false when the call was skipped (no completer
// configured, circuit open) or failed; callers fall back to empty results.
func (a *Analyst) runLLM(ctx context.Context, fn func(context.Context) error) bool {
	if a.completer == nil {
		return false
	}
	if a.st.Breaker.CircuitOpenUntilMs > clock.NowMs(a.clk) {
		a.m.BreakerOpen.Set(1)
		return false
	}
	a.m.LLMCalls.Inc()
	lctx, cancel := context.WithTimeout(ctx, llmDeadline)
	defer cancel()
	if err := fn(lctx); err != nil {
		a.markLLMFailure(err)
		return false
	}
	a.markLLMSuccess()
	return true
}

func (a *Analyst) markLLMFailure(err error) {
	nowMs := clock.NowMs(a.clk)
	br := &a.st.Breaker
	br.Failures++
	br.LastFailureMs = nowMs
	br.LastError = err.Error()
	a.m.LLMFailures.Inc()
	if br.Failures < breakerThreshold {
		a.log.Warn().Err(err).Int("failures", br.Failures).Msg("llm call failed")
		return
	}
	shift := br.Failures - breakerThreshold
	if shift > 5 {
		shift = 5
	}
	delay := breakerBaseDelay << uint(shift)
	if delay > breakerMaxDelay {
		delay = breakerMaxDelay
	}
	br.CircuitOpenUntilMs = nowMs + delay.Milliseconds()
	a.m.BreakerOpen.Set(1)
	a.log.Warn().Err(err).
		Int("failures", br.Failures).
		Dur("open_for", delay).
		Msg("llm circuit opened")
}

func (a *Analyst) markLLMSuccess() {
	br := &a.st.Breaker
	br.Failures = 0
	br.CircuitOpenUntilMs = 0
	br.LastError = ""
	br.LastSuccessMs = clock.NowMs(a.clk)
	a.m.BreakerOpen.Set(0)
}
