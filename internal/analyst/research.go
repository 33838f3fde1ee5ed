package analyst

import (
	"context"
	"math"
	"strings"

	"github.com/tradehive/tradehive/internal/broker"
	"github.com/tradehive/tradehive/internal/clock"
	"github.com/tradehive/tradehive/internal/indicators"
	"github.com/tradehive/tradehive/internal/llm"
	"github.com/tradehive/tradehive/internal/scout"
)

// ResearchSignalsBatch produces one verdict per symbol. Symbols are
// deduplicated and capped at 16; fresh cache entries are served without a
// gateway call, and the rest, provided their sentiment clears the research
// floor, go to the model in chunks of 8. A chunk lost to the breaker or a
// bad response simply stays unresearched this round.
func (a *Analyst) ResearchSignalsBatch(ctx context.Context, signals []scout.Signal) map[string]ResearchResult {
	candidates := make([]scout.Signal, 0, len(signals))
	seen := make(map[string]bool, len(signals))
	for _, sig := range signals {
		sym := strings.ToUpper(strings.TrimSpace(sig.Symbol))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		sig.Symbol = sym
		candidates = append(candidates, sig)
		if len(candidates) == maxResearchBatch {
			break
		}
	}

	out := make(map[string]ResearchResult, len(candidates))
	pending := make([]scout.Signal, 0, len(candidates))
	for _, sig := range candidates {
		if entry, ok := a.st.ResearchCache[sig.Symbol]; ok && !a.expired(entry.CachedAtMs, researchCacheTTL) {
			out[sig.Symbol] = entry.Result
			a.m.ResearchServed.Inc()
			continue
		}
		if math.Abs(sig.Sentiment) < minAbsSentiment {
			continue
		}
		pending = append(pending, sig)
	}

	for start := 0; start < len(pending); start += researchChunkSize {
		end := start + researchChunkSize
		if end > len(pending) {
			end = len(pending)
		}
		results, ok := a.researchChunk(ctx, pending[start:end])
		if !ok {
			continue
		}
		nowMs := clock.NowMs(a.clk)
		for _, r := range results {
			r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
			r.Verdict = strings.ToUpper(strings.TrimSpace(r.Verdict))
			if r.Symbol == "" || !validVerdicts[r.Verdict] {
				continue
			}
			r.Confidence = clamp01(r.Confidence)
			a.st.ResearchCache[r.Symbol] = researchEntry{Result: r, CachedAtMs: nowMs}
			out[r.Symbol] = r
		}
	}
	return out
}

func (a *Analyst) researchChunk(ctx context.Context, chunk []scout.Signal) ([]ResearchResult, bool) {
	prompt := a.researchPrompt(ctx, chunk)
	var results []ResearchResult
	ok := a.runLLM(ctx, func(lctx context.Context) error {
		resp, err := a.completer.Complete(lctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: researchSystemPrompt},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return err
		}
		return llm.DecodeJSON(resp.Content, &results)
	})
	return results, ok
}

// technicalLine renders the indicator snapshot appended to the research
// prompt for one symbol. Missing market data, a thin bar series or a data
// error all degrade to no line.
func (a *Analyst) technicalLine(ctx context.Context, symbol string) string {
	if a.market == nil {
		return ""
	}
	bars, err := a.market.GetBars(ctx, symbol, broker.BarsRequest{
		Timeframe: broker.Timeframe1Day,
		Limit:     barsLookback,
	})
	if err != nil {
		a.log.Debug().Err(err).Str("symbol", symbol).Msg("bars unavailable for prompt enrichment")
		return ""
	}
	snap, err := indicators.Compute(symbol, bars)
	if err != nil {
		return ""
	}
	return snap.PromptLine()
}
