package analyst

import (
	"context"
	"fmt"
	"strings"

	"github.com/tradehive/tradehive/internal/scout"
)

const researchSystemPrompt = `You are an expert equity research agent for an autonomous trading desk.

Your role is to judge whether news-driven sentiment around a symbol is worth acting on.

Key responsibilities:
- Weigh the sentiment score against the volume of coverage
- Use the technical snapshot, when present, to confirm or contradict the story
- Distinguish durable catalysts from noise and one-off headlines
- Issue a BUY, SKIP, or WAIT verdict per symbol with a confidence score

Guidelines:
- Be conservative - most headlines deserve SKIP
- WAIT when the story is real but the entry is poor
- Low coverage volume means low conviction regardless of sentiment
- Keep reasoning to one or two sentences per symbol

Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON.`

const analysisSystemPrompt = `You are an expert trading analyst for an autonomous trading desk.

Your role is to turn researched market signals into a short list of concrete trade recommendations.

Key responsibilities:
- Combine sentiment, coverage volume, and research verdicts per symbol
- Recommend BUY, SELL, HOLD, WAIT, or SKIP for each symbol
- Assign a confidence score reflecting how strongly the evidence agrees
- Flag urgency when a catalyst is time-sensitive

Guidelines:
- Recommend BUY only when sentiment and research agree
- Prefer SKIP over a low-conviction BUY
- Never recommend more symbols than you were given
- Keep reasoning short and concrete

Respond ONLY with valid JSON in the specified format. Do not include explanatory text outside the JSON.`

// researchPrompt lists the chunk's signals, one per line, each optionally
// followed by its technical snapshot.
func (a *Analyst) researchPrompt(ctx context.Context, chunk []scout.Signal) string {
	var b strings.Builder
	b.WriteString("Research the following symbols. Sentiment is in [-1, 1]; volume counts mentions in the latest news batch.\n\n")
	for _, sig := range chunk {
		fmt.Fprintf(&b, "%s: sentiment %+.2f, volume %d, sources %s\n",
			sig.Symbol, sig.Sentiment, sig.Volume, strings.Join(sig.Sources, ","))
		if line := a.technicalLine(ctx, sig.Symbol); line != "" {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	b.WriteString(`
Provide your verdicts as a JSON array, one element per symbol:
[
  {
    "symbol": "TICKER",
    "verdict": "BUY" | "SKIP" | "WAIT",
    "confidence": 0.0-1.0,
    "reasoning": "one or two sentences"
  }
]`)
	return b.String()
}

// analysisPrompt presents the selected signals with whatever research
// verdicts exist and asks for the final recommendation list.
func analysisPrompt(selected []scout.Signal, research map[string]ResearchResult) string {
	var b strings.Builder
	b.WriteString("Produce trade recommendations for the following signals.\n\n")
	for _, sig := range selected {
		fmt.Fprintf(&b, "%s: sentiment %+.2f, volume %d, sources %s\n",
			sig.Symbol, sig.Sentiment, sig.Volume, strings.Join(sig.Sources, ","))
		if r, ok := research[sig.Symbol]; ok {
			fmt.Fprintf(&b, "  research: %s (%.2f) - %s\n", r.Verdict, r.Confidence, r.Reasoning)
		} else {
			b.WriteString("  research: none\n")
		}
	}
	b.WriteString(`
Provide your recommendations as a JSON array, one element per symbol:
[
  {
    "symbol": "TICKER",
    "action": "BUY" | "SELL" | "HOLD" | "WAIT" | "SKIP",
    "confidence": 0.0-1.0,
    "reasoning": "one or two sentences",
    "urgency": "low" | "normal" | "high"
  }
]`)
	return b.String()
}
