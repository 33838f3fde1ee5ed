package scout

import (
	"regexp"
	"strings"
	"unicode"
)

// cashtagPattern matches ticker mentions like $TSLA or $btc.
var cashtagPattern = regexp.MustCompile(`\$([A-Za-z]{1,6})\b`)

// ExtractCashtags returns the unique uppercased symbols mentioned in
// text, in first-seen order.
func ExtractCashtags(text string) []string {
	matches := cashtagPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		sym := strings.ToUpper(m[1])
		if _, dup := seen[sym]; dup {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

// lexicon is the bounded word list the scorer knows. Values only mark
// direction; magnitude comes from the hit ratio.
var lexicon = map[string]float64{
	"beat": 1, "beats": 1, "surge": 1, "surges": 1, "rally": 1, "rallies": 1,
	"upgrade": 1, "upgraded": 1, "record": 1, "growth": 1, "bullish": 1,
	"raise": 1, "raised": 1, "strong": 1, "profit": 1, "profits": 1,
	"jump": 1, "jumps": 1, "soar": 1, "soars": 1, "gain": 1, "gains": 1,
	"outperform": 1, "buyback": 1,

	"miss": -1, "misses": -1, "recall": -1, "recalls": -1, "downgrade": -1,
	"downgraded": -1, "plunge": -1, "plunges": -1, "drop": -1, "drops": -1,
	"bearish": -1, "weak": -1, "loss": -1, "losses": -1, "lawsuit": -1,
	"cut": -1, "cuts": -1, "fall": -1, "falls": -1, "crash": -1,
	"fraud": -1, "layoff": -1, "layoffs": -1, "underperform": -1,
	"bankruptcy": -1,
}

// Score rates one item's text in [-1, 1]: the signed ratio of bullish
// to bearish lexicon hits, zero when the text matches nothing.
func Score(text string) float64 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var pos, neg int
	for _, w := range words {
		switch v := lexicon[w]; {
		case v > 0:
			pos++
		case v < 0:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}
