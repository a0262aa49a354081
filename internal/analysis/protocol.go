// Package analysis derives structured threat fields from article text.
// Every function here is pure and safe for concurrent use.
package analysis

import (
	"regexp"
	"strings"
)

// heuristicProtocols is matched in order as case-insensitive substrings.
var heuristicProtocols = []string{
	"Uniswap", "Compound", "Aave", "MakerDAO", "Curve", "Yearn", "Synthetix",
	"Balancer", "SushiSwap", "PancakeSwap", "1inch", "Kyber", "Bancor",
	"Cream", "Alpha", "Harvest", "Pickle", "Badger", "Convex", "Frax",
	"Olympus", "Wonderland", "Tomb", "Spell", "Rari", "Fuse", "Iron",
	"Mirror", "Anchor", "Terra", "Polygon", "Arbitrum", "Optimism",
	"Avalanche", "Fantom", "BSC", "Harmony",
}

var protocolShapes = []*regexp.Regexp{
	regexp.MustCompile(`(\w+)\s+(?:protocol|finance|swap|dao)`),
	regexp.MustCompile(`(\w+)\s+(?:exploit|hack|attack)`),
}

// ProtocolName guesses the affected protocol from free text. It returns ""
// when nothing plausible is found.
func ProtocolName(text string) string {
	lower := strings.ToLower(text)

	for _, name := range heuristicProtocols {
		if strings.Contains(lower, strings.ToLower(name)) {
			return name
		}
	}

	for _, shape := range protocolShapes {
		m := shape.FindStringSubmatch(lower)
		if m != nil && len(m[1]) > 2 {
			return TitleCase(m[1])
		}
	}

	return ""
}

// TitleCase upper-cases the first letter of every space separated word.
func TitleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		if len(r) > 0 && r[0] >= 'a' && r[0] <= 'z' {
			r[0] -= 'a' - 'A'
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
