package analysis

import (
	"regexp"
	"strconv"
	"strings"
)

// minAmount is the noise floor; scaled amounts at or below it are ignored.
const minAmount = 1000

type amountPattern struct {
	re         *regexp.Regexp
	multiplier float64
}

const number = `\$?(\d[\d,]*(?:\.\d+)?)`

// Patterns are tried in order; the first match above the floor wins.
var amountPatterns = []amountPattern{
	{regexp.MustCompile(number + `\s*(?:billion|bn|b)\b`), 1e9},
	{regexp.MustCompile(number + `\s*(?:million|mn|m)\b`), 1e6},
	{regexp.MustCompile(number + `\s*(?:thousand|k)\b`), 1e3},
	{regexp.MustCompile(number), 1},
}

// AmountLost returns the first plausible dollar loss mentioned in text.
func AmountLost(text string) *float64 {
	lower := strings.ToLower(text)

	for _, p := range amountPatterns {
		for _, m := range p.re.FindAllStringSubmatch(lower, -1) {
			v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
			if err != nil {
				continue
			}
			if amount := v * p.multiplier; amount > minAmount {
				return &amount
			}
		}
	}

	return nil
}
