package classifier

import (
	"regexp"
	"sort"
	"strings"

	"github.com/defiguard/backend/internal/analysis"
)

var knownProtocols = []string{
	"uniswap", "compound", "aave", "makerdao", "curve", "yearn", "synthetix",
	"balancer", "sushiswap", "pancakeswap", "1inch", "kyber", "bancor",
	"cream", "alpha", "harvest", "pickle", "badger", "convex", "frax",
	"olympus", "wonderland", "tomb", "spell", "rari", "fuse", "iron",
	"mirror", "anchor", "terra", "polygon", "arbitrum", "optimism",
	"avalanche", "fantom", "bsc", "harmony", "chainlink", "dydx",
	"gmx", "benqi", "trader joe", "platypus", "joe", "vector",
	"euler", "morpho", "radiant", "geist", "hundred", "fortress",
	"zunami", "alexlab", "force bridge", "vesu", "cork", "marinade",
	"cetus", "chainge", "lndfi", "brincfi", "mobiusdao", "celsius",
	"voyager", "nomad", "ronin", "axie", "poly network", "thorchain",
	"multichain", "anyswap", "wormhole", "beanstalk", "rari capital",
	"qubit", "nerve", "cream finance", "badgerdao", "vesper", "indexed",
	"alpha homora", "value defi", "dforce", "belt finance", "bunny",
	"autofarm", "acryptos", "viperswap", "sphynx", "dodo", "mdex",
	"mooniswap", "deversifi", "loopring", "immutable x", "hermez",
	"polygon hermez", "arbitrum one", "optimism mainnet", "metis",
	"moonbeam", "moonriver", "celo", "fuse network", "xdai", "gnosis",
}

var displayNames = map[string]string{
	"makerdao":    "MakerDAO",
	"sushiswap":   "SushiSwap",
	"pancakeswap": "PancakeSwap",
	"1inch":       "1inch",
	"dydx":        "dYdX",
	"gmx":         "GMX",
	"bsc":         "BSC",
	"badgerdao":   "BadgerDAO",
	"mobiusdao":   "MobiusDAO",
	"thorchain":   "THORChain",
	"dforce":      "dForce",
	"dodo":        "DODO",
	"mdex":        "MDEX",
	"xdai":        "xDai",
	"deversifi":   "DeversiFi",
	"anyswap":     "AnySwap",
	"viperswap":   "ViperSwap",
}

// Catalog is the set of protocols the classifier can name with confidence.
// Names are kept sorted by descending length, then alphabetically, so longer
// and more specific names are always tried first.
type Catalog struct {
	names    []string
	set      map[string]struct{}
	patterns []*regexp.Regexp
}

func NewCatalog(names []string) *Catalog {
	c := &Catalog{set: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, dup := c.set[n]; dup {
			continue
		}
		c.set[n] = struct{}{}
		c.names = append(c.names, n)
	}

	sort.SliceStable(c.names, func(i, j int) bool {
		if len(c.names[i]) != len(c.names[j]) {
			return len(c.names[i]) > len(c.names[j])
		}
		return c.names[i] < c.names[j]
	})

	c.patterns = make([]*regexp.Regexp, len(c.names))
	for i, n := range c.names {
		c.patterns[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(n) + `\b`)
	}
	return c
}

// DefaultCatalog holds the built-in protocol list.
var DefaultCatalog = NewCatalog(knownProtocols)

func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

func (c *Catalog) Contains(name string) bool {
	_, ok := c.set[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Display returns the canonical spelling of a catalog name.
func Display(name string) string {
	if d, ok := displayNames[name]; ok {
		return d
	}
	return analysis.TitleCase(name)
}

// Match finds the longest catalog name that occurs as a whole word in text.
func (c *Catalog) Match(text string) (string, bool) {
	lower := strings.ToLower(text)
	for i, re := range c.patterns {
		if re.MatchString(lower) {
			return Display(c.names[i]), true
		}
	}
	return "", false
}

// Fallback is the deterministic classifier: the title is searched first, then
// the title and body together.
func (c *Catalog) Fallback(title, body string) *string {
	if name, ok := c.Match(title); ok {
		return &name
	}
	if name, ok := c.Match(title + " " + body); ok {
		return &name
	}
	return nil
}

var (
	genericWords    = regexp.MustCompile(`\b(protocol|finance|defi|network)\b`)
	answerTrim      = "\"'`.,:;!?*"
	aliases         = []struct{ short, full string }{{"uni", "uniswap"}, {"sushi", "sushiswap"}, {"pancake", "pancakeswap"}, {"trader", "trader joe"}, {"joe", "trader joe"}}
	defiIndicators  = []string{"swap", "dex", "lending", "dao", "yield", "farm", "bridge", "vault", "pool"}
	sentinelAnswers = map[string]struct{}{"": {}, "NONE": {}, "NULL": {}, "N/A": {}}
)

// Validate normalizes a raw model answer against the catalog. It returns nil
// for the "no protocol" sentinel and for answers that look like noise.
func (c *Catalog) Validate(raw string) *string {
	answer := strings.Trim(strings.TrimSpace(raw), answerTrim)
	answer = strings.TrimSpace(answer)
	if _, ok := sentinelAnswers[strings.ToUpper(answer)]; ok {
		return nil
	}

	clean := strings.ToLower(answer)
	clean = strings.Join(strings.Fields(genericWords.ReplaceAllString(clean, " ")), " ")
	if clean == "" {
		return nil
	}

	if c.Contains(clean) {
		name := Display(clean)
		return &name
	}

	for _, known := range c.names {
		switch {
		case len(known) > 3 && strings.Contains(clean, known) && len(clean) <= len(known)+5:
			name := Display(known)
			return &name
		case len(clean) > 3 && strings.Contains(known, clean) && len(known) <= len(clean)+5:
			name := Display(known)
			return &name
		}
	}

	words := strings.Fields(clean)
	for _, a := range aliases {
		for _, w := range words {
			if w == a.short && c.Contains(a.full) {
				name := Display(a.full)
				return &name
			}
		}
	}

	if len(clean) > 1 && containsAny(clean, defiIndicators) && startsUpper(answer) {
		name := analysis.TitleCase(answer)
		return &name
	}

	return nil
}

func startsUpper(s string) bool {
	return s != "" && s[0] >= 'A' && s[0] <= 'Z'
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
