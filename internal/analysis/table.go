package analysis

import (
	"regexp"
	"strings"
)

// Entry maps a label to the keywords that trigger it.
type Entry struct {
	Label    string
	Keywords []string
}

// Table is an ordered keyword table. Iteration order is the slice order, so
// the first matching entry always wins.
type Table struct {
	entries   []Entry
	wholeWord bool
	patterns  [][]*regexp.Regexp
}

// NewTable builds a table matched by case-insensitive substring.
func NewTable(entries ...Entry) *Table {
	return &Table{entries: entries}
}

// NewWordTable builds a table whose keywords only match whole words.
func NewWordTable(entries ...Entry) *Table {
	t := &Table{entries: entries, wholeWord: true}
	t.patterns = make([][]*regexp.Regexp, len(entries))
	for i, e := range entries {
		for _, k := range e.Keywords {
			t.patterns[i] = append(t.patterns[i], regexp.MustCompile(`\b`+regexp.QuoteMeta(k)+`\b`))
		}
	}
	return t
}

func (t *Table) matches(i int, lower string) bool {
	if t.wholeWord {
		for _, re := range t.patterns[i] {
			if re.MatchString(lower) {
				return true
			}
		}
		return false
	}
	return containsAny(lower, t.entries[i].Keywords)
}

// Classify returns the label of the first entry with a keyword present in text.
func Classify(text string, t *Table) (string, bool) {
	lower := strings.ToLower(text)
	for i, e := range t.entries {
		if t.matches(i, lower) {
			return e.Label, true
		}
	}
	return "", false
}

// ClassifyAll returns every matching label in table order.
func ClassifyAll(text string, t *Table) []string {
	lower := strings.ToLower(text)
	var labels []string
	for i, e := range t.entries {
		if t.matches(i, lower) {
			labels = append(labels, e.Label)
		}
	}
	return labels
}
