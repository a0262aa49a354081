package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rule selects the text of the first element matching Selector. Elements
// matching Remove are dropped from the selection before reading its text.
type Rule struct {
	Selector string
	MinLen   int
	Remove   []string
}

// Rules is the ordered extraction recipe for one publisher.
type Rules struct {
	Title   []Rule
	Body    []Rule
	MaxBody int
	// BodyFallback takes the whole <body> text when no body rule matches.
	BodyFallback bool
	Date         DateRules
}

type Article struct {
	Title string
	Body  string
}

// ExtractionError reports a required field that no rule could locate.
type ExtractionError struct {
	Field string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("no %s found", e.Field)
}

// Parse builds a document from raw markup.
func Parse(markup string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

func Extract(markup string, rules Rules) (Article, error) {
	doc, err := Parse(markup)
	if err != nil {
		return Article{}, err
	}
	return ExtractDocument(doc, rules)
}

func ExtractDocument(doc *goquery.Document, rules Rules) (Article, error) {
	title, ok := FirstText(doc.Selection, rules.Title)
	if !ok {
		return Article{}, &ExtractionError{Field: "title"}
	}

	body, ok := FirstText(doc.Selection, rules.Body)
	if !ok && rules.BodyFallback {
		body = Text(doc.Find("body").First(), []string{"script", "style"})
		ok = body != ""
	}
	if !ok {
		return Article{}, &ExtractionError{Field: "body"}
	}

	return Article{
		Title: title,
		Body:  Truncate(body, rules.MaxBody),
	}, nil
}

// FirstText applies rules in order and returns the first text longer than the
// rule's MinLen.
func FirstText(root *goquery.Selection, rules []Rule) (string, bool) {
	for _, rule := range rules {
		sel := root.Find(rule.Selector).First()
		if sel.Length() == 0 {
			continue
		}
		if text := Text(sel, rule.Remove); len(text) > rule.MinLen && text != "" {
			return text, true
		}
	}
	return "", false
}

// Text returns the whitespace-normalized text of sel without the elements
// matching remove. sel itself is left untouched.
func Text(sel *goquery.Selection, remove []string) string {
	if sel.Length() == 0 {
		return ""
	}
	if len(remove) > 0 {
		sel = sel.Clone()
		sel.Find(strings.Join(remove, ", ")).Remove()
	}
	return Normalize(sel.Text())
}

func Normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate cuts s to at most n runes. n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var titlePrefix = regexp.MustCompile(`(?i)^(breaking|update|alert):\s*`)

const maxTitleLen = 200

// CleanTitle strips news-ticker prefixes and caps the title length.
func CleanTitle(title string) string {
	title = Normalize(title)
	title = titlePrefix.ReplaceAllString(title, "")
	if r := []rune(title); len(r) > maxTitleLen {
		title = strings.TrimSpace(string(r[:maxTitleLen-3])) + "..."
	}
	return title
}
