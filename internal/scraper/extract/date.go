package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

type DateRules struct {
	Selectors []string
}

var DefaultDateSelectors = []string{
	"time[datetime]",
	".published-date",
	".post-date",
	".entry-date",
	`[class*="date"]`,
}

var metaDateSelectors = []string{
	`meta[property="article:published_time"]`,
	`meta[name="date"]`,
	`meta[itemprop="datePublished"]`,
	`meta[name="pubdate"]`,
}

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var textLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"01/02/2006",
}

var (
	datePrefix = regexp.MustCompile(`(?i)^(posted on|published on|posted|published|updated on|updated|date)[:\s]*`)
	byline     = regexp.MustCompile(`(?i)\s*\bby\b.*?(?:\bon\b|$)`)
	separators = regexp.MustCompile(`\s*[•·|]\s*`)

	isoScan   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	monthScan = regexp.MustCompile(`\b(?:Jan(?:uary)?|Feb(?:ruary)?|Mar(?:ch)?|Apr(?:il)?|May|June?|July?|Aug(?:ust)?|Sep(?:tember)?|Oct(?:ober)?|Nov(?:ember)?|Dec(?:ember)?)\.? \d{1,2}, \d{4}\b`)
)

// PublishedDate runs the date chain over doc and returns the first date found,
// truncated to UTC midnight.
func PublishedDate(doc *goquery.Document, rules DateRules) (time.Time, bool) {
	selectors := rules.Selectors
	if len(selectors) == 0 {
		selectors = DefaultDateSelectors
	}

	for _, selector := range selectors {
		el := doc.Find(selector).First()
		if el.Length() == 0 {
			continue
		}
		if attr, ok := el.Attr("datetime"); ok {
			if t, ok := ParseISO(attr); ok {
				return t, true
			}
		}
		if t, ok := ParseText(el.Text()); ok {
			return t, true
		}
	}

	for _, selector := range metaDateSelectors {
		if content, ok := doc.Find(selector).First().Attr("content"); ok {
			if t, ok := ParseISO(content); ok {
				return t, true
			}
		}
	}

	return scanDate(Normalize(doc.Find("body").Text()))
}

func ParseISO(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return day(t), true
		}
	}
	return time.Time{}, false
}

// ParseText parses free-form date text such as "Posted on March 13, 2023 • 5 min read"
// or "Published by Rekt | March 13, 2023". Each separated segment loses its
// prefix and byline before parsing.
func ParseText(s string) (time.Time, bool) {
	for _, part := range separators.Split(Normalize(s), -1) {
		part = datePrefix.ReplaceAllString(strings.TrimSpace(part), "")
		part = strings.TrimSpace(byline.ReplaceAllString(part, ""))
		if part == "" {
			continue
		}
		if t, ok := ParseISO(part); ok {
			return t, true
		}
		for _, layout := range textLayouts {
			if t, err := time.Parse(layout, part); err == nil {
				return day(t), true
			}
		}
		if t, ok := scanDate(part); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// scanDate returns the earliest date in text in either shape.
func scanDate(text string) (time.Time, bool) {
	iso := isoScan.FindStringIndex(text)
	month := monthScan.FindStringIndex(text)

	if month != nil && (iso == nil || month[0] < iso[0]) {
		m := strings.Replace(text[month[0]:month[1]], ".", "", 1)
		for _, layout := range []string{"January 2, 2006", "Jan 2, 2006"} {
			if t, err := time.Parse(layout, m); err == nil {
				return day(t), true
			}
		}
	}
	if iso != nil {
		if t, ok := ParseISO(text[iso[0]:iso[1]]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
