package extract

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testRules = Rules{
	Title: []Rule{
		{Selector: "h1", MinLen: 10},
		{Selector: "title", MinLen: 10},
	},
	Body: []Rule{
		{Selector: ".post-content", MinLen: 20, Remove: []string{"script", "style"}},
		{Selector: "main", MinLen: 20},
	},
	MaxBody: 40,
}

func TestExtractFirstRuleWins(t *testing.T) {
	markup := `<html><head><title>Fallback page title here</title></head><body>
		<h1>  Euler   Finance Rekt </h1>
		<div class="post-content"><script>var x = 1;</script>A flash loan exploit drained the lending pools.</div>
		<main>main text that should not be used at all</main>
	</body></html>`

	got, err := Extract(markup, testRules)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	want := Article{
		Title: "Euler Finance Rekt",
		Body:  "A flash loan exploit drained the lending",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("article mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractFallsThroughShortMatches(t *testing.T) {
	markup := `<html><head><title>Protocol drained for millions</title></head><body>
		<h1>Short</h1>
		<div class="post-content">tiny</div>
		<main>Main content that is long enough to count.</main>
	</body></html>`

	got, err := Extract(markup, testRules)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Title != "Protocol drained for millions" {
		t.Errorf("Title = %q", got.Title)
	}
	if !strings.HasPrefix(got.Body, "Main content") {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestExtractMissingFields(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		rules  Rules
		field  string
	}{
		{"no title", `<body><main>Main content that is long enough to count.</main></body>`, testRules, "title"},
		{"no body", `<body><h1>A perfectly good headline</h1></body>`, testRules, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(tt.markup, tt.rules)
			var ee *ExtractionError
			if !errors.As(err, &ee) {
				t.Fatalf("err = %v, want *ExtractionError", err)
			}
			if ee.Field != tt.field {
				t.Errorf("Field = %q, want %q", ee.Field, tt.field)
			}
		})
	}
}

func TestExtractBodyFallback(t *testing.T) {
	rules := testRules
	rules.BodyFallback = true

	got, err := Extract(`<body><h1>A perfectly good headline</h1>
<p>loose text</p></body>`, rules)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got.Body != "A perfectly good headline loose text" {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestLinks(t *testing.T) {
	markup := `<body>
		<h2><a href="/posts/euler-rekt">Euler</a></h2>
		<a href="/posts/euler-rekt#comments">Euler again</a>
		<a href="https://rekt.news/posts/mango">Mango</a>
		<a href="/about">About</a>
		<a href="mailto:team@rekt.news">Mail</a>
		<h3><a href="/posts/curve">Curve</a></h3>
	</body>`

	rules := LinkRules{
		Selectors:    []string{`a[href*="/posts/"]`, "h3 a"},
		HrefKeywords: []string{"post"},
	}
	got, err := Links(markup, "https://rekt.news/", rules, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://rekt.news/posts/euler-rekt",
		"https://rekt.news/posts/mango",
		"https://rekt.news/posts/curve",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}

	limited, _ := Links(markup, "https://rekt.news/", rules, 2)
	if diff := cmp.Diff(want[:2], limited); diff != "" {
		t.Errorf("limited links mismatch (-want +got):\n%s", diff)
	}
}

func TestLinksTextFilter(t *testing.T) {
	markup := `<body>
		<a href="/blog/defi-hack-report">DeFi hack report</a>
		<a href="/blog/hiring">We are hiring</a>
	</body>`
	rules := LinkRules{
		Selectors:    []string{`a[href*="/blog/"]`},
		TextKeywords: []string{"defi", "hack"},
	}
	got, err := Links(markup, "https://blog.chainalysis.com", rules, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"https://blog.chainalysis.com/blog/defi-hack-report"}, got); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
}

func TestPublishedDateChain(t *testing.T) {
	want := time.Date(2023, 3, 13, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		markup string
	}{
		{"datetime attribute", `<body><time datetime="2023-03-13T08:30:00Z">yesterday</time></body>`},
		{"prefixed text", `<body><span class="post-date">Posted on March 13, 2023 • 5 min read</span></body>`},
		{"byline", `<body><div class="entry-date">Published 13 Mar 2023 by rekt</div></body>`},
		{"slash layout", `<body><span class="published-date">03/13/2023</span></body>`},
		{"meta tag", `<head><meta property="article:published_time" content="2023-03-13T10:00:00+00:00"></head><body></body>`},
		{"page scan", `<body><p>The attack happened on Mar 13, 2023 in the early hours.</p></body>`},
		{"author before date", `<body><span class="post-date">Posted by Rekt on March 13, 2023</span></body>`},
		{"author segment", `<body><span class="post-date">Published by Rekt | March 13, 2023</span><p>Recalls the 2021-05-01 exploit.</p></body>`},
		{"page scan takes earliest", `<body><p>March 13, 2023. A repeat of the 2021-05-01 exploit.</p></body>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.markup)
			if err != nil {
				t.Fatal(err)
			}
			got, ok := PublishedDate(doc, DateRules{})
			if !ok {
				t.Fatal("no date found")
			}
			if !got.Equal(want) {
				t.Errorf("date = %v, want %v", got, want)
			}
		})
	}
}

func TestParseText(t *testing.T) {
	want := time.Date(2023, 3, 13, 0, 0, 0, 0, time.UTC)

	for _, in := range []string{
		"Posted on March 13, 2023 • 5 min read",
		"Posted by Rekt on March 13, 2023",
		"Published by Rekt | March 13, 2023",
		"March 13, 2023 by Rekt",
		"Written by Rekt · 2023-03-13",
	} {
		got, ok := ParseText(in)
		if !ok || !got.Equal(want) {
			t.Errorf("ParseText(%q) = %v, %v; want %v", in, got, ok, want)
		}
	}

	if _, ok := ParseText("by Rekt | 5 min read"); ok {
		t.Error("ParseText found a date in a byline without one")
	}
}

func TestPublishedDateMissing(t *testing.T) {
	doc, err := Parse(`<body><p>No dates here.</p></body>`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := PublishedDate(doc, DateRules{}); ok {
		t.Error("expected no date")
	}
}

func TestCleanTitle(t *testing.T) {
	if got := CleanTitle("BREAKING:  Euler   exploited"); got != "Euler exploited" {
		t.Errorf("CleanTitle = %q", got)
	}
	long := CleanTitle(strings.Repeat("a", 300))
	if len(long) != 200 || !strings.HasSuffix(long, "...") {
		t.Errorf("len = %d, suffix ok = %v", len(long), strings.HasSuffix(long, "..."))
	}
}
