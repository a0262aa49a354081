package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// LinkRules describes how article links are discovered on a listing page.
// Empty keyword lists disable the corresponding filter.
type LinkRules struct {
	Selectors    []string
	HrefKeywords []string
	TextKeywords []string
	SameHost     bool
}

// Links returns absolute article URLs in discovery order, deduplicated and
// capped at limit (limit <= 0 means no cap).
func Links(markup, base string, rules LinkRules, limit int) ([]string, error) {
	doc, err := Parse(markup)
	if err != nil {
		return nil, err
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return DocumentLinks(doc, baseURL, rules, limit), nil
}

func DocumentLinks(doc *goquery.Document, base *url.URL, rules LinkRules, limit int) []string {
	seen := make(map[string]struct{})
	var links []string

	for _, selector := range rules.Selectors {
		doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			href, ok := s.Attr("href")
			if !ok || strings.TrimSpace(href) == "" {
				return true
			}
			if !containsAny(strings.ToLower(href), rules.HrefKeywords) {
				return true
			}
			if !containsAny(strings.ToLower(Normalize(s.Text())), rules.TextKeywords) {
				return true
			}

			abs, ok := resolve(base, href)
			if !ok {
				return true
			}
			if rules.SameHost && !strings.EqualFold(abs.Host, base.Host) {
				return true
			}

			key := abs.String()
			if _, dup := seen[key]; dup {
				return true
			}
			seen[key] = struct{}{}
			links = append(links, key)

			return limit <= 0 || len(links) < limit
		})

		if limit > 0 && len(links) >= limit {
			break
		}
	}

	return links
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	abs.Fragment = ""
	return abs, true
}

func containsAny(s string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
