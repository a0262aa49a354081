package utils

import "testing"

func TestCanonicalURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://rekt.news/euler-rekt/", "https://rekt.news/euler-rekt"},
		{"HTTPS://Rekt.News/euler-rekt#top", "https://rekt.news/euler-rekt"},
		{"https://rekt.news:443/euler-rekt", "https://rekt.news/euler-rekt"},
		{"http://example.com:8080/a/?page=2", "http://example.com:8080/a?page=2"},
		{"https://example.com/", "https://example.com"},
	}

	for _, tt := range tests {
		got, err := CanonicalURL(tt.in)
		if err != nil {
			t.Errorf("CanonicalURL(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonicalURLRejectsRelativeAndOddSchemes(t *testing.T) {
	for _, in := range []string{"/posts/euler", "ftp://rekt.news/x", "mailto:a@b.c", "https://"} {
		if _, err := CanonicalURL(in); err == nil {
			t.Errorf("CanonicalURL(%q) expected error", in)
		}
	}
}

func TestRecordIDStableAcrossSpellings(t *testing.T) {
	a, err := RecordID("https://rekt.news/euler-rekt/")
	if err != nil {
		t.Fatal(err)
	}
	b, err := RecordID("https://REKT.news/euler-rekt#comments")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("ids differ: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("len(id) = %d, want 32", len(a))
	}
}
