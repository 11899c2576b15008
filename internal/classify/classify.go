// Package classify maps submitted URLs to the category tags used for
// per-user folder placement. Classification is a pure string operation:
// an ordered list of host/path patterns is tried first, and a second
// pass over the extractor name reported by the fetcher covers URLs that
// were ambiguous on their own (shortened links, redirects).
package classify

import (
	"regexp"
	"strings"
)

// Fallback is the category assigned when no rule matches.
const Fallback = "unknown"

// Category tags, one folder per tag under each user directory.
const (
	CategoryTikTok    = "tiktok"
	CategoryInstagram = "instagram"
	CategoryYouTube   = "youtube"
	CategoryPDF       = "pdf"
	CategoryEbook     = "ebook"
)

// urlRule maps URL patterns to a category. Rules are evaluated in
// order; the first match wins, so more specific patterns come first.
type urlRule struct {
	category string
	patterns []*regexp.Regexp
}

var urlRules = []urlRule{
	{CategoryTikTok, compileAll(
		`tiktok\.com`,
		`vm\.tiktok\.com`,
		`m\.tiktok\.com`,
	)},
	{CategoryInstagram, compileAll(
		`instagram\.com`,
		`instagr\.am`,
	)},
	{CategoryYouTube, compileAll(
		`youtube\.com`,
		`youtu\.be`,
		`m\.youtube\.com`,
	)},
	{CategoryPDF, compileAll(
		`\.pdf($|\?)`,
	)},
	{CategoryEbook, compileAll(
		`\.epub($|\?)`,
		`\.mobi($|\?)`,
		`\.azw($|\?)`,
		`\.azw3($|\?)`,
	)},
}

// extractorRules map fetcher extractor names to the same tag space.
var extractorRules = map[string][]string{
	CategoryTikTok:    {"tiktok", "tiktokuser", "tiktoksound", "tiktokeffect"},
	CategoryInstagram: {"instagram", "instagramios", "instagramuser"},
	CategoryYouTube:   {"youtube", "youtubetab", "youtubeplaylist", "youtubelive"},
}

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// FromURL detects the category from the URL alone. The second return
// value reports whether any rule matched.
func FromURL(rawURL string) (string, bool) {
	lower := strings.ToLower(rawURL)
	for _, rule := range urlRules {
		for _, p := range rule.patterns {
			if p.MatchString(lower) {
				return rule.category, true
			}
		}
	}
	return Fallback, false
}

// FromExtractor detects the category from a fetcher extractor name,
// e.g. "TikTok" or "YoutubeTab".
func FromExtractor(name string) (string, bool) {
	if name == "" {
		return Fallback, false
	}
	lower := strings.ToLower(name)
	for category, extractors := range extractorRules {
		for _, e := range extractors {
			if strings.Contains(lower, e) {
				return category, true
			}
		}
	}
	return Fallback, false
}

// Detect runs both passes in order: URL patterns first, then the
// extractor name. It always returns a valid category, falling back to
// Fallback when neither pass matches.
func Detect(rawURL, extractorName string) string {
	if category, ok := FromURL(rawURL); ok {
		return category
	}
	if category, ok := FromExtractor(extractorName); ok {
		return category
	}
	return Fallback
}

// IsValid reports whether the tag is one of the known categories.
func IsValid(category string) bool {
	switch strings.ToLower(category) {
	case CategoryTikTok, CategoryInstagram, CategoryYouTube, CategoryPDF, CategoryEbook, Fallback:
		return true
	}
	return false
}

// Normalize lowercases and trims a category tag.
func Normalize(category string) string {
	return strings.ToLower(strings.TrimSpace(category))
}

// Categories returns all known category tags including the fallback.
func Categories() []string {
	return []string{
		CategoryTikTok,
		CategoryInstagram,
		CategoryYouTube,
		CategoryPDF,
		CategoryEbook,
		Fallback,
	}
}
