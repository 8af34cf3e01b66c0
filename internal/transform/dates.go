package transform

import (
	"regexp"
	"time"
)

// DateRule pairs a provider phrasing with the layout of its captured date.
// Rules are evaluated in order; the first whose pattern matches wins. New
// provider phrasings are added here, not in control flow.
type DateRule struct {
	Name    string
	Pattern *regexp.Regexp
	Layout  string
}

// dateRules covers the natural-language date phrasings observed in scraped
// order pages. The capture group isolates the date text.
var dateRules = []DateRule{
	{
		Name:    "ordered-on",
		Pattern: regexp.MustCompile(`Ordered On:\s*(\w+ \d{1,2}, \d{4})`),
		Layout:  "January 2, 2006",
	},
	{
		Name:    "window-closed-on",
		Pattern: regexp.MustCompile(`closed on (\w+ \d{1,2}, \d{4})`),
		Layout:  "January 2, 2006",
	},
	{
		Name:    "eligible-through",
		Pattern: regexp.MustCompile(`eligible (?:through|until) (\w+ \d{1,2}, \d{4})`),
		Layout:  "January 2, 2006",
	},
}

// genericLayouts are tried when no rule matches.
var genericLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// parseDate converts a scraped date string to a time. A value matching one
// of the phrasing rules is parsed from its capture group; anything else
// falls through the generic layouts. Returns nil when nothing parses.
func parseDate(s string) any {
	if s == "" {
		return nil
	}
	for _, rule := range dateRules {
		m := rule.Pattern.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		if t, err := time.Parse(rule.Layout, m[1]); err == nil {
			return t
		}
		return nil
	}
	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return nil
}

// dateValue applies date conversion to a resolved raw value. An object with
// a displayDate field yields that string verbatim; empty values yield nil.
func dateValue(v any) any {
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		return parseDate(value)
	case map[string]any:
		if display, ok := value["displayDate"].(string); ok {
			return display
		}
		return nil
	case time.Time:
		return value
	default:
		return nil
	}
}
