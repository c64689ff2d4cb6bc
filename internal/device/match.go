package device

import (
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// MatchJobFile returns the first name that contains title, compared
// case-insensitively. A second pattern with each whitespace run replaced by
// an underscore covers slicers that rewrite spaces on upload. Substring
// matching can select the wrong file for very short titles; that is accepted.
func MatchJobFile(names []string, title string) (string, bool) {
	title = strings.ToLower(strings.TrimSpace(title))
	if title == "" {
		return "", false
	}
	underscored := whitespace.ReplaceAllString(title, "_")

	for _, name := range names {
		lower := strings.ToLower(name)
		if strings.Contains(lower, title) || strings.Contains(lower, underscored) {
			return name, true
		}
	}
	return "", false
}
