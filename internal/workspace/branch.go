package workspace

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultBranchPattern is used when no naming convention is configured.
const DefaultBranchPattern = "levelup/{run_id}"

const maxTitleLen = 50

var (
	nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

	// formatDescriptor matches trailing hints like "-in-kebab-case" or
	// "_slug" left after an alias was replaced.
	formatDescriptor = regexp.MustCompile(`(?i)[-_]in[-_](kebab|snake|camel|pascal)[-_]case|[-_](slug|kebab|snake|camel|pascal)$`)
)

// BranchName expands {task_title}, {run_id} and {date} in pattern. Any other
// {placeholder} is left as written.
func BranchName(pattern, title, runID string, now time.Time) string {
	if strings.TrimSpace(pattern) == "" {
		pattern = DefaultBranchPattern
	}
	r := strings.NewReplacer(
		"{run_id}", runID,
		"{task_title}", SanitizeTitle(title),
		"{date}", now.Format("20060102"),
	)
	return r.Replace(pattern)
}

// SanitizeTitle turns a free-form title into a branch-safe slug of at most 50
// characters. Accented letters are folded to ASCII; the result is never
// empty.
func SanitizeTitle(title string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn))), title)
	if err != nil {
		folded = title
	}

	slug := nonSlug.ReplaceAllString(strings.ToLower(folded), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxTitleLen {
		slug = strings.TrimRight(slug[:maxTitleLen], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}

var placeholders = []string{"{run_id}", "{task_title}", "{date}"}

// aliases are tried longest first at each word boundary.
var aliases = []struct {
	word        string
	placeholder string
}{
	{"task-title-in-kebab-case", "{task_title}"},
	{"task-title", "{task_title}"},
	{"task_title", "{task_title}"},
	{"title", "{task_title}"},
	{"task", "{task_title}"},
	{"run-id", "{run_id}"},
	{"run_id", "{run_id}"},
	{"runid", "{run_id}"},
	{"id", "{run_id}"},
	{"date", "{date}"},
}

func hasPlaceholder(s string) bool {
	for _, p := range placeholders {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// NormalizeConvention rewrites a natural-language pattern such as
// "feature/task-title" into placeholder form ("feature/{task_title}").
// Patterns that already use a placeholder are returned unchanged.
func NormalizeConvention(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" || hasPlaceholder(s) {
		return s
	}

	segments := strings.Split(s, "/")
	for i, seg := range segments {
		seg = replaceAliases(seg)
		if hasPlaceholder(seg) {
			seg = formatDescriptor.ReplaceAllString(seg, "")
		}
		segments[i] = seg
	}
	return strings.Join(segments, "/")
}

func isSeparator(b byte) bool {
	return b == '-' || b == '_' || b == '.'
}

func replaceAliases(seg string) string {
	// ASCII-only lowering keeps byte offsets aligned with seg.
	buf := []byte(seg)
	for i, c := range buf {
		if c >= 'A' && c <= 'Z' {
			buf[i] = c + ('a' - 'A')
		}
	}
	lower := string(buf)
	var b strings.Builder

	for i := 0; i < len(seg); {
		if i == 0 || isSeparator(seg[i-1]) {
			matched := false
			for _, a := range aliases {
				end := i + len(a.word)
				if end > len(seg) || lower[i:end] != a.word {
					continue
				}
				if end < len(seg) && !isSeparator(seg[end]) {
					continue
				}
				b.WriteString(a.placeholder)
				i = end
				matched = true
				break
			}
			if matched {
				continue
			}
		}
		b.WriteByte(seg[i])
		i++
	}
	return b.String()
}
