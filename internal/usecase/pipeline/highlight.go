package pipeline

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Token styles use adaptive colors that work on both light and dark terminals.
var (
	keywordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}).
			Bold(true)

	stringStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"})

	numberStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"})

	commentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}).
			Faint(true)
)

// tokenPattern matches all four token classes in one pass. Submatch groups:
// 1 comment, 2 quoted string, 3 number, 4 keyword.
var tokenPattern = regexp.MustCompile(
	`((?://|#)[^\n]*)` +
		`|("(?:[^"\\\n]|\\.)*")` +
		`|\b(\d+(?:\.\d+)?)\b` +
		`|\b(func|return|if|else|for|while|range|var|const|let|import|package|type|struct|interface|def|class|nil|null|true|false)\b`,
)

// highlighter applies token styling with a look-aside cache keyed by the exact
// input text. Repeated lines (progress output, retry loops) hit the cache.
type highlighter struct {
	cache *lru.Cache[string, string]
}

func newHighlighter(cacheSize int) (*highlighter, error) {
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &highlighter{cache: cache}, nil
}

func (h *highlighter) apply(text string) string {
	if cached, ok := h.cache.Get(text); ok {
		return cached
	}
	out := highlightTokens(text)
	h.cache.Add(text, out)
	return out
}

// highlightTokens styles every token match in a single scan of the text.
func highlightTokens(text string) string {
	matches := tokenPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text) + len(matches)*16)
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		token := text[m[0]:m[1]]
		switch {
		case m[2] >= 0:
			b.WriteString(commentStyle.Render(token))
		case m[4] >= 0:
			b.WriteString(stringStyle.Render(token))
		case m[6] >= 0:
			b.WriteString(numberStyle.Render(token))
		default:
			b.WriteString(keywordStyle.Render(token))
		}
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}
