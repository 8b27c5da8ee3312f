package agent

import (
	"regexp"
	"strings"
)

var prURLPattern = regexp.MustCompile(`https://[^\s<>()\[\]"']+/pull/\d+`)

// prExtractor accumulates PR URL candidates over a session. Structured
// signals (an explicit prUrl event field) beat regex matches from message
// text; within a pool, the last URL whose path names the current repo wins,
// else the last overall.
type prExtractor struct {
	repo       string
	structured []string
	fromText   []string
}

func newPRExtractor(repo string) *prExtractor {
	return &prExtractor{repo: repo}
}

func (x *prExtractor) addStructured(url string) {
	url = strings.TrimSpace(url)
	if url != "" {
		x.structured = append(x.structured, url)
	}
}

func (x *prExtractor) addText(text string) {
	x.fromText = append(x.fromText, prURLPattern.FindAllString(text, -1)...)
}

// Best resolves the extracted PR URL, or empty when none was seen.
func (x *prExtractor) Best() string {
	pool := x.structured
	if len(pool) == 0 {
		pool = x.fromText
	}
	if len(pool) == 0 {
		return ""
	}
	if x.repo != "" {
		needle := "/" + x.repo + "/pull/"
		for i := len(pool) - 1; i >= 0; i-- {
			if strings.Contains(pool[i], needle) {
				return pool[i]
			}
		}
	}
	return pool[len(pool)-1]
}
