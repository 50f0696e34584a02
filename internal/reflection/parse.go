package reflection

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nidhogg/simulacra/internal/oracle"
)

const (
	minInsights      = 3
	maxInsights      = 5
	minInsightLength = 10
)

var listMarker = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+`)

// ParseInsights extracts 3 to 5 insight statements from a list-shaped
// reply. When any line carries a list marker only marked lines count, so a
// preamble is ignored. Extra insights are dropped.
func ParseInsights(reply string) ([]string, error) {
	lines := strings.Split(strings.ReplaceAll(reply, "\r\n", "\n"), "\n")

	marked := false
	for _, l := range lines {
		if listMarker.MatchString(l) {
			marked = true
			break
		}
	}

	var out []string
	for _, l := range lines {
		if marked && !listMarker.MatchString(l) {
			continue
		}
		s := strings.TrimSpace(listMarker.ReplaceAllString(l, ""))
		s = strings.Trim(s, `"`)
		if len(s) < minInsightLength {
			continue
		}
		out = append(out, s)
		if len(out) == maxInsights {
			break
		}
	}
	if len(out) < minInsights {
		return nil, fmt.Errorf("%w: %d usable insights, need %d", oracle.ErrOracleMalformedResponse, len(out), minInsights)
	}
	return out, nil
}
