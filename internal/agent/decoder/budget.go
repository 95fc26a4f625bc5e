package decoder

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

var (
	percentValue = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*(%?)\s*$`)

	// Textual fallbacks, tried in order.
	contextTextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(%)\s*(?:of\s+)?context\s+(?:window\s+)?(?:left|remaining)`),
		regexp.MustCompile(`(?i)context\s*(?:window\s*)?(?:left|remaining)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(%?)`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(%)\s*remaining`),
	}
)

// ExtractContextBudget finds the remaining context-window percentage in one
// output line. Structured fields are preferred; text patterns are the
// fallback. The result is always within [0, 100].
func ExtractContextBudget(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}

	if gjson.Valid(line) {
		if pct, ok := scanContextBudget(gjson.Parse(line)); ok {
			return pct, true
		}
	}

	for _, re := range contextTextPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if pct, ok := normalizePercent(m[1], m[2] == "%"); ok {
			return pct, true
		}
	}
	return 0, false
}

func scanContextBudget(v gjson.Result) (pct int, found bool) {
	if !v.IsObject() && !v.IsArray() {
		return 0, false
	}
	v.ForEach(func(key, value gjson.Result) bool {
		if v.IsObject() && isContextKey(key.Str) {
			if p, ok := percentFromValue(value); ok {
				pct, found = p, true
				return false
			}
		}
		if value.IsObject() || value.IsArray() {
			if p, ok := scanContextBudget(value); ok {
				pct, found = p, true
				return false
			}
		}
		return true
	})
	return pct, found
}

// isContextKey matches keys such as context_left_percent, contextWindowPct or
// "context-remaining-percent" regardless of case and separators.
func isContextKey(key string) bool {
	var sb strings.Builder
	for _, r := range strings.ToLower(key) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	k := sb.String()
	if !strings.Contains(k, "context") {
		return false
	}
	if !strings.Contains(k, "percent") && !strings.Contains(k, "pct") {
		return false
	}
	return strings.Contains(k, "left") || strings.Contains(k, "remaining") || strings.Contains(k, "window")
}

func percentFromValue(v gjson.Result) (int, bool) {
	switch v.Type {
	case gjson.Number:
		return fromNumber(v.Num, false)
	case gjson.String:
		m := percentValue.FindStringSubmatch(v.Str)
		if m == nil {
			return 0, false
		}
		return normalizePercent(m[1], m[2] == "%")
	}
	return 0, false
}

func normalizePercent(raw string, hasPercentSign bool) (int, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return fromNumber(f, hasPercentSign)
}

// fromNumber treats fractional values in [0,1] as ratios unless the source
// carried an explicit percent sign. Anything outside [0,100] is rejected.
func fromNumber(f float64, hasPercentSign bool) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	if !hasPercentSign && f <= 1 && f != math.Trunc(f) {
		f *= 100
	}
	if f > 100 {
		return 0, false
	}
	return clampPercent(int(math.Round(f))), true
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
