package cancellation

import (
	"strconv"
	"strings"
)

// DecodeEscapes expands \n, \r, \t, \\ and \xHH in a configured soft-cancel
// command. Unknown or truncated escapes are kept literally.
func DecodeEscapes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}

		switch s[i+1] {
		case 'n':
			sb.WriteByte('\n')
			i++
		case 'r':
			sb.WriteByte('\r')
			i++
		case 't':
			sb.WriteByte('\t')
			i++
		case '\\':
			sb.WriteByte('\\')
			i++
		case 'x':
			if i+3 < len(s) {
				if b, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
					sb.WriteByte(byte(b))
					i += 3
					continue
				}
			}
			sb.WriteByte(c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
