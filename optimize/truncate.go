package optimize

import (
	"strings"
)

func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }

// isCodeWord reports whether the number after c names a command or an index
// rather than a quantity. G91.1 and G91 are different commands.
func isCodeWord(c byte) bool {
	switch c {
	case 'G', 'g', 'M', 'm', 'N', 'n', 'O', 'o', 'T', 't':
		return true
	}
	return false
}

// numberEnd returns the index just past the number starting at s[i].
func numberEnd(s string, i int) int {
	j := i
	if j < len(s) && (s[j] == '-' || s[j] == '+') {
		j++
	}
	dot := false
	for ; j < len(s); j++ {
		switch {
		case isDigit(s[j]):
		case s[j] == '.' && !dot:
			dot = true
		default:
			return j
		}
	}
	return j
}

// truncateNumber cuts s to places decimals without rounding, then drops
// trailing zeros and a bare decimal point. Integers are returned unchanged.
func truncateNumber(s string, places int) string {
	body := strings.TrimLeft(s, "+-")
	neg := strings.HasPrefix(s, "-")
	whole, frac, ok := strings.Cut(body, ".")
	if !ok || strings.Trim(body, ".") == "" {
		return s
	}
	if len(frac) > places {
		frac = frac[:places]
	}
	frac = strings.TrimRight(frac, "0")

	res := whole
	if frac != "" {
		res += "." + frac
	}
	if strings.Trim(res, "0.") == "" {
		return "0"
	}
	if neg {
		res = "-" + res
	}
	return res
}

// truncateLine truncates every number that follows a value letter. Command
// codes and comments are copied as-is.
func truncateLine(line string, places int) string {
	var b strings.Builder
	b.Grow(len(line))
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ';':
			b.WriteString(line[i:])
			return b.String()
		case c == '(':
			end := strings.IndexByte(line[i:], ')')
			if end < 0 {
				b.WriteString(line[i:])
				return b.String()
			}
			b.WriteString(line[i : i+end+1])
			i += end + 1
		case isLetter(c):
			b.WriteByte(c)
			i++
			end := numberEnd(line, i)
			if end > i && isCodeWord(c) {
				b.WriteString(line[i:end])
				i = end
			} else if end > i {
				b.WriteString(truncateNumber(line[i:end], places))
				i = end
			}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}
