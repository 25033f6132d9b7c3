package gcode

import (
	"errors"
	"strconv"
	"strings"
)

// Token is a single letter and the raw text that followed it on a line.
// Value is not guaranteed to be numeric.
type Token struct {
	Letter byte
	Value  string
}

var errNoValue = errors.New("missing value")

// Float parses the token value.
func (t Token) Float() (float64, error) {
	if t.Value == "" {
		return 0, errNoValue
	}
	return strconv.ParseFloat(t.Value, 64)
}

// Code returns the canonical form of the token, e.g. `G01` becomes `G1` and
// `g38.20` becomes `G38.2`. Non-numeric values are returned as written.
func (t Token) Code() string {
	v, err := t.Float()
	if err != nil {
		return string(t.Letter) + t.Value
	}
	return string(t.Letter) + FormatFloat(v, 4)
}

// Word converts the token to a Word. ok is false for non-numeric values.
func (t Token) Word() (w Word, ok bool) {
	v, err := t.Float()
	if err != nil {
		return Word{}, false
	}
	return Word{W: t.Letter, Arg: v}, true
}

func (t Token) String() string { return string(t.Letter) + t.Value }

func isLetter(c byte) bool { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\v', '\f':
		return true
	}
	return false
}

// Tokenize splits comment-free code into tokens. A letter starts a new
// token and everything up to the next letter or whitespace is its value.
// Whitespace between a letter and its value (`X 10`) is allowed.
// Characters outside any token, like `$` or `=`, are dropped.
func Tokenize(code string) []Token {
	var toks []Token
	var cur *Token
	flush := func() {
		if cur != nil {
			toks = append(toks, *cur)
			cur = nil
		}
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case isLetter(c):
			flush()
			if c >= 'a' {
				c -= 'a' - 'A'
			}
			cur = &Token{Letter: c}
		case isSpace(c):
			if cur != nil && cur.Value != "" {
				flush()
			}
		case cur == nil:
		default:
			cur.Value += string(c)
		}
	}
	flush()
	return toks
}

// StripComments removes `;` comments and `( ... )` comments from line.
func StripComments(line string) string {
	if !strings.ContainsAny(line, ";(") {
		return line
	}
	var b strings.Builder
	depth := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case depth == 0 && c == ';':
			return b.String()
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// IsExecutable reports whether a raw program line carries anything besides
// whitespace or a leading `;` comment.
func IsExecutable(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && !strings.HasPrefix(line, ";")
}

// ExecutableLines returns the trimmed executable lines of a program, in
// order. Job line numbering and progress are counted over this list.
func ExecutableLines(program string) []string {
	var res []string
	for _, line := range strings.Split(program, "\n") {
		if !IsExecutable(line) {
			continue
		}
		res = append(res, strings.TrimSpace(line))
	}
	return res
}
