package gcode

import (
	"strconv"
	"strings"
)

// Word is a numeric G-code word such as `G1` or `X10.5`.
type Word struct {
	W   byte
	Arg float64
}

func (w Word) IsAxis() bool {
	switch w.W {
	case 'X', 'Y', 'Z':
		return true
	}
	return false
}

// FormatFloat formats f with at most prec decimals, dropping trailing zeros
// and a bare trailing decimal point.
func FormatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
	}
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		return "0"
	}
	return s
}
