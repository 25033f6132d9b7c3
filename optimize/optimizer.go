// Package optimize rewrites G-code programs to be smaller and simpler for
// GRBL to execute without changing the cut.
package optimize

import (
	"strings"
)

// Optimizer runs the enabled passes in a fixed order: decimal truncation,
// arc conversion, then whitespace cleanup. It holds no state between calls
// and is safe for concurrent use.
type Optimizer struct {
	opts Options
}

// New validates opts and returns an Optimizer.
func New(opts Options) (*Optimizer, error) {
	err := opts.Validate()
	if err != nil {
		return nil, err
	}
	return &Optimizer{opts: opts}, nil
}

func (o *Optimizer) Options() Options { return o.opts }

// Optimize returns the rewritten program. The result always ends with a
// single newline.
func (o *Optimizer) Optimize(text string) (string, error) {
	err := o.opts.Validate()
	if err != nil {
		return "", err
	}

	lines := strings.Split(text, "\n")
	if o.opts.TruncateDecimals {
		for i, l := range lines {
			lines[i] = truncateLine(l, o.opts.DecimalPlaces)
		}
	}
	if o.opts.ConvertArcs {
		lines = o.convertArcs(lines)
	}
	lines = o.cleanup(lines)

	return strings.TrimRight(strings.Join(lines, "\n"), "\r\n") + "\n", nil
}

func (o *Optimizer) cleanup(lines []string) []string {
	res := lines[:0]
	for _, l := range lines {
		if o.opts.CollapseWhitespace {
			l = strings.Join(strings.Fields(l), " ")
		}
		if o.opts.RemoveEmptyLines && strings.TrimSpace(l) == "" {
			continue
		}
		res = append(res, l)
	}
	return res
}

// Stats describes the size change of an optimization.
type Stats struct {
	OriginalSize     int     `json:"original_size"`
	OptimizedSize    int     `json:"optimized_size"`
	ReductionBytes   int     `json:"size_reduction_bytes"`
	ReductionPercent float64 `json:"size_reduction_percent"`
}

// GetStats compares the byte sizes of two programs.
func GetStats(original, optimized string) Stats {
	s := Stats{
		OriginalSize:  len(original),
		OptimizedSize: len(optimized),
	}
	s.ReductionBytes = s.OriginalSize - s.OptimizedSize
	if s.OriginalSize > 0 {
		s.ReductionPercent = float64(s.ReductionBytes) / float64(s.OriginalSize) * 100
	}
	return s
}
