package optimize

import (
	"errors"
	"fmt"
)

// ErrConfig is returned for invalid Options.
var ErrConfig = errors.New("invalid optimizer options")

const maxDecimalPlaces = 6

// Options selects which passes run and how.
type Options struct {
	DecimalPlaces      int     `mapstructure:"decimal_places" json:"decimal_places"`
	ArcTolerance       float64 `mapstructure:"arc_tolerance" json:"arc_tolerance"`
	RemoveEmptyLines   bool    `mapstructure:"remove_empty_lines" json:"remove_empty_lines"`
	CollapseWhitespace bool    `mapstructure:"collapse_whitespace" json:"collapse_whitespace"`
	ConvertArcs        bool    `mapstructure:"convert_arcs" json:"convert_arcs"`
	TruncateDecimals   bool    `mapstructure:"truncate_decimals" json:"truncate_decimals"`
}

func DefaultOptions() Options {
	return Options{
		DecimalPlaces:      2,
		ArcTolerance:       0.05,
		RemoveEmptyLines:   true,
		CollapseWhitespace: true,
		ConvertArcs:        false,
		TruncateDecimals:   true,
	}
}

func (o Options) Validate() error {
	if o.DecimalPlaces < 0 || o.DecimalPlaces > maxDecimalPlaces {
		return fmt.Errorf("%w: decimal places must be 0-%d, got %d", ErrConfig, maxDecimalPlaces, o.DecimalPlaces)
	}
	if o.ConvertArcs && !(o.ArcTolerance > 0) {
		return fmt.Errorf("%w: arc tolerance must be positive, got %g", ErrConfig, o.ArcTolerance)
	}
	return nil
}
