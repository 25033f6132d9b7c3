package grbl

import (
	"errors"
	"regexp"
	"strconv"
)

// Version is a parsed firmware version, e.g. 1.1h.
type Version struct {
	Major int
	Minor int
	Build string
}

func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + v.Build
}

// ErrNoVersion is returned when no version can be found in the text.
var ErrNoVersion = errors.New("no grbl version found")

var rxVersion = regexp.MustCompile(`(?i)(?:grbl\s*v?|ver:)\s*(\d+)\.(\d+)([a-z]?)`)

// ParseVersion extracts the version from a startup banner
// (`Grbl 1.1h ['$' for help]`), a `$I` reply (`[VER:1.1h.20190825:]`) or
// the form `GRBL v1.1h`.
func ParseVersion(s string) (Version, error) {
	m := rxVersion.FindStringSubmatch(s)
	if m == nil {
		return Version{}, ErrNoVersion
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Build = m[3]
	return v, nil
}
