package validate

import "fmt"

// GrblVersion is a firmware generation. Versions are ordered so rules can
// compare against a minimum.
type GrblVersion int

const (
	V1_0 GrblVersion = iota
	V1_1
	V1_2
)

func (v GrblVersion) String() string {
	switch v {
	case V1_0:
		return "1.0"
	case V1_1:
		return "1.1"
	case V1_2:
		return "1.2"
	}
	return fmt.Sprintf("GrblVersion(%d)", int(v))
}

// VersionOf maps a firmware major/minor pair to the closest known version.
// Anything newer than 1.2 is treated as 1.2 and anything older than 1.1 as
// 1.0.
func VersionOf(major, minor int) GrblVersion {
	switch {
	case major > 1 || (major == 1 && minor >= 2):
		return V1_2
	case major == 1 && minor == 1:
		return V1_1
	}
	return V1_0
}

// ParseGrblVersion parses "1.0", "1.1" or "1.2".
func ParseGrblVersion(s string) (GrblVersion, error) {
	var major, minor int
	_, err := fmt.Sscanf(s, "%d.%d", &major, &minor)
	if err != nil {
		return V1_0, fmt.Errorf("parse grbl version %q: %w", s, err)
	}
	return VersionOf(major, minor), nil
}
