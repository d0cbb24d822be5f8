package firmware

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vitaminmoo/casedfu/internal/parser"
)

// ParseVersion parses "major.minor".
func ParseVersion(s string) (parser.Version, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return parser.Version{}, fmt.Errorf("version %q is not major.minor", s)
	}
	ma, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return parser.Version{}, fmt.Errorf("version %q: bad major: %w", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return parser.Version{}, fmt.Errorf("version %q: bad minor: %w", s, err)
	}
	return parser.Version{Major: uint16(ma), Minor: uint16(mi)}, nil
}

// ParseVersions parses a list of "major.minor" values.
func ParseVersions(list []string) ([]parser.Version, error) {
	out := make([]parser.Version, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		v, err := ParseVersion(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
