// Package validation provides input validation for names that end up in
// file paths and URL paths.
package validation

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for a name.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool

	// Reserved names are rejected outright.
	Reserved []string
}

// DatasetNameRules returns the rules for dataset (layer) names. Names appear
// as a URL path segment and in export file names. "layers" is taken by the
// GET /data/layers route.
func DatasetNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
		Reserved:     []string{"layers"},
	}
}

// FilenameRules returns the rules for cached artifact file names.
func FilenameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	if slices.Contains(rules.Reserved, name) {
		return fmt.Errorf("name %q is reserved", name)
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateDatasetName validates a dataset name.
func ValidateDatasetName(name string) error {
	return ValidateName(name, DatasetNameRules())
}

// ValidateFilename validates a cache file name. It must name a file directly
// inside the cache directory.
func ValidateFilename(name string) error {
	return ValidateName(name, FilenameRules())
}
