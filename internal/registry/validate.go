package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rivo/uniseg"

	"github.com/sessionvault/sessionvault/pkg/models"
)

// maxNameGraphemes is the display-name length limit, counted in grapheme
// clusters so a multi-byte glyph costs one unit, not four.
const maxNameGraphemes = 50

// markupChars are rejected outright: display names end up in rendered UI and
// must never carry markup-significant characters.
const markupChars = "<>\"'`"

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// NormalizeDisplayName trims the name and collapses internal whitespace runs
// to single spaces.
func NormalizeDisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// ValidateDisplayName checks an already-normalized display name.
func ValidateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", models.ErrInvalidName)
	}
	if strings.ContainsAny(name, markupChars) {
		return fmt.Errorf("%w: markup characters not allowed", models.ErrInvalidName)
	}
	if n := uniseg.GraphemeClusterCount(name); n > maxNameGraphemes {
		return fmt.Errorf("%w: %d graphemes exceeds limit of %d", models.ErrInvalidName, n, maxNameGraphemes)
	}
	return nil
}

// ValidateColor accepts an empty color or a #RRGGBB hex value.
func ValidateColor(color string) error {
	if color == "" {
		return nil
	}
	if !colorPattern.MatchString(color) {
		return fmt.Errorf("%w: color must be #RRGGBB, got %q", models.ErrInvalidName, color)
	}
	return nil
}

// displayNamesEqual compares normalized display names case-insensitively.
// Unset names never collide.
func displayNamesEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
