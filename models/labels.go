package models

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// SystemLabelPrefix marks labels written by the server itself, e.g. the
// snapshot taken before a restore. Clients cannot set them.
const SystemLabelPrefix = "system:"

// MaxLabelLength bounds user supplied snapshot labels, in runes.
const MaxLabelLength = 120

// System labels attached to snapshots created by non-edit mutations.
func RestoreLabel(number int64) string {
	return fmt.Sprintf("%srestore:%d", SystemLabelPrefix, number)
}

func SwitchLabel(branchSlug string) string {
	return fmt.Sprintf("%sswitch:%s", SystemLabelPrefix, branchSlug)
}

// ParseLabel normalizes a user supplied label.
//
// Examples:
//   - "  release candidate " -> "release candidate"
//   - "" -> "" (clears the label)
//   - "system:starred" -> validation error
func ParseLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if IsSystemLabel(label) {
		return "", Invalid("label", "labels starting with %q are reserved", SystemLabelPrefix)
	}
	if utf8.RuneCountInString(label) > MaxLabelLength {
		return "", Invalid("label", "must be at most %d characters", MaxLabelLength)
	}
	return label, nil
}

// IsSystemLabel checks if a label is reserved for server use.
func IsSystemLabel(label string) bool {
	return strings.HasPrefix(label, SystemLabelPrefix)
}
