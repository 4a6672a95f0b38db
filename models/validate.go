package models

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Limits bounds the size of client supplied content.
type Limits struct {
	MaxNameLength        int
	MaxDescriptionLength int
	MaxHTMLBytes         int
	MaxDocumentBytes     int
}

// DefaultLimits are used when the configuration leaves limits unset.
var DefaultLimits = Limits{
	MaxNameLength:        120,
	MaxDescriptionLength: 2000,
	MaxHTMLBytes:         5 << 20,
	MaxDocumentBytes:     10 << 20,
}

func (l Limits) orDefault() Limits {
	if l.MaxNameLength <= 0 {
		l.MaxNameLength = DefaultLimits.MaxNameLength
	}
	if l.MaxDescriptionLength <= 0 {
		l.MaxDescriptionLength = DefaultLimits.MaxDescriptionLength
	}
	if l.MaxHTMLBytes <= 0 {
		l.MaxHTMLBytes = DefaultLimits.MaxHTMLBytes
	}
	if l.MaxDocumentBytes <= 0 {
		l.MaxDocumentBytes = DefaultLimits.MaxDocumentBytes
	}
	return l
}

// ValidateNewPrototype checks a creation request.
func (l Limits) ValidateNewPrototype(p *NewPrototype) error {
	l = l.orDefault()
	p.Name = strings.TrimSpace(p.Name)
	if err := l.validateName(p.Name); err != nil {
		return err
	}
	if utf8.RuneCountInString(p.Description) > l.MaxDescriptionLength {
		return Invalid("description", "must be at most %d characters", l.MaxDescriptionLength)
	}
	return l.validateContent(&p.HTMLContent, p.StructuredDocument)
}

// ValidateUpdate checks an edit. Names are trimmed in place.
func (l Limits) ValidateUpdate(u *PrototypeUpdate) error {
	l = l.orDefault()
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if err := l.validateName(name); err != nil {
			return err
		}
		u.Name = &name
	}
	if u.Description != nil && utf8.RuneCountInString(*u.Description) > l.MaxDescriptionLength {
		return Invalid("description", "must be at most %d characters", l.MaxDescriptionLength)
	}
	if u.ExpectedVersion != nil && *u.ExpectedVersion < 1 {
		return Invalid("If-Match", "version must be positive")
	}
	return l.validateContent(u.HTMLContent, u.StructuredDocument)
}

func (l Limits) validateName(name string) error {
	if name == "" {
		return Invalid("name", "must not be empty")
	}
	if utf8.RuneCountInString(name) > l.MaxNameLength {
		return Invalid("name", "must be at most %d characters", l.MaxNameLength)
	}
	return nil
}

func (l Limits) validateContent(html *string, doc Document) error {
	if html != nil && len(*html) > l.MaxHTMLBytes {
		return Invalid("htmlContent", "payload exceeds %d bytes", l.MaxHTMLBytes)
	}
	if doc == nil {
		return nil
	}
	if pages, ok := doc["pages"]; ok && pages != nil {
		if _, isList := pages.([]any); !isList {
			return Invalid("structuredDocument", "pages must be an array")
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Invalid("structuredDocument", "not encodable: %v", err)
	}
	if len(raw) > l.MaxDocumentBytes {
		return Invalid("structuredDocument", "payload exceeds %d bytes", l.MaxDocumentBytes)
	}
	return nil
}

var slugUnsafe = regexp.MustCompile(`[^A-Za-z0-9]+`)

// ReservedBranchSlug is the name of the implicit main line.
const ReservedBranchSlug = "main"

// BranchSlug derives a URL slug from a branch name: ASCII letters and
// digits joined by single dashes. Case is preserved, so slugs compare
// case-sensitively.
func BranchSlug(name string) string {
	s := slugUnsafe.ReplaceAllString(name, "-")
	return strings.Trim(s, "-")
}

// ValidateNewBranch checks a branch creation request and returns its slug.
func (l Limits) ValidateNewBranch(b *NewBranch) (string, error) {
	l = l.orDefault()
	b.Name = strings.TrimSpace(b.Name)
	if err := l.validateName(b.Name); err != nil {
		return "", err
	}
	if utf8.RuneCountInString(b.Description) > l.MaxDescriptionLength {
		return "", Invalid("description", "must be at most %d characters", l.MaxDescriptionLength)
	}
	slug := BranchSlug(b.Name)
	if slug == "" {
		return "", Invalid("name", "must contain at least one letter or digit")
	}
	if strings.EqualFold(slug, ReservedBranchSlug) || strings.EqualFold(slug, "switch-main") {
		return "", Invalid("name", "%q is reserved", b.Name)
	}
	return slug, nil
}
