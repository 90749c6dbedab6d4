package fieldcipher

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalization selects how a plaintext is canonicalized before hashing.
// Sealed values always keep the caller's exact plaintext.
type Normalization int

const (
	// NormalizeExact applies NFC only.
	NormalizeExact Normalization = iota
	// NormalizeText applies NFKC, trims, collapses inner whitespace and
	// lowercases.
	NormalizeText
	// NormalizeDigits applies NFKC and keeps ASCII digits only, so
	// "123.456.789-01" and "12345678901" hash the same.
	NormalizeDigits
	// NormalizeEmail applies NFKC, trims and lowercases.
	NormalizeEmail
)

func (n Normalization) String() string {
	switch n {
	case NormalizeExact:
		return "exact"
	case NormalizeText:
		return "text"
	case NormalizeDigits:
		return "digits"
	case NormalizeEmail:
		return "email"
	default:
		return "unknown"
	}
}

// Apply returns the canonical form of s.
func (n Normalization) Apply(s string) string {
	switch n {
	case NormalizeText:
		return strings.ToLower(strings.Join(strings.Fields(norm.NFKC.String(s)), " "))
	case NormalizeDigits:
		var b strings.Builder
		for _, r := range norm.NFKC.String(s) {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	case NormalizeEmail:
		return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
	default:
		return norm.NFC.String(s)
	}
}

// Field describes one logical sensitive field. Name is bound into the
// ciphertext, so a value sealed for one field cannot be opened as another.
type Field struct {
	Name          string
	Normalization Normalization
	Searchable    bool
}

// SubjectField hashes acting user/session identifiers for analytics events.
var SubjectField = Field{Name: "analytics.subject", Normalization: NormalizeExact, Searchable: true}

// NationalID returns a searchable digits-only field, e.g. a CPF column.
func NationalID(name string) Field {
	return Field{Name: name, Normalization: NormalizeDigits, Searchable: true}
}

// Email returns a searchable email field.
func Email(name string) Field {
	return Field{Name: name, Normalization: NormalizeEmail, Searchable: true}
}

// Opaque returns a non-searchable field; Seal produces no lookup hash.
func Opaque(name string) Field {
	return Field{Name: name, Normalization: NormalizeExact}
}
