package models

import "time"

// ProtectedField is a row of protected_fields. Ciphertext is the encoded
// fieldcipher layout; KeyVersion mirrors the version inside it so rotation
// scans can use an index.
type ProtectedField struct {
	ID         string
	FieldName  string
	Ciphertext []byte
	LookupHash []byte
	KeyVersion uint32
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
