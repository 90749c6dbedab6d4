// Package keys resolves versioned field-encryption keys. The production key
// service (a cloud KMS) lives outside this module and is reached through
// Provider; Keyring is the in-process implementation used for development
// and tests.
package keys

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks . Provider

import "context"

// Provider hands out the active encryption key and every historical key
// version still needed to decrypt existing data.
//
// Implementations return common.ErrKeyUnavailable when the key service
// cannot be reached and common.ErrKeyNotFound for a version that was never
// issued. Callers must treat both as fatal for the operation in flight.
type Provider interface {
	CurrentKey(ctx context.Context) (version uint32, key []byte, err error)
	KeyByVersion(ctx context.Context, version uint32) ([]byte, error)
}
