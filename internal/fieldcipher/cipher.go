// Package fieldcipher seals individual sensitive field values with
// AES-256-GCM and derives a keyed, deterministic lookup hash so callers can
// run equality queries without decrypting stored rows.
//
// Null handling: a nil plaintext seals to a nil *EncryptedField and a nil
// field opens to a nil plaintext. An empty or whitespace-only string is
// rejected with common.ErrEmptyPlaintext; store NULL instead.
package fieldcipher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/keys"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/dmitrijs2005/gophvault/internal/fieldcipher"

// Cipher is safe for concurrent use. It holds no mutable state; the only
// blocking call is the key provider round-trip.
type Cipher struct {
	keys      keys.Provider
	lookupKey []byte
	log       logging.Logger
	tracer    trace.Tracer
}

// New builds a Cipher. lookupKey keys the lookup hash and must stay stable
// across encryption key rotations, otherwise existing hashes stop matching.
func New(provider keys.Provider, lookupKey []byte, log logging.Logger) (*Cipher, error) {
	if provider == nil {
		return nil, errors.New("key provider is required")
	}
	if len(lookupKey) < cryptox.KeySize {
		return nil, fmt.Errorf("%w: lookup key must be at least %d bytes", cryptox.ErrInvalidKey, cryptox.KeySize)
	}
	return &Cipher{
		keys:      provider,
		lookupKey: append([]byte(nil), lookupKey...),
		log:       log.With("component", "fieldcipher"),
		tracer:    otel.Tracer(tracerName),
	}, nil
}

func (c *Cipher) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, string(common.CodeOf(err)))
	return err
}

// Seal encrypts plaintext under the current key version.
func (c *Cipher) Seal(ctx context.Context, f Field, plaintext *string) (*EncryptedField, error) {
	if plaintext == nil {
		return nil, nil
	}
	return c.SealString(ctx, f, *plaintext)
}

// SealString is Seal for a value known to be present.
func (c *Cipher) SealString(ctx context.Context, f Field, plaintext string) (*EncryptedField, error) {
	ctx, span := c.tracer.Start(ctx, "fieldcipher.Seal", trace.WithAttributes(attribute.String("field", f.Name)))
	defer span.End()

	if strings.TrimSpace(plaintext) == "" {
		return nil, c.fail(span, common.NewFieldError(common.ErrEmptyPlaintext, f.Name, ""))
	}

	version, key, err := c.keys.CurrentKey(ctx)
	if err != nil {
		c.log.Error(ctx, "current key lookup failed", "field", f.Name, "error", err)
		return nil, c.fail(span, fmt.Errorf("seal %s: %w", f.Name, err))
	}
	span.SetAttributes(attribute.Int64("key_version", int64(version)))

	sealed, err := c.seal(f, version, key, []byte(plaintext))
	if err != nil {
		return nil, c.fail(span, err)
	}
	return sealed, nil
}

func (c *Cipher) seal(f Field, version uint32, key, plaintext []byte) (*EncryptedField, error) {
	nonce, ciphertext, err := cryptox.Seal(key, plaintext, associatedData(version, f.Name))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", f.Name, err)
	}

	out := &EncryptedField{KeyVersion: version, Nonce: nonce, Ciphertext: ciphertext}
	if f.Searchable {
		hash, err := c.HashForLookup(f, string(plaintext))
		if err != nil {
			return nil, err
		}
		out.LookupHash = hash
	}
	return out, nil
}

// Open decrypts a sealed field. Tampering, a wrong field name, or a key
// version the provider never issued all fail with
// common.ErrDecryptionFailed; provider outages fail with
// common.ErrKeyUnavailable.
func (c *Cipher) Open(ctx context.Context, f Field, ef *EncryptedField) (*string, error) {
	if ef == nil {
		return nil, nil
	}
	plaintext, err := c.OpenString(ctx, f, ef)
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}

// OpenString is Open for a field known to be present.
func (c *Cipher) OpenString(ctx context.Context, f Field, ef *EncryptedField) (string, error) {
	ctx, span := c.tracer.Start(ctx, "fieldcipher.Open", trace.WithAttributes(
		attribute.String("field", f.Name),
		attribute.Int64("key_version", int64(ef.KeyVersion)),
	))
	defer span.End()

	plaintext, err := c.open(ctx, f, ef)
	if err != nil {
		return "", c.fail(span, err)
	}
	defer shared.WipeByteArray(plaintext)
	return string(plaintext), nil
}

func (c *Cipher) open(ctx context.Context, f Field, ef *EncryptedField) ([]byte, error) {
	key, err := c.keys.KeyByVersion(ctx, ef.KeyVersion)
	switch {
	case errors.Is(err, common.ErrKeyNotFound):
		c.log.Error(ctx, "ciphertext references unknown key version", "field", f.Name, "key_version", ef.KeyVersion)
		return nil, fmt.Errorf("%w: field %s: %w", common.ErrDecryptionFailed, f.Name, err)
	case err != nil:
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}

	plaintext, err := cryptox.Open(key, ef.Nonce, ef.Ciphertext, associatedData(ef.KeyVersion, f.Name))
	if err != nil {
		c.log.Error(ctx, "authentication failed", "field", f.Name, "key_version", ef.KeyVersion)
		return nil, fmt.Errorf("%w: field %s", common.ErrDecryptionFailed, f.Name)
	}
	return plaintext, nil
}

// HashForLookup returns the lookup hash Seal would store for candidate.
// It is pure: no key service round-trip, no randomness.
func (c *Cipher) HashForLookup(f Field, candidate string) ([]byte, error) {
	normalized := f.Normalization.Apply(candidate)
	if strings.TrimSpace(normalized) == "" {
		return nil, common.NewFieldError(common.ErrEmptyPlaintext, f.Name, "empty after normalization")
	}
	return cryptox.MAC(c.lookupKey, []byte(f.Name), []byte(normalized)), nil
}

// Reseal re-encrypts an encoded ciphertext column under the current key.
// target must be the current key version, otherwise
// common.ErrTargetKeyMismatch is returned. A column already at target is
// returned unchanged with changed=false. The lookup hash is unaffected by
// rotation.
func (c *Cipher) Reseal(ctx context.Context, f Field, column []byte, target uint32) (out []byte, changed bool, err error) {
	ctx, span := c.tracer.Start(ctx, "fieldcipher.Reseal", trace.WithAttributes(
		attribute.String("field", f.Name),
		attribute.Int64("target_version", int64(target)),
	))
	defer span.End()

	ef, err := Decode(column, nil)
	if err != nil {
		return nil, false, c.fail(span, err)
	}
	if ef.KeyVersion == target {
		return column, false, nil
	}

	version, key, err := c.keys.CurrentKey(ctx)
	if err != nil {
		return nil, false, c.fail(span, fmt.Errorf("reseal %s: %w", f.Name, err))
	}
	if version != target {
		return nil, false, c.fail(span, fmt.Errorf("%w: current %d, target %d", common.ErrTargetKeyMismatch, version, target))
	}

	plaintext, err := c.open(ctx, f, ef)
	if err != nil {
		return nil, false, c.fail(span, err)
	}
	defer shared.WipeByteArray(plaintext)

	nonce, ciphertext, err := cryptox.Seal(key, plaintext, associatedData(version, f.Name))
	if err != nil {
		return nil, false, c.fail(span, fmt.Errorf("reseal %s: %w", f.Name, err))
	}
	resealed := &EncryptedField{KeyVersion: version, Nonce: nonce, Ciphertext: ciphertext}
	out, err = resealed.MarshalBinary()
	if err != nil {
		return nil, false, c.fail(span, err)
	}
	return out, true, nil
}
