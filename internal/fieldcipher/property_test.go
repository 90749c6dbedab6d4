//go:build property
// +build property

package fieldcipher

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/keys"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func propertyCipher(t *testing.T) *Cipher {
	ring := keys.NewKeyring()
	if err := ring.AddVersion(1, bytes.Repeat([]byte{1}, cryptox.KeySize)); err != nil {
		t.Fatal(err)
	}
	if err := ring.Activate(1); err != nil {
		t.Fatal(err)
	}
	c, err := New(ring, bytes.Repeat([]byte{2}, cryptox.KeySize), logging.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

// Property: Open(Seal(p)) == p for every non-blank p.
func TestSealOpenRoundTrip(t *testing.T) {
	c := propertyCipher(t)
	f := Field{Name: "any", Normalization: NormalizeText, Searchable: true}
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("round trip", prop.ForAll(
		func(p string) bool {
			if strings.TrimSpace(p) == "" {
				return true
			}
			sealed, err := c.SealString(ctx, f, p)
			if err != nil {
				return false
			}
			got, err := c.OpenString(ctx, f, sealed)
			return err == nil && got == p
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// Property: two seals differ in nonce and ciphertext but share the hash.
func TestSealHashDeterminism(t *testing.T) {
	c := propertyCipher(t)
	f := NationalID("id")
	ctx := context.Background()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("hash stable, ciphertext fresh", prop.ForAll(
		func(p string) bool {
			a, err1 := c.SealString(ctx, f, p)
			b, err2 := c.SealString(ctx, f, p)
			if err1 != nil || err2 != nil {
				return false
			}
			return !bytes.Equal(a.Nonce, b.Nonce) &&
				!bytes.Equal(a.Ciphertext, b.Ciphertext) &&
				bytes.Equal(a.LookupHash, b.LookupHash)
		},
		gen.NumString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}

// Property: flipping any ciphertext bit makes Open fail.
func TestTamperAlwaysDetected(t *testing.T) {
	c := propertyCipher(t)
	f := Opaque("note")
	ctx := context.Background()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("bit flip detected", prop.ForAll(
		func(p string, pos int, bit uint8) bool {
			sealed, err := c.SealString(ctx, f, "x"+p)
			if err != nil {
				return false
			}
			i := pos % len(sealed.Ciphertext)
			sealed.Ciphertext[i] ^= 1 << (bit % 8)
			_, err = c.OpenString(ctx, f, sealed)
			return err != nil
		},
		gen.AlphaString(),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
