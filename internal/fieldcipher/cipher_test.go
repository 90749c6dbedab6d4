package fieldcipher

import (
	"bytes"
	"context"
	"testing"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/keys"
	"github.com/dmitrijs2005/gophvault/internal/keys/mocks"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var cpf = NationalID("patient.cpf")

func newRing(t *testing.T, versions ...uint32) *keys.Keyring {
	t.Helper()
	ring := keys.NewKeyring()
	for _, v := range versions {
		require.NoError(t, ring.AddVersion(v, bytes.Repeat([]byte{byte(v)}, cryptox.KeySize)))
	}
	require.NoError(t, ring.Activate(versions[len(versions)-1]))
	return ring
}

func newCipher(t *testing.T, p keys.Provider) *Cipher {
	t.Helper()
	c, err := New(p, bytes.Repeat([]byte{0xAB}, cryptox.KeySize), logging.NewNop())
	require.NoError(t, err)
	return c
}

func ptr(s string) *string { return &s }

func TestSealOpen_EndToEndNationalID(t *testing.T) {
	ctx := context.Background()
	c := newCipher(t, newRing(t, 1))

	sealed, err := c.Seal(ctx, cpf, ptr("123.456.789-01"))
	require.NoError(t, err)
	require.NotNil(t, sealed)
	assert.Equal(t, uint32(1), sealed.KeyVersion)
	assert.Len(t, sealed.Nonce, cryptox.NonceSize)
	assert.Len(t, sealed.LookupHash, cryptox.DigestSize)
	assert.NotContains(t, string(sealed.Ciphertext), "123.456.789-01")

	opened, err := c.Open(ctx, cpf, sealed)
	require.NoError(t, err)
	assert.Equal(t, "123.456.789-01", *opened)

	hash, err := c.HashForLookup(cpf, "123.456.789-01")
	require.NoError(t, err)
	assert.Equal(t, sealed.LookupHash, hash)

	// same identifier written differently is found by hash equality alone
	other, err := c.HashForLookup(cpf, " 12345678901 ")
	require.NoError(t, err)
	assert.Equal(t, hash, other)
}

func TestSeal_NonDeterministicCiphertextDeterministicHash(t *testing.T) {
	ctx := context.Background()
	c := newCipher(t, newRing(t, 1))

	a, err := c.SealString(ctx, cpf, "987.654.321-00")
	require.NoError(t, err)
	b, err := c.SealString(ctx, cpf, "987.654.321-00")
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.Equal(t, a.LookupHash, b.LookupHash)
}

func TestSeal_NullAndEmpty(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl) // no calls expected for nil or empty input
	c := newCipher(t, m)

	sealed, err := c.Seal(ctx, cpf, nil)
	require.NoError(t, err)
	assert.Nil(t, sealed)

	opened, err := c.Open(ctx, cpf, nil)
	require.NoError(t, err)
	assert.Nil(t, opened)

	for _, in := range []string{"", "   ", "\t\n"} {
		_, err := c.Seal(ctx, cpf, ptr(in))
		assert.ErrorIs(t, err, common.ErrEmptyPlaintext)
	}

	_, err = c.HashForLookup(cpf, "no digits here")
	assert.ErrorIs(t, err, common.ErrEmptyPlaintext)
}

func TestSeal_OpaqueFieldHasNoLookupHash(t *testing.T) {
	c := newCipher(t, newRing(t, 1))
	sealed, err := c.SealString(context.Background(), Opaque("patient.notes"), "allergic to penicillin")
	require.NoError(t, err)
	assert.Nil(t, sealed.LookupHash)
}

func TestOpen_TamperDetection(t *testing.T) {
	ctx := context.Background()
	c := newCipher(t, newRing(t, 1))
	sealed, err := c.SealString(ctx, cpf, "123.456.789-01")
	require.NoError(t, err)

	for i := range sealed.Ciphertext {
		for bit := 0; bit < 8; bit += 3 {
			tampered := *sealed
			tampered.Ciphertext = append([]byte(nil), sealed.Ciphertext...)
			tampered.Ciphertext[i] ^= 1 << bit
			out, err := c.Open(ctx, cpf, &tampered)
			require.ErrorIs(t, err, common.ErrDecryptionFailed, "ciphertext byte %d bit %d", i, bit)
			require.Nil(t, out)
		}
	}

	for i := range sealed.Nonce {
		tampered := *sealed
		tampered.Nonce = append([]byte(nil), sealed.Nonce...)
		tampered.Nonce[i] ^= 0x01
		_, err := c.Open(ctx, cpf, &tampered)
		require.ErrorIs(t, err, common.ErrDecryptionFailed, "nonce byte %d", i)
	}
}

func TestOpen_FieldSubstitutionRejected(t *testing.T) {
	ctx := context.Background()
	c := newCipher(t, newRing(t, 1))
	sealed, err := c.SealString(ctx, NationalID("patient.cpf"), "123.456.789-01")
	require.NoError(t, err)

	_, err = c.OpenString(ctx, NationalID("guardian.cpf"), sealed)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestOpen_HistoricalAndUnknownVersions(t *testing.T) {
	ctx := context.Background()
	ring := keys.NewKeyring()
	require.NoError(t, ring.AddVersion(1, bytes.Repeat([]byte{1}, cryptox.KeySize)))
	require.NoError(t, ring.Activate(1))
	c := newCipher(t, ring)

	old, err := c.SealString(ctx, cpf, "111.222.333-44")
	require.NoError(t, err)

	require.NoError(t, ring.AddVersion(2, bytes.Repeat([]byte{2}, cryptox.KeySize)))
	require.NoError(t, ring.Activate(2))

	fresh, err := c.SealString(ctx, cpf, "111.222.333-44")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), fresh.KeyVersion)
	assert.Equal(t, old.LookupHash, fresh.LookupHash, "rotation must not change lookup hashes")

	got, err := c.OpenString(ctx, cpf, old)
	require.NoError(t, err)
	assert.Equal(t, "111.222.333-44", got)

	relabelled := *old
	relabelled.KeyVersion = 2
	_, err = c.OpenString(ctx, cpf, &relabelled)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)

	relabelled.KeyVersion = 9
	_, err = c.OpenString(ctx, cpf, &relabelled)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestSealOpen_KeyUnavailableIsNotSwallowed(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	m := mocks.NewMockProvider(ctrl)
	m.EXPECT().CurrentKey(gomock.Any()).Return(uint32(0), nil, common.ErrKeyUnavailable)
	m.EXPECT().KeyByVersion(gomock.Any(), uint32(1)).Return(nil, common.ErrKeyUnavailable)

	c := newCipher(t, m)
	_, err := c.SealString(ctx, cpf, "123.456.789-01")
	assert.ErrorIs(t, err, common.ErrKeyUnavailable)

	_, err = c.OpenString(ctx, cpf, &EncryptedField{KeyVersion: 1, Nonce: make([]byte, 12), Ciphertext: make([]byte, 20)})
	assert.ErrorIs(t, err, common.ErrKeyUnavailable)
	assert.NotErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestReseal(t *testing.T) {
	ctx := context.Background()
	ring := newRing(t, 1)
	c := newCipher(t, ring)

	sealed, err := c.SealString(ctx, cpf, "123.456.789-01")
	require.NoError(t, err)
	column, err := sealed.MarshalBinary()
	require.NoError(t, err)

	_, _, err = c.Reseal(ctx, cpf, column, 2)
	assert.ErrorIs(t, err, common.ErrTargetKeyMismatch)

	same, changed, err := c.Reseal(ctx, cpf, column, 1)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, column, same)

	require.NoError(t, ring.AddVersion(2, bytes.Repeat([]byte{2}, cryptox.KeySize)))
	require.NoError(t, ring.Activate(2))

	out, changed, err := c.Reseal(ctx, cpf, column, 2)
	require.NoError(t, err)
	assert.True(t, changed)

	ef, err := Decode(out, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ef.KeyVersion)
	got, err := c.OpenString(ctx, cpf, ef)
	require.NoError(t, err)
	assert.Equal(t, "123.456.789-01", got)

	_, _, err = c.Reseal(ctx, cpf, []byte{0x07, 1, 2}, 2)
	assert.ErrorIs(t, err, common.ErrDecryptionFailed)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, bytes.Repeat([]byte{1}, 32), logging.NewNop())
	assert.Error(t, err)
	_, err = New(keys.NewKeyring(), []byte("short"), logging.NewNop())
	assert.ErrorIs(t, err, cryptox.ErrInvalidKey)
}
