package fieldcipher

import (
	"encoding/binary"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
)

// LayoutV1 is the leading byte of the current ciphertext column layout:
//
//	[0x01][keyVersion uint32 big endian][nonce 12 bytes][ciphertext || tag]
//
// Any change to the layout must use a new leading byte so old rows keep
// decoding.
const LayoutV1 byte = 0x01

const headerSize = 1 + 4

// EncryptedField is the sealed form of one sensitive value. It is stored as
// two columns: MarshalBinary output and LookupHash.
type EncryptedField struct {
	KeyVersion uint32
	Nonce      []byte
	Ciphertext []byte
	// LookupHash is nil for fields that are not searchable.
	LookupHash []byte
}

// MarshalBinary encodes the ciphertext column.
func (f *EncryptedField) MarshalBinary() ([]byte, error) {
	if len(f.Nonce) != cryptox.NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", cryptox.NonceSize, len(f.Nonce))
	}
	if len(f.Ciphertext) < cryptox.TagSize {
		return nil, fmt.Errorf("ciphertext shorter than the authentication tag")
	}
	out := make([]byte, headerSize+len(f.Nonce)+len(f.Ciphertext))
	out[0] = LayoutV1
	binary.BigEndian.PutUint32(out[1:headerSize], f.KeyVersion)
	copy(out[headerSize:], f.Nonce)
	copy(out[headerSize+cryptox.NonceSize:], f.Ciphertext)
	return out, nil
}

// UnmarshalBinary decodes the ciphertext column. LookupHash is left
// untouched since it lives in its own column. Malformed input fails with
// common.ErrDecryptionFailed.
func (f *EncryptedField) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty ciphertext column", common.ErrDecryptionFailed)
	}
	if b[0] != LayoutV1 {
		return fmt.Errorf("%w: unsupported layout 0x%02x", common.ErrDecryptionFailed, b[0])
	}
	if len(b) < headerSize+cryptox.NonceSize+cryptox.TagSize {
		return fmt.Errorf("%w: truncated ciphertext column", common.ErrDecryptionFailed)
	}
	f.KeyVersion = binary.BigEndian.Uint32(b[1:headerSize])
	f.Nonce = append([]byte(nil), b[headerSize:headerSize+cryptox.NonceSize]...)
	f.Ciphertext = append([]byte(nil), b[headerSize+cryptox.NonceSize:]...)
	return nil
}

// Decode is UnmarshalBinary for callers holding a column value.
func Decode(column, lookupHash []byte) (*EncryptedField, error) {
	f := &EncryptedField{}
	if err := f.UnmarshalBinary(column); err != nil {
		return nil, err
	}
	if len(lookupHash) > 0 {
		f.LookupHash = append([]byte(nil), lookupHash...)
	}
	return f, nil
}

// associatedData binds the ciphertext to its layout, key version and
// logical field name.
func associatedData(version uint32, field string) []byte {
	ad := make([]byte, headerSize, headerSize+len(field))
	ad[0] = LayoutV1
	binary.BigEndian.PutUint32(ad[1:], version)
	return append(ad, field...)
}
