package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte width of an identity on the wire and in agreement records.
const Size = 32

const checksumLength = 4

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrMalformed is returned when a textual identity cannot be parsed.
var ErrMalformed = errors.New("identity: malformed")

// ID is an opaque 32-byte public identifier of a party, a program, or an
// account. For parties it is the ed25519 public key.
type ID [Size]byte

// Zero is the all-zero identity.
var Zero ID

// FromPublicKey converts an ed25519 public key to an ID.
func FromPublicKey(pub ed25519.PublicKey) (ID, error) {
	var id ID
	if len(pub) != ed25519.PublicKeySize {
		return id, fmt.Errorf("identity: public key has %d bytes", len(pub))
	}
	copy(id[:], pub)
	return id, nil
}

// FromBytes copies b into an ID; b must be exactly Size bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// PublicKey returns the identity interpreted as an ed25519 public key.
func (id ID) PublicKey() ed25519.PublicKey {
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, id[:])
	return pub
}

// Bytes returns a copy of the identity bytes.
func (id ID) Bytes() []byte {
	return append([]byte(nil), id[:]...)
}

// IsZero reports whether id is the all-zero identity.
func (id ID) IsZero() bool {
	return id == Zero
}

func (id ID) checksum() []byte {
	sum := blake2b.Sum256(id[:])
	return sum[len(sum)-checksumLength:]
}

// String returns the base32 form of the identity followed by a 4 byte
// checksum, without padding.
func (id ID) String() string {
	buf := make([]byte, 0, Size+checksumLength)
	buf = append(buf, id[:]...)
	buf = append(buf, id.checksum()...)
	return encoding.EncodeToString(buf)
}

// Parse decodes the checksummed text form produced by String.
func Parse(s string) (ID, error) {
	var id ID
	decoded, err := encoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %q is not base32", ErrMalformed, s)
	}
	if len(decoded) != Size+checksumLength {
		return id, fmt.Errorf("%w: %q has %d bytes", ErrMalformed, s, len(decoded))
	}
	copy(id[:], decoded[:Size])
	if !bytes.Equal(decoded[Size:], id.checksum()) {
		return ID{}, fmt.Errorf("%w: %q checksum mismatch", ErrMalformed, s)
	}
	if id.String() != s {
		return ID{}, fmt.Errorf("%w: %q is non-canonical", ErrMalformed, s)
	}
	return id, nil
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
