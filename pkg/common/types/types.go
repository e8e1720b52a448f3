package types

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// DigestLength is the size in bytes of every digest and object identifier.
const DigestLength = 32

// Digest is a 32-byte hash. It encodes as lowercase hex in text formats.
type Digest [DigestLength]byte

// ObjectID identifies an object across versions.
type ObjectID [DigestLength]byte

// ObjectRef pins an object at one version. The live object set is a set of refs.
type ObjectRef struct {
	ID      ObjectID `json:"id"`
	Version uint64   `json:"version"`
	Digest  Digest   `json:"digest"`
}

// ParseDigest decodes a hex digest, with or without a 0x prefix.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return d, errors.Wrapf(err, "invalid digest %q", s)
	}
	if len(raw) != DigestLength {
		return d, errors.Errorf("invalid digest %q: want %d bytes, got %d", s, DigestLength, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Repeat returns a digest with every byte set to b.
func Repeat(b byte) Digest {
	var d Digest
	for i := range d {
		d[i] = b
	}
	return d
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (id ObjectID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ObjectID) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*id = ObjectID(parsed)
	return nil
}

// ObjectIDFromUint builds the well-known short addresses (0x5 and friends).
func ObjectIDFromUint(v uint64) ObjectID {
	var id ObjectID
	for i := 0; i < 8; i++ {
		id[DigestLength-1-i] = byte(v >> (8 * i))
	}
	return id
}

// SystemStateObjectID is the address of the shared system-state object.
var SystemStateObjectID = ObjectIDFromUint(5)
