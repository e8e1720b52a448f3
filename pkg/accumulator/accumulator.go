// Package accumulator implements an elliptic-curve multiset hash (ECMH) over
// the live object set.
//
// Every object ref maps to a secp256k1 point; the set digest is the hash of
// the sum of those points. Point addition commutes, so the digest does not
// depend on the order mutations are applied in, and removing a ref is adding
// the negated point.
package accumulator

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
)

// EncodedLength is the size of a marshalled accumulator: a compressed point,
// or all zeros for the empty set.
const EncodedLength = 33

var hashToCurveDomain = []byte("checkpoint-indexer/ecmh/v1")

// Accumulator is not safe for concurrent use. Each pipeline owns its own.
type Accumulator struct {
	sum btcec.JacobianPoint
}

// New returns the accumulator of the empty set.
func New() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) isEmpty() bool {
	return a.sum.Z.IsZero() || (a.sum.X.IsZero() && a.sum.Y.IsZero())
}

// Insert adds ref to the multiset.
func (a *Accumulator) Insert(ref types.ObjectRef) {
	p := hashToCurve(ref)
	a.add(&p)
}

// Remove takes ref out of the multiset. Removing a ref that was never
// inserted leaves the inverse point behind; a later Insert cancels it.
func (a *Accumulator) Remove(ref types.ObjectRef) {
	p := hashToCurve(ref)
	p.Y.Negate(1).Normalize()
	a.add(&p)
}

func (a *Accumulator) add(p *btcec.JacobianPoint) {
	if a.isEmpty() {
		a.sum = *p
		return
	}
	var result btcec.JacobianPoint
	btcec.AddNonConst(&a.sum, p, &result)
	a.sum = result
}

// Update applies every mutation of one checkpoint.
func (a *Accumulator) Update(mutations []checkpoint.ObjectMutation) error {
	for i, m := range mutations {
		switch m.Kind {
		case checkpoint.Insert:
			a.Insert(m.Object)
		case checkpoint.Remove:
			a.Remove(m.Object)
		default:
			return errors.Errorf("mutation %d: unknown kind %d", i, m.Kind)
		}
	}
	return nil
}

// Snapshot returns the digest of the current set without resetting it.
func (a *Accumulator) Snapshot() types.Digest {
	enc := a.encode()
	return types.Digest(blake2b.Sum256(enc[:]))
}

// Clone returns an independent copy.
func (a *Accumulator) Clone() *Accumulator {
	return &Accumulator{sum: a.sum}
}

func (a *Accumulator) encode() [EncodedLength]byte {
	var out [EncodedLength]byte
	if a.isEmpty() {
		return out
	}
	p := a.sum
	p.ToAffine()
	if p.X.IsZero() && p.Y.IsZero() {
		return out
	}
	out[0] = 0x02
	if p.Y.IsOdd() {
		out[0] = 0x03
	}
	p.X.PutBytesUnchecked(out[1:])
	return out
}

func (a *Accumulator) MarshalBinary() ([]byte, error) {
	enc := a.encode()
	return enc[:], nil
}

func (a *Accumulator) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedLength {
		return errors.Errorf("accumulator encoding has %d bytes, want %d", len(data), EncodedLength)
	}
	if data[0] == 0 {
		for _, b := range data[1:] {
			if b != 0 {
				return errors.New("accumulator encoding has zero prefix but non-zero body")
			}
		}
		a.sum = btcec.JacobianPoint{}
		return nil
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return errors.Errorf("accumulator encoding has invalid prefix %#x", data[0])
	}

	var x, y btcec.FieldVal
	if overflow := x.SetByteSlice(data[1:]); overflow {
		return errors.New("accumulator x coordinate overflows the field")
	}
	if !btcec.DecompressY(&x, data[0] == 0x03, &y) {
		return errors.New("accumulator encoding is not on the curve")
	}
	var one btcec.FieldVal
	one.SetInt(1)
	a.sum = btcec.MakeJacobianPoint(&x, &y, &one)
	return nil
}

// hashToCurve maps a ref to a curve point by try-and-increment: hash the ref
// with a counter until the hash is the x coordinate of a point, then take the
// even y.
func hashToCurve(ref types.ObjectRef) btcec.JacobianPoint {
	var msg [types.DigestLength + 8 + types.DigestLength]byte
	copy(msg[:], ref.ID[:])
	binary.BigEndian.PutUint64(msg[types.DigestLength:], ref.Version)
	copy(msg[types.DigestLength+8:], ref.Digest[:])

	for counter := uint32(0); ; counter++ {
		h, _ := blake2b.New256(nil)
		h.Write(hashToCurveDomain)
		var ctr [4]byte
		binary.BigEndian.PutUint32(ctr[:], counter)
		h.Write(ctr[:])
		h.Write(msg[:])
		sum := h.Sum(nil)

		var x, y btcec.FieldVal
		if overflow := x.SetByteSlice(sum); overflow {
			continue
		}
		if !btcec.DecompressY(&x, false, &y) {
			continue
		}
		var one btcec.FieldVal
		one.SetInt(1)
		return btcec.MakeJacobianPoint(&x, &y, &one)
	}
}
