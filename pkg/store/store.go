// Package store is the durable key/value layer every pipeline writes through.
//
// Data is grouped in named regions (one per pipeline view, plus genesis and
// watermarks). All writes of one Update call commit together or not at all,
// which is what lets a pipeline write its rows and its watermark atomically.
package store

import (
	"context"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by Get and Last when nothing is stored.
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("store is closed")
	ErrReadOnly = errors.New("write in read-only transaction")
	// ErrPermanent marks a backend error that retrying the same write cannot
	// fix, such as a rejected value or a broken schema.
	ErrPermanent = errors.New("permanent storage error")
)

// Reader reads committed values, or the pending values of the enclosing
// transaction when used inside Update.
type Reader interface {
	Get(region string, key []byte) ([]byte, error)
	// Last returns the entry with the greatest key in region.
	Last(region string) (key, value []byte, err error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader
	Put(region string, key, value []byte) error
}

// Store is implemented by the memory, Badger and SQL backends.
type Store interface {
	View(ctx context.Context, fn func(Reader) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// SeqKey encodes a sequence or epoch number so keys sort numerically.
func SeqKey(n uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], n)
	return k[:]
}

// DecodeSeqKey reverses SeqKey.
func DecodeSeqKey(k []byte) (uint64, error) {
	if len(k) != 8 {
		return 0, errors.Errorf("sequence key has %d bytes, want 8", len(k))
	}
	return binary.BigEndian.Uint64(k), nil
}

// NameKey is the key for singleton rows addressed by name.
func NameKey(name string) []byte {
	return []byte(name)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// Put encodes v as CBOR and writes it.
func Put(tx Tx, region string, key []byte, v interface{}) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding %s value", region)
	}
	return tx.Put(region, key, data)
}

// Get reads and decodes a CBOR value.
func Get(r Reader, region string, key []byte, v interface{}) error {
	data, err := r.Get(region, key)
	if err != nil {
		return err
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decoding %s value", region)
	}
	return nil
}

// Last reads and decodes the greatest entry of a sequence-keyed region.
func Last(r Reader, region string, v interface{}) (uint64, error) {
	k, data, err := r.Last(region)
	if err != nil {
		return 0, err
	}
	seq, err := DecodeSeqKey(k)
	if err != nil {
		return 0, errors.Wrapf(err, "region %s", region)
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return 0, errors.Wrapf(err, "decoding %s value", region)
	}
	return seq, nil
}

// Exists reports whether key is present in region.
func Exists(r Reader, region string, key []byte) (bool, error) {
	_, err := r.Get(region, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
