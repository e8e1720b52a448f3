package store

import (
	"bytes"
	"context"

	"github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// regionSeparator cannot appear in region names, so region prefixes never
// overlap.
const regionSeparator = 0x00

// Badger stores every region in one embedded Badger database.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a database in dir. An empty dir keeps the
// database in memory.
func OpenBadger(dir string, log *logrus.Entry) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log != nil {
		opts = opts.WithLogger(log.WithField("store", "badger"))
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger database at %q", dir)
	}
	return &Badger{db: db}, nil
}

func regionPrefix(region string) []byte {
	return append([]byte(region), regionSeparator)
}

func regionKey(region string, key []byte) []byte {
	return append(regionPrefix(region), key...)
}

// retrieve and insert mirror the closure style of the storage operations:
// each returns a function that runs inside a Badger transaction.
func retrieve(key []byte, out *[]byte) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "could not load value")
		}
		*out, err = item.ValueCopy(nil)
		return errors.Wrap(err, "could not copy value")
	}
}

func insert(key, value []byte) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		return errors.Wrap(txn.Set(key, value), "could not store value")
	}
}

func findLast(prefix []byte, outKey, outValue *[]byte) func(*badger.Txn) error {
	return func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xff}, 64)...)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		item := it.Item()
		*outKey = append([]byte(nil), item.Key()[len(prefix):]...)
		var err error
		*outValue, err = item.ValueCopy(nil)
		return errors.Wrap(err, "could not copy value")
	}
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) Get(region string, key []byte) ([]byte, error) {
	var out []byte
	err := retrieve(regionKey(region, key), &out)(t.txn)
	return out, err
}

func (t *badgerTx) Last(region string) ([]byte, []byte, error) {
	var k, v []byte
	err := findLast(regionPrefix(region), &k, &v)(t.txn)
	return k, v, err
}

func (t *badgerTx) Put(region string, key, value []byte) error {
	return insert(regionKey(region, key), value)(t.txn)
}

func (b *Badger) View(ctx context.Context, fn func(Reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (b *Badger) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}
