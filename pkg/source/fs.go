package source

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/progress"
)

// FSFetcher reads checkpoints from a replay directory of <seq>.chk files.
type FSFetcher struct {
	dir string
}

func NewFSFetcher(dir string) (*FSFetcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "opening replay directory")
	}
	if !info.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}
	return &FSFetcher{dir: dir}, nil
}

// Fetch returns ErrUnavailable while nothing at or after seq exists, and a
// GapError when a later checkpoint is present but seq is not.
//
// The directory may be written concurrently by an in-order producer, so seq
// can appear together with later files between the first read and the
// listing. seq is read again after a later file is seen; only a file still
// missing then is a gap.
func (f *FSFetcher) Fetch(ctx context.Context, seq uint64) ([]byte, error) {
	data, found, err := f.read(seq)
	if found || err != nil {
		return data, err
	}

	later, ok, err := f.nextAfter(seq)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrUnavailable, "checkpoint %d not in %s", seq, f.dir)
	}

	data, found, err = f.read(seq)
	if found || err != nil {
		return data, err
	}
	return nil, &GapError{Expected: seq, Found: later}
}

func (f *FSFetcher) read(seq uint64) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, checkpoint.FileName(seq)))
	switch {
	case err == nil:
		return data, true, nil
	case os.IsNotExist(err):
		return nil, false, nil
	}
	return nil, false, errors.Wrapf(err, "reading checkpoint %d", seq)
}

func (f *FSFetcher) nextAfter(seq uint64) (uint64, bool, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, false, errors.Wrap(err, "listing replay directory")
	}
	var (
		next  uint64
		found bool
	)
	for _, e := range entries {
		n, ok := checkpoint.ParseFileName(e.Name())
		if !ok || n <= seq {
			continue
		}
		if !found || n < next {
			next, found = n, true
		}
	}
	return next, found, nil
}

func (f *FSFetcher) Close() error {
	return nil
}

// WriteCheckpointFile stores cp in dir the way FSFetcher expects it.
func WriteCheckpointFile(dir string, cp *checkpoint.Checkpoint) error {
	data, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	return progress.WriteAtomic(filepath.Join(dir, checkpoint.FileName(cp.SequenceNumber)), data)
}
