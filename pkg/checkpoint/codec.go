package checkpoint

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// FileExtension is the suffix of serialized checkpoint files and objects.
const FileExtension = ".chk"

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 1 << 24}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a checkpoint to canonical CBOR.
func Encode(cp *Checkpoint) ([]byte, error) {
	data, err := encMode.Marshal(cp)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding checkpoint %d", cp.SequenceNumber)
	}
	return data, nil
}

// Decode parses and validates a serialized checkpoint.
func Decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := decMode.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrap(err, "decoding checkpoint")
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// FileName is the object name a checkpoint is stored under.
func FileName(seq uint64) string {
	return fmt.Sprintf("%d%s", seq, FileExtension)
}

// ParseFileName reverses FileName.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, FileExtension) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimSuffix(name, FileExtension), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
