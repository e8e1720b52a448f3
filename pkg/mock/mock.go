// Package mock provides genesis fixtures and a checkpoint builder for tests
// and local replays.
package mock

import (
	"encoding/binary"
	"encoding/json"

	"golang.org/x/crypto/blake2b"

	"github.com/withObsrvr/checkpoint-indexer/pkg/checkpoint"
	"github.com/withObsrvr/checkpoint-indexer/pkg/common/types"
	"github.com/withObsrvr/checkpoint-indexer/pkg/systemstate"
)

// StoredGenesis is the genesis record of the mock chain.
func StoredGenesis() systemstate.GenesisRecord {
	return systemstate.GenesisRecord{
		GenesisDigest:          types.Repeat(1),
		InitialProtocolVersion: 0,
	}
}

// SystemStateInnerV1 is an all-defaults V1 state for epoch 0.
func SystemStateInnerV1() systemstate.InnerV1 {
	return systemstate.InnerV1{SystemStateVersion: 1}
}

// SystemStateInnerV2 is an all-defaults V2 state for epoch 0.
func SystemStateInnerV2() systemstate.InnerV2 {
	return systemstate.InnerV2{SystemStateVersion: 2}
}

// GenesisOutputObjects are the objects a genesis checkpoint writes for state:
// the system-state object carrying it.
func GenesisOutputObjects(state systemstate.State) []checkpoint.ObjectMutation {
	s := state.Clone()
	return []checkpoint.ObjectMutation{{
		Kind:        checkpoint.Insert,
		Object:      systemStateRef(s, 1),
		SystemState: &s,
	}}
}

func systemStateRef(state systemstate.State, version uint64) types.ObjectRef {
	data, _ := json.Marshal(state)
	return types.ObjectRef{
		ID:      types.SystemStateObjectID,
		Version: version,
		Digest:  types.Digest(blake2b.Sum256(data)),
	}
}

func objectDigest(id types.ObjectID, version uint64) types.Digest {
	var buf [types.DigestLength + 8]byte
	copy(buf[:], id[:])
	binary.BigEndian.PutUint64(buf[types.DigestLength:], version)
	return types.Digest(blake2b.Sum256(buf[:]))
}

func checkpointDigest(seq uint64) types.Digest {
	var buf [9]byte
	buf[0] = 'c'
	binary.BigEndian.PutUint64(buf[1:], seq)
	return types.Digest(blake2b.Sum256(buf[:]))
}
