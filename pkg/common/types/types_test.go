package types

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigest(t *testing.T) {
	want := Repeat(0xab)
	d, err := ParseDigest(want.String())
	require.NoError(t, err)
	assert.Equal(t, want, d)

	d, err = ParseDigest("0x" + want.String())
	require.NoError(t, err)
	assert.Equal(t, want, d)

	_, err = ParseDigest("zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid digest "zz"`)
	var invalid hex.InvalidByteError
	assert.True(t, errors.As(err, &invalid), "the hex error stays reachable")

	_, err = ParseDigest("abcd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 32 bytes, got 2")
}

func TestObjectIDText(t *testing.T) {
	id := ObjectIDFromUint(5)
	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, 2+2*DigestLength)
	assert.True(t, strings.HasPrefix(string(text), "0x00"))
	assert.True(t, strings.HasSuffix(string(text), "05"))

	var back ObjectID
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, SystemStateObjectID, back)
}
