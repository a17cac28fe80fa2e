package p2p

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestExtVersionEncoding(t *testing.T) {
	t.Parallel()

	m := make(ExtVersionMap)
	m.SetUint(KeyListenPort, 18444)
	m[1000] = []byte("test string")

	var buf bytes.Buffer
	msg := NewMsgExtVersion(m)
	require.NoError(t, msg.BtcEncode(&buf, payloadVersion,
		wire.BaseEncoding))

	// Entries are written in key order: 1000 first, then the listen
	// port key.
	want := []byte{0x02}
	want = append(want, 0xfd, 0xe8, 0x03, 0x0b)
	want = append(want, []byte("test string")...)
	want = append(want, 0xff, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00,
		0x00)
	want = append(want, 0x03, 0xfd, 0x0c, 0x48)
	require.Equal(t, want, buf.Bytes())

	var got MsgExtVersion
	require.NoError(t, got.BtcDecode(&buf, payloadVersion,
		wire.BaseEncoding))
	require.Equal(t, m, got.Values)

	port, ok := got.Values.Uint(KeyListenPort)
	require.True(t, ok)
	require.EqualValues(t, 18444, port)
}

func TestExtVersionPreservesUnknownKeys(t *testing.T) {
	t.Parallel()

	m := ExtVersionMap{
		0xdeadbeef:         {0x01, 0x02},
		0xffffffffffffffff: {},
	}

	var buf bytes.Buffer
	require.NoError(t, encodeMap(&buf, payloadVersion, m))
	got, err := decodeMap(&buf, payloadVersion)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestDecodeUint(t *testing.T) {
	t.Parallel()

	for _, n := range []uint64{0, 0xfc, 0xfd, 0xffff, 0x10000,
		1 << 40} {

		got, err := DecodeUint(EncodeUint(n))
		require.NoError(t, err)
		require.Equal(t, n, got)
	}

	_, err := DecodeUint([]byte{0x01, 0x02})
	require.Error(t, err)

	_, err = DecodeUint(nil)
	require.Error(t, err)
}

// TestXUpdateIgnoresFixedKeys checks that updates of keys outside the
// changeable set leave the map untouched.
func TestXUpdateIgnoresFixedKeys(t *testing.T) {
	t.Parallel()

	current := make(ExtVersionMap)
	current.SetUint(KeyListenPort, 18444)
	before := current.Clone()

	update := make(ExtVersionMap)
	update.SetUint(KeyListenPort, 1)
	update.SetUint(0x1234, 5)

	applied := applyUpdate(current, update)
	require.Empty(t, applied)
	require.Equal(t, before, current)
}

func TestXUpdateAppliesChangeableKeys(t *testing.T) {
	const key = uint64(0x00000002000000ff)
	changeableKeys[key] = struct{}{}
	t.Cleanup(func() { delete(changeableKeys, key) })

	current := ExtVersionMap{key: EncodeUint(1)}
	update := ExtVersionMap{key: EncodeUint(2)}

	applied := applyUpdate(current, update)
	require.Equal(t, []uint64{key}, applied)

	v, ok := current.Uint(key)
	require.True(t, ok)
	require.EqualValues(t, 2, v)
}

func TestKeyName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "LISTEN_PORT", KeyName(KeyListenPort))
	require.Equal(t, "00000000000003e8", KeyName(1000))
}
