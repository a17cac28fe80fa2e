package p2p

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/wire"
)

// Extended version keys. The high 32 bits name the implementation that
// registered the key; 2 is this node's family.
const (
	KeyExtVersionVersion uint64 = 0x0000000000000000

	KeyListenPort                  uint64 = 0x0000000200000000
	KeyGrapheneMaxVersionSupported uint64 = 0x0000000200000001
	KeyMsgIgnoreChecksum           uint64 = 0x0000000200000002
	KeyXThinVersion                uint64 = 0x0000000200000003
	KeyGrapheneFastFilterPref      uint64 = 0x0000000200000004
	KeyGrapheneMinVersionSupported uint64 = 0x0000000200000005
	KeyMempoolSync                 uint64 = 0x0000000200000006
	KeyMempoolSyncMinVersion       uint64 = 0x0000000200000007
	KeyMempoolSyncMaxVersion       uint64 = 0x0000000200000008
	KeyMempoolAncestorCountLimit   uint64 = 0x0000000200000009
	KeyMempoolAncestorSizeLimit    uint64 = 0x000000020000000a
	KeyMempoolDescendantCountLimit uint64 = 0x000000020000000b
	KeyMempoolDescendantSizeLimit  uint64 = 0x000000020000000c
	KeyTxnConcatenation            uint64 = 0x000000020000000d

	KeyElectrumServerPortTCP         uint64 = 0x000000020000f00d
	KeyElectrumServerProtocolVersion uint64 = 0x000000020000f00e
	KeyElectrumWSServerPortTCP       uint64 = 0x000000020000f00f
)

// ExtVersionVersion is the value this harness sends under
// KeyExtVersionVersion: major*10000 + minor*100 + revision for 0.1.0.
const ExtVersionVersion = 100

// keyNames maps registered keys to readable names.
var keyNames = map[uint64]string{
	KeyExtVersionVersion:             "EXTVERSION_VERSION",
	KeyListenPort:                    "LISTEN_PORT",
	KeyGrapheneMaxVersionSupported:   "GRAPHENE_MAX_VERSION_SUPPORTED",
	KeyMsgIgnoreChecksum:             "MSG_IGNORE_CHECKSUM",
	KeyXThinVersion:                  "XTHIN_VERSION",
	KeyGrapheneFastFilterPref:        "GRAPHENE_FAST_FILTER_PREF",
	KeyGrapheneMinVersionSupported:   "GRAPHENE_MIN_VERSION_SUPPORTED",
	KeyMempoolSync:                   "MEMPOOL_SYNC",
	KeyMempoolSyncMinVersion:         "MEMPOOL_SYNC_MIN_VERSION_SUPPORTED",
	KeyMempoolSyncMaxVersion:         "MEMPOOL_SYNC_MAX_VERSION_SUPPORTED",
	KeyMempoolAncestorCountLimit:     "MEMPOOL_ANCESTOR_COUNT_LIMIT",
	KeyMempoolAncestorSizeLimit:      "MEMPOOL_ANCESTOR_SIZE_LIMIT",
	KeyMempoolDescendantCountLimit:   "MEMPOOL_DESCENDANT_COUNT_LIMIT",
	KeyMempoolDescendantSizeLimit:    "MEMPOOL_DESCENDANT_SIZE_LIMIT",
	KeyTxnConcatenation:              "TXN_CONCATENATION",
	KeyElectrumServerPortTCP:         "ELECTRUM_SERVER_PORT_TCP",
	KeyElectrumServerProtocolVersion: "ELECTRUM_SERVER_PROTOCOL_VERSION",
	KeyElectrumWSServerPortTCP:       "ELECTRUM_WS_SERVER_PORT_TCP",
}

// changeableKeys holds the keys an xupdate may modify after the handshake.
// No key is changeable yet.
var changeableKeys = map[uint64]struct{}{}

// KeyName returns the registered name of key, or its hex form.
func KeyName(key uint64) string {
	if name, ok := keyNames[key]; ok {
		return name
	}
	return fmt.Sprintf("%016x", key)
}

// IsChangeable reports whether key may be updated through xupdate.
func IsChangeable(key uint64) bool {
	_, ok := changeableKeys[key]
	return ok
}

const (
	// maxExtVersionEntries bounds the number of map entries accepted.
	maxExtVersionEntries = 1024

	// maxExtVersionValue bounds a single value.
	maxExtVersionValue = 10000

	// maxExtVersionPayload bounds the whole payload.
	maxExtVersionPayload = 100000
)

// ExtVersionMap is the key/value map carried by the extended version family
// of messages. Values are opaque bytes; integers are stored as compact size
// encodings inside the value.
type ExtVersionMap map[uint64][]byte

// Uint returns the integer stored under key.
func (m ExtVersionMap) Uint(key uint64) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, err := DecodeUint(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SetUint stores n under key in compact size form.
func (m ExtVersionMap) SetUint(key uint64, n uint64) {
	m[key] = EncodeUint(n)
}

// Clone returns a copy of m.
func (m ExtVersionMap) Clone() ExtVersionMap {
	c := make(ExtVersionMap, len(m))
	for k, v := range m {
		c[k] = append([]byte(nil), v...)
	}
	return c
}

// String renders the map with registered key names.
func (m ExtVersionMap) String() string {
	keys := m.sortedKeys()
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %x", KeyName(k), m[k])
	}
	buf.WriteByte('}')
	return buf.String()
}

func (m ExtVersionMap) sortedKeys() []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// EncodeUint returns the compact size encoding of n.
func EncodeUint(n uint64) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarInt(&buf, 0, n)
	return buf.Bytes()
}

// DecodeUint parses a value produced by EncodeUint.
func DecodeUint(b []byte) (uint64, error) {
	r := bytes.NewReader(b)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return 0, err
	}
	if r.Len() != 0 {
		return 0, fmt.Errorf("%d trailing bytes after integer", r.Len())
	}
	return n, nil
}

// encodeMap writes the count followed by every (key, value) pair in key
// order.
func encodeMap(w io.Writer, pver uint32, m ExtVersionMap) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(m))); err != nil {
		return err
	}
	for _, k := range m.sortedKeys() {
		if err := wire.WriteVarInt(w, pver, k); err != nil {
			return err
		}
		if err := wire.WriteVarBytes(w, pver, m[k]); err != nil {
			return err
		}
	}
	return nil
}

// decodeMap is the inverse of encodeMap. Duplicate keys keep the last
// value.
func decodeMap(r io.Reader, pver uint32) (ExtVersionMap, error) {
	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > maxExtVersionEntries {
		return nil, fmt.Errorf("too many extversion entries: %d", count)
	}

	m := make(ExtVersionMap, count)
	for i := uint64(0); i < count; i++ {
		k, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return nil, err
		}
		v, err := wire.ReadVarBytes(r, pver, maxExtVersionValue,
			"extversion value")
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// MsgExtVersion carries the extended version map exchanged between version
// and verack. The legacy xversion command shares the payload layout.
type MsgExtVersion struct {
	Values ExtVersionMap

	// Legacy selects the xversion command name.
	Legacy bool
}

// NewMsgExtVersion returns an extversion message for values.
func NewMsgExtVersion(values ExtVersionMap) *MsgExtVersion {
	return &MsgExtVersion{Values: values}
}

// BtcDecode decodes r into the receiver. Part of the wire.Message interface.
func (msg *MsgExtVersion) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	m, err := decodeMap(r, pver)
	if err != nil {
		return err
	}
	msg.Values = m
	return nil
}

// BtcEncode encodes the receiver to w. Part of the wire.Message interface.
func (msg *MsgExtVersion) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	return encodeMap(w, pver, msg.Values)
}

// Command returns the protocol command string for the message.
func (msg *MsgExtVersion) Command() string {
	if msg.Legacy {
		return CmdXVersion
	}
	return CmdExtVersion
}

// MaxPayloadLength returns the maximum length the payload can be.
func (msg *MsgExtVersion) MaxPayloadLength(uint32) uint32 {
	return maxExtVersionPayload
}

// MsgXUpdate asks the receiver to change entries of the map it received
// during the handshake. Only changeable keys are applied.
type MsgXUpdate struct {
	Values ExtVersionMap
}

// NewMsgXUpdate returns an xupdate message for values.
func NewMsgXUpdate(values ExtVersionMap) *MsgXUpdate {
	return &MsgXUpdate{Values: values}
}

// BtcDecode decodes r into the receiver. Part of the wire.Message interface.
func (msg *MsgXUpdate) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	m, err := decodeMap(r, pver)
	if err != nil {
		return err
	}
	msg.Values = m
	return nil
}

// BtcEncode encodes the receiver to w. Part of the wire.Message interface.
func (msg *MsgXUpdate) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	return encodeMap(w, pver, msg.Values)
}

// Command returns the protocol command string for the message.
func (msg *MsgXUpdate) Command() string {
	return CmdXUpdate
}

// MaxPayloadLength returns the maximum length the payload can be.
func (msg *MsgXUpdate) MaxPayloadLength(uint32) uint32 {
	return maxExtVersionPayload
}

// MsgXVerAck acknowledges a legacy xversion. It has no payload.
type MsgXVerAck struct{}

// BtcDecode decodes r into the receiver. Part of the wire.Message interface.
func (msg *MsgXVerAck) BtcDecode(io.Reader, uint32, wire.MessageEncoding) error {
	return nil
}

// BtcEncode encodes the receiver to w. Part of the wire.Message interface.
func (msg *MsgXVerAck) BtcEncode(io.Writer, uint32, wire.MessageEncoding) error {
	return nil
}

// Command returns the protocol command string for the message.
func (msg *MsgXVerAck) Command() string {
	return CmdXVerAck
}

// MaxPayloadLength returns the maximum length the payload can be.
func (msg *MsgXVerAck) MaxPayloadLength(uint32) uint32 {
	return 0
}

// applyUpdate merges the changeable entries of update into current and
// returns the keys that were applied. Unknown and fixed keys are ignored.
func applyUpdate(current, update ExtVersionMap) []uint64 {
	var applied []uint64
	for _, k := range update.sortedKeys() {
		if _, known := current[k]; !known {
			continue
		}
		if !IsChangeable(k) {
			continue
		}
		current[k] = append([]byte(nil), update[k]...)
		applied = append(applied, k)
	}
	return applied
}
