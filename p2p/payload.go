package p2p

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Commands the harness knows beyond the ones defined by the wire package.
const (
	CmdExtVersion = "extversion"
	CmdXVersion   = "xversion"
	CmdXVerAck    = "xverack"
	CmdXUpdate    = "xupdate"
)

const (
	// ProtocolVersion is the version advertised in our version message.
	ProtocolVersion uint32 = 80003

	// payloadVersion is the protocol version used to encode and decode
	// payloads with the wire package. The node speaks a later version
	// than any the wire package knows, so every feature is enabled.
	payloadVersion = wire.ProtocolVersion
)

// Service bits specific to this network.
const (
	// SFNodeBitcoinCash marks nodes following the cash chain.
	SFNodeBitcoinCash wire.ServiceFlag = 1 << 5

	// SFNodeExtVersion marks nodes supporting the extended version
	// handshake.
	SFNodeExtVersion wire.ServiceFlag = 1 << 11
)

// handshakeCommands may legitimately arrive before the connection is ready.
var handshakeCommands = map[string]struct{}{
	wire.CmdVersion: {},
	wire.CmdVerAck:  {},
	CmdExtVersion:   {},
	CmdXVersion:     {},
	CmdXVerAck:      {},
}

// makeEmptyMessage returns a zero message for command.
func makeEmptyMessage(command string) (wire.Message, error) {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}, nil
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}, nil
	case CmdExtVersion:
		return &MsgExtVersion{}, nil
	case CmdXVersion:
		return &MsgExtVersion{Legacy: true}, nil
	case CmdXVerAck:
		return &MsgXVerAck{}, nil
	case CmdXUpdate:
		return &MsgXUpdate{}, nil
	case wire.CmdPing:
		return &wire.MsgPing{}, nil
	case wire.CmdPong:
		return &wire.MsgPong{}, nil
	case wire.CmdInv:
		return &wire.MsgInv{}, nil
	case wire.CmdGetData:
		return &wire.MsgGetData{}, nil
	case wire.CmdNotFound:
		return &wire.MsgNotFound{}, nil
	case wire.CmdHeaders:
		return &wire.MsgHeaders{}, nil
	case wire.CmdGetHeaders:
		return &wire.MsgGetHeaders{}, nil
	case wire.CmdGetBlocks:
		return &wire.MsgGetBlocks{}, nil
	case wire.CmdBlock:
		return &wire.MsgBlock{}, nil
	case wire.CmdTx:
		return &wire.MsgTx{}, nil
	case wire.CmdReject:
		return &wire.MsgReject{}, nil
	case wire.CmdSendHeaders:
		return &wire.MsgSendHeaders{}, nil
	case wire.CmdMemPool:
		return &wire.MsgMemPool{}, nil
	case wire.CmdAddr:
		return &wire.MsgAddr{}, nil
	case wire.CmdGetAddr:
		return &wire.MsgGetAddr{}, nil
	case wire.CmdFeeFilter:
		return &wire.MsgFeeFilter{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
}

// EncodeMessage serializes msg into a frame with a valid checksum.
func EncodeMessage(msg wire.Message) (*Message, error) {
	var buf bytes.Buffer
	err := msg.BtcEncode(&buf, payloadVersion, wire.BaseEncoding)
	if err != nil {
		return nil, &ProtocolError{Command: msg.Command(), Err: err}
	}
	return NewMessage(msg.Command(), buf.Bytes()), nil
}

// DecodeMessage parses the payload of m. Commands without a known type
// return an error wrapping ErrUnknownCommand.
func DecodeMessage(m *Message) (wire.Message, error) {
	msg, err := makeEmptyMessage(m.Command)
	if err != nil {
		return nil, err
	}

	// Some wire decoders require a *bytes.Buffer to read optional
	// trailing fields.
	buf := bytes.NewBuffer(m.Payload)
	if err := msg.BtcDecode(buf, payloadVersion, wire.BaseEncoding); err != nil {
		return nil, &ProtocolError{Command: m.Command, Err: err}
	}

	return msg, nil
}
