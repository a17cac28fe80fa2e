package p2p

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// CommandSize is the fixed size of the command field.
	CommandSize = 12

	// HeaderSize is the size of a frame header: magic, command, length
	// and checksum.
	HeaderSize = 4 + CommandSize + 4 + 4

	// MaxPayloadSize bounds the payload of a single frame. The node
	// accepts blocks far larger than legacy limits, so this is generous.
	MaxPayloadSize = 256 * 1024 * 1024

	// readChunk is the payload buffer preallocated by Decode.
	readChunk uint32 = 64 * 1024
)

// Message is a single framed message: a command and its raw payload, plus
// the checksum it was (or will be) sent with.
type Message struct {
	Command  string
	Payload  []byte
	Checksum [4]byte
}

// Checksum returns the first four bytes of the double SHA-256 of payload.
func Checksum(payload []byte) [4]byte {
	var sum [4]byte
	copy(sum[:], chainhash.DoubleHashB(payload))
	return sum
}

// NewMessage returns a message for command with a valid checksum.
func NewMessage(command string, payload []byte) *Message {
	return &Message{
		Command:  command,
		Payload:  payload,
		Checksum: Checksum(payload),
	}
}

// Valid reports whether the stored checksum matches the payload.
func (m *Message) Valid() bool {
	return m.Checksum == Checksum(m.Payload)
}

// Codec reads and writes frames for one network.
type Codec struct {
	// Net is the network whose magic starts every frame.
	Net wire.BitcoinNet

	// AcceptZeroChecksum makes Decode accept frames whose checksum field
	// is all zero regardless of payload.
	AcceptZeroChecksum bool

	// SendZeroChecksum makes Encode write an all zero checksum.
	SendZeroChecksum bool
}

// validCommand reports whether cmd can be put on the wire.
func validCommand(cmd string) bool {
	if len(cmd) == 0 || len(cmd) > CommandSize {
		return false
	}
	for i := 0; i < len(cmd); i++ {
		if cmd[i] < 0x20 || cmd[i] > 0x7e {
			return false
		}
	}
	return true
}

// Encode writes m to w. Unless the codec sends zero checksums, the checksum
// is recomputed from the payload, so a Message built by hand cannot go out
// with a stale one.
func (c *Codec) Encode(w io.Writer, m *Message) error {
	if !validCommand(m.Command) {
		return &ProtocolError{Command: m.Command, Err: ErrBadCommand}
	}
	if len(m.Payload) > MaxPayloadSize {
		return &ProtocolError{Command: m.Command,
			Err: ErrPayloadTooLarge}
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(c.Net))
	copy(hdr[4:4+CommandSize], m.Command)
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(m.Payload)))
	if !c.SendZeroChecksum {
		sum := Checksum(m.Payload)
		copy(hdr[20:24], sum[:])
	}

	// One write per frame so that frames from concurrent senders never
	// interleave on the socket.
	buf := make([]byte, 0, HeaderSize+len(m.Payload))
	buf = append(buf, hdr[:]...)
	buf = append(buf, m.Payload...)
	_, err := w.Write(buf)

	return err
}

// Decode reads one frame from r.
func (c *Codec) Decode(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	magic := wire.BitcoinNet(binary.LittleEndian.Uint32(hdr[0:4]))
	if magic != c.Net {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v",
			ErrBadMagic, magic)}
	}

	cmdBytes := hdr[4 : 4+CommandSize]
	if i := bytes.IndexByte(cmdBytes, 0); i >= 0 {
		// Everything after the terminator must be padding.
		if bytes.Count(cmdBytes[i:], []byte{0}) != CommandSize-i {
			return nil, &ProtocolError{Err: ErrBadCommand}
		}
		cmdBytes = cmdBytes[:i]
	}
	command := string(cmdBytes)
	if !validCommand(command) {
		return nil, &ProtocolError{Command: command,
			Err: ErrBadCommand}
	}

	length := binary.LittleEndian.Uint32(hdr[16:20])
	if length > MaxPayloadSize {
		return nil, &ProtocolError{Command: command,
			Err: ErrPayloadTooLarge}
	}

	// The buffer grows with the bytes actually received, not with the
	// length the peer announced.
	buf := bytes.NewBuffer(make([]byte, 0, min(length, readChunk)))
	if _, err := io.CopyN(buf, r, int64(length)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	m := &Message{
		Command: command,
		Payload: buf.Bytes(),
	}
	copy(m.Checksum[:], hdr[20:24])

	if m.Checksum == ([4]byte{}) && c.AcceptZeroChecksum {
		return m, nil
	}
	if !m.Valid() {
		return nil, &ProtocolError{Command: command,
			Err: ErrBadChecksum}
	}

	return m, nil
}
