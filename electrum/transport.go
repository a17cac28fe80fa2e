package electrum

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/websocket"
)

// Transport selects how frames are carried.
type Transport int

const (
	// TransportTCP carries one JSON object per newline terminated line.
	TransportTCP Transport = iota

	// TransportWebsocket carries one JSON object per text frame.
	TransportWebsocket
)

// String returns the Transport in human-readable form.
func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportWebsocket:
		return "websocket"
	default:
		return fmt.Sprintf("Unknown Transport (%d)", int(t))
	}
}

// maxLineSize bounds a single line on the TCP transport. Block headers and
// histories of busy scripts can be large.
const maxLineSize = 32 * 1024 * 1024

// frameConn reads and writes whole JSON frames.
type frameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// lineConn frames messages with a trailing newline.
type lineConn struct {
	conn net.Conn
	r    *bufio.Reader

	writeMtx sync.Mutex
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
	}
}

func (c *lineConn) ReadFrame() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes",
				maxLineSize)
		}
		if !isPrefix {
			break
		}
	}
	return bytes.TrimSpace(line), nil
}

func (c *lineConn) WriteFrame(b []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	frame := make([]byte, 0, len(b)+1)
	frame = append(frame, b...)
	frame = append(frame, '\n')
	_, err := c.conn.Write(frame)
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

// wsConn frames messages as websocket text messages.
type wsConn struct {
	conn *websocket.Conn

	writeMtx sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	return b, err
}

func (c *wsConn) WriteFrame(b []byte) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// dialFrameConn opens a transport to addr.
func dialFrameConn(ctx context.Context, t Transport, addr string,
	timeout time.Duration) (frameConn, error) {

	switch t {
	case TransportTCP:
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return newLineConn(conn), nil

	case TransportWebsocket:
		dialer := websocket.Dialer{
			HandshakeTimeout: timeout,
		}
		conn, resp, err := dialer.Dial("ws://"+addr, http.Header{})
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket handshake "+
					"failed (%s): %w", resp.Status, err)
			}
			return nil, err
		}
		return &wsConn{conn: conn}, nil
	}

	return nil, fmt.Errorf("unsupported transport %v", t)
}
