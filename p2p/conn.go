// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultUserAgent is sent in our version message.
	DefaultUserAgent = "/qaharness:0.1.0/"

	// DefaultDialTimeout bounds a single TCP connect attempt.
	DefaultDialTimeout = 5 * time.Second

	// sendQueueBuffer is the buffer of the outgoing message queue.
	sendQueueBuffer = 64

	// maxEarlyMessages bounds the record of messages that arrived before
	// the handshake completed.
	maxEarlyMessages = 32
)

// State is the handshake state of a connection.
type State int

// Handshake states, in the order a connection moves through them.
const (
	StateConnecting State = iota
	StateVersionSent
	StateExtVerSent
	StateVerackWait
	StateReady
	StateClosed
)

var stateStrings = map[State]string{
	StateConnecting:  "Connecting",
	StateVersionSent: "VersionSent",
	StateExtVerSent:  "ExtVerSent",
	StateVerackWait:  "VerackWait",
	StateReady:       "Ready",
	StateClosed:      "Closed",
}

// String returns the State in human-readable form.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", int(s))
}

// Config configures a mini-node connection.
type Config struct {
	// Net selects the network magic. It defaults to regtest.
	Net wire.BitcoinNet

	// Services is advertised in our version message. SFNodeExtVersion is
	// added when ExtVersion is set.
	Services wire.ServiceFlag

	// UserAgent is advertised in our version message.
	UserAgent string

	// StartHeight is advertised as our best height.
	StartHeight int32

	// ExtVersion enables the extended version handshake.
	ExtVersion bool

	// LegacyExtVersion uses the xversion and xverack command names.
	LegacyExtVersion bool

	// ExtValues are extra entries of our extended version map.
	ExtValues ExtVersionMap

	// ListenPort is advertised under KeyListenPort.
	ListenPort uint16

	// ManualHandshake stops the connection from sending version,
	// extversion and verack on its own. The test drives the handshake
	// with Send and the state still follows what was sent and received.
	ManualHandshake bool

	// AcceptZeroChecksum accepts received frames with a zero checksum.
	AcceptZeroChecksum bool

	// SendZeroChecksum sends every frame with a zero checksum.
	SendZeroChecksum bool

	// StoreBytes bounds the block and transaction store.
	StoreBytes uint64

	// DialBackoff governs Dial retries. It defaults to
	// wait.DefaultBackoff.
	DialBackoff *wait.Backoff
}

// RemoteVersion is what the peer told us about itself.
type RemoteVersion struct {
	Version    *wire.MsgVersion
	ExtVersion ExtVersionMap
}

// EarlyMessage is a non handshake message that arrived before Ready.
type EarlyMessage struct {
	Command string
	State   State
}

// Conn is a raw session to a node that behaves like a minimal peer. A
// read goroutine decodes frames in wire order and applies them to the
// store; a write goroutine drains the send queue so that replies issued
// from the read path never block on the socket.
type Conn struct {
	cfg   Config
	codec Codec
	conn  net.Conn
	store *Store

	sendQueue *queue.ConcurrentQueue

	mtx            sync.Mutex
	sentVersion    bool
	gotVersion     bool
	extNegotiated  bool
	sentExt        bool
	gotExt         bool
	sentVerack     bool
	gotVerack      bool
	closed         bool
	remoteClosed   bool
	closeErr       error
	remote         RemoteVersion
	localExt       ExtVersionMap
	early          []EarlyMessage
	lastMessages   []string
	readyCheckDone bool

	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to addr, retrying with backoff until the budget is spent,
// and starts the connection.
func Dial(ctx context.Context, addr string, cfg *Config) (*Conn, error) {
	b := wait.DefaultBackoff
	if cfg.DialBackoff != nil {
		b = *cfg.DialBackoff
	}

	var nc net.Conn
	err := wait.Retry(ctx, b, func() error {
		d := net.Dialer{Timeout: DefaultDialTimeout}
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		nc = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return New(nc, cfg)
}

// New starts a connection over an established transport. Unless the
// handshake is manual, our version message is queued immediately.
func New(nc net.Conn, cfg *Config) (*Conn, error) {
	c := &Conn{
		cfg:       *cfg,
		conn:      nc,
		sendQueue: queue.NewConcurrentQueue(sendQueueBuffer),
		quit:      make(chan struct{}),
	}
	if c.cfg.Net == 0 {
		c.cfg.Net = chaincfg.RegressionNetParams.Net
	}
	if c.cfg.UserAgent == "" {
		c.cfg.UserAgent = DefaultUserAgent
	}
	if c.cfg.ExtVersion {
		c.cfg.Services |= SFNodeExtVersion
	}
	c.codec = Codec{
		Net:                c.cfg.Net,
		AcceptZeroChecksum: c.cfg.AcceptZeroChecksum,
		SendZeroChecksum:   c.cfg.SendZeroChecksum,
	}
	c.store = NewStore(c.cfg.StoreBytes)
	c.localExt = c.defaultExtValues()

	c.sendQueue.Start()
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	log.Debugf("Connected to %v", nc.RemoteAddr())

	if !c.cfg.ManualHandshake {
		if err := c.Send(c.VersionMsg()); err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// defaultExtValues builds our extended version map.
func (c *Conn) defaultExtValues() ExtVersionMap {
	m := make(ExtVersionMap, len(c.cfg.ExtValues)+2)
	m.SetUint(KeyExtVersionVersion, ExtVersionVersion)
	m.SetUint(KeyListenPort, uint64(c.cfg.ListenPort))
	for k, v := range c.cfg.ExtValues {
		m[k] = append([]byte(nil), v...)
	}
	return m
}

// VersionMsg returns the version message this connection advertises.
func (c *Conn) VersionMsg() *wire.MsgVersion {
	var local, remote *wire.NetAddress
	if tcp, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		local = wire.NewNetAddressIPPort(tcp.IP, uint16(tcp.Port),
			c.cfg.Services)
	} else {
		local = wire.NewNetAddressIPPort(net.IPv4zero, 0,
			c.cfg.Services)
	}
	if tcp, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		remote = wire.NewNetAddressIPPort(tcp.IP, uint16(tcp.Port), 0)
	} else {
		remote = wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	}

	msg := wire.NewMsgVersion(local, remote, rand.Uint64(),
		c.cfg.StartHeight)
	msg.ProtocolVersion = int32(ProtocolVersion)
	msg.Services = c.cfg.Services
	msg.UserAgent = c.cfg.UserAgent
	return msg
}

// ExtVersionMsg returns the extended version message this connection
// advertises.
func (c *Conn) ExtVersionMsg() *MsgExtVersion {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return &MsgExtVersion{
		Values: c.localExt.Clone(),
		Legacy: c.cfg.LegacyExtVersion,
	}
}

// Store returns the connection's record of received messages.
func (c *Conn) Store() *Store {
	return c.store
}

// RemoteAddr returns the node's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// State derives the handshake state from what has been sent and received.
func (c *Conn) State() State {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.stateLocked()
}

func (c *Conn) stateLocked() State {
	switch {
	case c.closed:
		return StateClosed
	case c.sentVerack && c.gotVerack:
		return StateReady
	case c.sentVerack:
		return StateVerackWait
	case c.sentExt:
		return StateExtVerSent
	case c.sentVersion:
		return StateVersionSent
	default:
		return StateConnecting
	}
}

// Remote returns the peer's version and extended version map.
func (c *Conn) Remote() RemoteVersion {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return RemoteVersion{
		Version:    c.remote.Version,
		ExtVersion: c.remote.ExtVersion.Clone(),
	}
}

// ExtNegotiated reports whether both sides advertised the extended
// version service bit.
func (c *Conn) ExtNegotiated() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.extNegotiated
}

// EarlyMessages returns the non handshake messages received before Ready.
func (c *Conn) EarlyMessages() []EarlyMessage {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]EarlyMessage(nil), c.early...)
}

// LastMessages returns a short description of the most recent messages
// received, oldest first.
func (c *Conn) LastMessages() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.lastMessages...)
}

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.closeErr
}

// Send queues msg for transmission.
func (c *Conn) Send(msg wire.Message) error {
	m, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(m)
}

// SendRaw queues an already framed message. Its checksum is recomputed
// unless the connection sends zero checksums.
func (c *Conn) SendRaw(m *Message) error {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return ErrClosed
	}
	c.noteSentLocked(m.Command)
	c.mtx.Unlock()

	select {
	case c.sendQueue.ChanIn() <- m:
		return nil
	case <-c.quit:
		return ErrClosed
	}
}

// noteSentLocked advances the handshake flags for an outgoing command.
func (c *Conn) noteSentLocked(cmd string) {
	switch cmd {
	case wire.CmdVersion:
		c.sentVersion = true
	case CmdExtVersion, CmdXVersion:
		c.sentExt = true
	case wire.CmdVerAck:
		c.sentVerack = true
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	w := bufio.NewWriter(c.conn)
	for {
		select {
		case item := <-c.sendQueue.ChanOut():
			m := item.(*Message)
			if err := c.codec.Encode(w, m); err != nil {
				c.fail(err)
				return
			}
			if err := w.Flush(); err != nil {
				c.fail(err)
				return
			}
			log.Tracef("Sent %s (%d bytes) to %v", m.Command,
				len(m.Payload), c.conn.RemoteAddr())

		case <-c.quit:
			return
		}
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	r := bufio.NewReader(c.conn)
	for {
		raw, err := c.codec.Decode(r)
		if err != nil {
			c.mtx.Lock()
			if !c.closed && isRemoteClose(err) {
				c.remoteClosed = true
			}
			c.mtx.Unlock()

			c.fail(err)
			return
		}

		msg, err := DecodeMessage(raw)
		switch {
		case errors.Is(err, ErrUnknownCommand):
			log.Debugf("Ignoring %s from %v", raw.Command,
				c.conn.RemoteAddr())
			c.store.countOnly(raw.Command)
			continue

		case err != nil:
			c.fail(err)
			return
		}

		log.Tracef("Received %v", NewLogClosure(func() string {
			return spew.Sdump(msg)
		}))

		if err := c.handle(msg); err != nil {
			c.fail(err)
			return
		}
	}
}

// handle applies one received message: handshake bookkeeping first, then
// automatic replies, then the store, which wakes waiters.
func (c *Conn) handle(msg wire.Message) error {
	cmd := msg.Command()

	c.mtx.Lock()
	state := c.stateLocked()
	if _, ok := handshakeCommands[cmd]; !ok && state != StateReady {
		if len(c.early) < maxEarlyMessages {
			c.early = append(c.early, EarlyMessage{
				Command: cmd,
				State:   state,
			})
		}
		log.Debugf("Received %s from %v before handshake completed "+
			"(state %v)", cmd, c.conn.RemoteAddr(), state)
	}
	c.lastMessages = append(c.lastMessages, cmd)
	if len(c.lastMessages) > maxEarlyMessages {
		c.lastMessages = c.lastMessages[1:]
	}

	var replies []wire.Message
	auto := !c.cfg.ManualHandshake

	switch m := msg.(type) {
	case *wire.MsgVersion:
		c.gotVersion = true
		c.remote.Version = m
		c.extNegotiated = c.cfg.ExtVersion &&
			m.Services&SFNodeExtVersion == SFNodeExtVersion

		if auto {
			if c.extNegotiated {
				replies = append(replies, &MsgExtVersion{
					Values: c.localExt.Clone(),
					Legacy: c.cfg.LegacyExtVersion,
				})
			} else {
				replies = append(replies, &wire.MsgVerAck{})
			}
		}

	case *MsgExtVersion:
		c.gotExt = true
		c.remote.ExtVersion = m.Values.Clone()
		if auto {
			if m.Legacy {
				replies = append(replies, &MsgXVerAck{})
			}
			if !c.sentVerack {
				replies = append(replies, &wire.MsgVerAck{})
			}
		}

	case *wire.MsgVerAck:
		c.gotVerack = true

	case *MsgXUpdate:
		applied := applyUpdate(c.remote.ExtVersion, m.Values)
		log.Debugf("xupdate from %v: %d of %d entries applied",
			c.conn.RemoteAddr(), len(applied), len(m.Values))

	case *wire.MsgPing:
		replies = append(replies, wire.NewMsgPong(m.Nonce))

	case *wire.MsgGetData:
		notFound := wire.NewMsgNotFound()
		for _, iv := range m.InvList {
			if obj := c.store.served(iv); obj != nil {
				replies = append(replies, obj)
				continue
			}
			_ = notFound.AddInvVect(iv)
		}
		if len(notFound.InvList) > 0 {
			replies = append(replies, notFound)
		}
	}

	// Replies are queued before the store is updated so that a waiter
	// woken by this message already sees our answer in flight.
	for _, r := range replies {
		m, err := EncodeMessage(r)
		if err != nil {
			c.mtx.Unlock()
			return err
		}
		c.noteSentLocked(m.Command)
		c.mtx.Unlock()
		select {
		case c.sendQueue.ChanIn() <- m:
		case <-c.quit:
			return ErrClosed
		}
		c.mtx.Lock()
	}

	err := c.checkReadyLocked()
	if err != nil {
		c.markClosedLocked(err)
	}
	c.mtx.Unlock()
	if err != nil {
		return err
	}

	c.store.record(msg)
	return nil
}

// checkReadyLocked validates the remote map the first time the connection
// becomes ready.
func (c *Conn) checkReadyLocked() error {
	if c.readyCheckDone || c.stateLocked() != StateReady {
		return nil
	}
	c.readyCheckDone = true

	log.Debugf("Handshake with %v complete (extversion %v)",
		c.conn.RemoteAddr(), c.extNegotiated)

	if !c.extNegotiated {
		return nil
	}
	if _, ok := c.remote.ExtVersion[KeyListenPort]; !ok {
		return &ProtocolError{
			Command: CmdExtVersion,
			Err:     ErrMissingListenPort,
		}
	}
	return nil
}

// isRemoteClose reports whether a read error means the other end hung up.
func isRemoteClose(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// ClosedByRemote reports whether the node closed the connection, as
// opposed to Close or a protocol violation on our side.
func (c *Conn) ClosedByRemote() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.remoteClosed
}

// fail closes the connection with err as the reason.
func (c *Conn) fail(err error) {
	c.mtx.Lock()
	c.markClosedLocked(err)
	c.mtx.Unlock()

	c.teardown()
}

// markClosedLocked records the first close reason. The caller must hold
// mtx.
func (c *Conn) markClosedLocked(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	if err != nil {
		log.Debugf("Connection to %v closed: %v", c.conn.RemoteAddr(),
			err)
	}
}

// Close disconnects. It is safe to call from any state and more than once;
// every pending waiter fails with ErrClosed.
func (c *Conn) Close() {
	c.mtx.Lock()
	c.markClosedLocked(nil)
	c.mtx.Unlock()

	c.teardown()
	c.wg.Wait()
}

func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.quit)
		_ = c.conn.Close()
		c.sendQueue.Stop()

		// Wake waiters so they observe the closed state.
		c.store.touch()
	})
}

// Done returns a channel closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.quit
}

// WaitFor blocks until cond holds, the connection closes, the context ends
// or timeout elapses. cond is evaluated after every received message.
func (c *Conn) WaitFor(ctx context.Context, what string,
	timeout time.Duration, cond func() bool) error {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := c.store.Changed()
		if cond() {
			return nil
		}
		if c.State() == StateClosed {
			return fmt.Errorf("waiting for %s: %w", what, ErrClosed)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if cond() {
				return nil
			}
			return &wait.TimeoutError{
				What:    what,
				Timeout: timeout,
				Last:    c.store.Summary(),
			}
		}
	}
}

// WaitForVerack waits until the node acknowledged our version.
func (c *Conn) WaitForVerack(ctx context.Context,
	timeout time.Duration) error {

	return c.WaitFor(ctx, "verack", timeout, func() bool {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		return c.gotVerack
	})
}

// WaitForReady waits for the handshake to complete. A connection that was
// closed during the handshake reports why.
func (c *Conn) WaitForReady(ctx context.Context,
	timeout time.Duration) error {

	err := c.WaitFor(ctx, "handshake", timeout, func() bool {
		return c.State() == StateReady
	})
	if errors.Is(err, ErrClosed) {
		if cause := c.Err(); cause != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, cause)
		}
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return err
}

// WaitForCommand waits until n messages of cmd were received in total.
func (c *Conn) WaitForCommand(ctx context.Context, cmd string, n int,
	timeout time.Duration) error {

	return c.WaitFor(ctx, fmt.Sprintf("%d %s messages", n, cmd), timeout,
		func() bool {
			return c.store.Count(cmd) >= n
		},
	)
}

// WaitForPingCount waits until at least n pings were received.
func (c *Conn) WaitForPingCount(ctx context.Context, n int,
	timeout time.Duration) error {

	return c.WaitFor(ctx, fmt.Sprintf("%d pings", n), timeout,
		func() bool {
			return c.store.PingCount() >= n
		},
	)
}

// WaitForDisconnect waits until the node closes the connection. A close on
// our side, by Close or after a protocol violation, is an error.
func (c *Conn) WaitForDisconnect(ctx context.Context,
	timeout time.Duration) error {

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.quit:
		if c.ClosedByRemote() {
			return nil
		}
		if cause := c.Err(); cause != nil {
			return fmt.Errorf("%w: %w", ErrLocalClose, cause)
		}
		return ErrLocalClose
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &wait.TimeoutError{
			What:    "disconnect",
			Timeout: timeout,
			Last:    c.State(),
		}
	}
}

// SyncWithPing sends a ping and waits for its pong. Every message the
// node sent before the pong has been applied to the store on return.
func (c *Conn) SyncWithPing(ctx context.Context,
	timeout time.Duration) error {

	nonce := rand.Uint64()
	if err := c.Send(wire.NewMsgPing(nonce)); err != nil {
		return err
	}
	return c.WaitFor(ctx, fmt.Sprintf("pong %d", nonce), timeout,
		func() bool {
			return c.store.HasPong(nonce)
		},
	)
}

// SendXUpdate asks the node to change entries of our extended version
// map. The node applies only changeable keys.
func (c *Conn) SendXUpdate(values ExtVersionMap) error {
	c.mtx.Lock()
	applyUpdate(c.localExt, values)
	c.mtx.Unlock()

	return c.Send(NewMsgXUpdate(values))
}
