// Package electrum is a client for the node's integrated index server. It
// speaks JSON-RPC 2.0 over newline delimited TCP or over websocket, and
// delivers subscription notifications through per subscription queues.
package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/queue"
)

const (
	// DefaultClientName is sent in server.version.
	DefaultClientName = "qaharness"

	// DefaultProtocolVersion is the protocol version we ask for.
	DefaultProtocolVersion = "1.4"

	// DefaultCallTimeout bounds a call that has no deadline of its own.
	DefaultCallTimeout = 30 * time.Second

	// notificationBuffer is the buffer of each subscription queue.
	notificationBuffer = 16
)

// Config describes how to reach the index server.
type Config struct {
	// Addr is the host:port of the server.
	Addr string

	// Transport selects line framed TCP or websocket.
	Transport Transport

	// ClientName and ProtocolVersion are sent in server.version.
	ClientName      string
	ProtocolVersion string

	// ChainParams, when set, is checked against the genesis hash the
	// server reports in server.features.
	ChainParams *chaincfg.Params

	// SkipHandshake connects without calling server.version and
	// server.features.
	SkipHandshake bool

	// CallTimeout bounds each call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// DialBackoff governs connection retries. It defaults to
	// wait.DefaultBackoff.
	DialBackoff *wait.Backoff
}

// request is a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// frame is any message received from the server: a response when ID is
// set, a notification when Method is set.
type frame struct {
	ID     *uint64           `json:"id"`
	Result json.RawMessage   `json:"result"`
	Error  *Error            `json:"error"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type response struct {
	result json.RawMessage
	err    error
}

// Notification is a message pushed by the server for a subscription.
type Notification struct {
	Method string
	Params []json.RawMessage
}

// Topic returns the first parameter as a string. Scripthash and address
// notifications carry their topic there.
func (n *Notification) Topic() string {
	if len(n.Params) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(n.Params[0], &s); err != nil {
		return ""
	}
	return s
}

// Status decodes the second parameter, the status hash of a scripthash or
// address notification. An unused topic has no status.
func (n *Notification) Status() (string, bool) {
	if len(n.Params) < 2 {
		return "", false
	}
	var s *string
	if err := json.Unmarshal(n.Params[1], &s); err != nil || s == nil {
		return "", false
	}
	return *s, true
}

// subKey identifies a subscription by method and topic.
type subKey struct {
	method string
	topic  string
}

// Subscription receives notifications for one method and topic, in the
// order the server sent them.
type Subscription struct {
	key   subKey
	queue *queue.ConcurrentQueue

	// mtx guards closed and pushed.
	mtx    sync.Mutex
	closed bool
	pushed int

	// recvMtx serializes receivers and guards received and backlog.
	recvMtx  sync.Mutex
	received int
	backlog  []*Notification

	done     chan struct{}
	drained  chan struct{}
	doneOnce sync.Once
}

func newSubscription(key subKey) *Subscription {
	s := &Subscription{
		key:     key,
		queue:   queue.NewConcurrentQueue(notificationBuffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	s.queue.Start()
	return s
}

// Method returns the subscribe method.
func (s *Subscription) Method() string {
	return s.key.method
}

// Topic returns the subscribed topic, empty for topic-less subscriptions
// such as headers.
func (s *Subscription) Topic() string {
	return s.key.topic
}

// Next returns the next notification. Notifications already queued when
// the subscription ends are still delivered.
func (s *Subscription) Next(ctx context.Context) (*Notification, error) {
	s.recvMtx.Lock()
	n, err := s.nextLocked(ctx)
	s.recvMtx.Unlock()
	if n != nil || err != nil {
		return n, err
	}

	// The subscription ended. Wait for close to move what is left in the
	// queue to the backlog.
	select {
	case <-s.drained:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.recvMtx.Lock()
	defer s.recvMtx.Unlock()
	if n := s.popBacklog(); n != nil {
		return n, nil
	}
	return nil, ErrSubscriptionClosed
}

// nextLocked returns a notification, or nil without error once the
// subscription has ended. The caller must hold recvMtx.
func (s *Subscription) nextLocked(ctx context.Context) (*Notification,
	error) {

	if n := s.popBacklog(); n != nil {
		return n, nil
	}

	select {
	case item := <-s.queue.ChanOut():
		s.received++
		return item.(*Notification), nil
	default:
	}

	select {
	case item := <-s.queue.ChanOut():
		s.received++
		return item.(*Notification), nil
	case <-s.done:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Subscription) popBacklog() *Notification {
	if len(s.backlog) == 0 {
		return nil
	}
	n := s.backlog[0]
	s.backlog = s.backlog[1:]
	return n
}

// NextTimeout is Next bounded by timeout.
func (s *Subscription) NextTimeout(timeout time.Duration) (*Notification,
	error) {

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := s.Next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &wait.TimeoutError{
			What:    fmt.Sprintf("%s notification", s.key.method),
			Timeout: timeout,
		}
	}
	return n, err
}

// push queues n unless the subscription ended. The queue accepts input
// until close stops it, which happens only after closed is set.
func (s *Subscription) push(n *Notification) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.closed {
		return
	}
	s.queue.ChanIn() <- n
	s.pushed++
}

// close ends the subscription. Stopping the queue abandons what it holds,
// so everything pushed and not yet received is moved to the backlog first.
func (s *Subscription) close() {
	s.doneOnce.Do(func() {
		s.mtx.Lock()
		s.closed = true
		pushed := s.pushed
		s.mtx.Unlock()

		close(s.done)

		s.recvMtx.Lock()
		for s.received < pushed {
			item := <-s.queue.ChanOut()
			s.backlog = append(s.backlog, item.(*Notification))
			s.received++
		}
		s.recvMtx.Unlock()

		s.queue.Stop()
		close(s.drained)
	})
}

// Client is a connection to the index server.
type Client struct {
	cfg  Config
	conn frameConn

	// Features is what the server reported during the handshake.
	Features *Features

	nextID uint64

	mtx     sync.Mutex
	pending map[uint64]chan response
	subs    map[subKey]*Subscription
	closed  bool
	err     error

	quit chan struct{}
	wg   sync.WaitGroup
}

// Connect dials the server, retrying with backoff, and performs the
// version and features handshake.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientName == "" {
		cfg.ClientName = DefaultClientName
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	b := wait.DefaultBackoff
	if cfg.DialBackoff != nil {
		b = *cfg.DialBackoff
	}

	var conn frameConn
	err := wait.Retry(ctx, b, func() error {
		c, err := dialFrameConn(ctx, cfg.Transport, cfg.Addr,
			cfg.CallTimeout)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to index server %s: %w",
			cfg.Addr, err)
	}

	c := newClient(cfg, conn)
	if cfg.SkipHandshake {
		return c, nil
	}

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config, conn frameConn) *Client {
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint64]chan response),
		subs:    make(map[subKey]*Subscription),
		quit:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()

	log.Debugf("Connected to index server %s over %v", cfg.Addr,
		cfg.Transport)
	return c
}

func (c *Client) handshake(ctx context.Context) error {
	var version []string
	err := c.CallResult(ctx, &version, "server.version",
		c.cfg.ClientName, c.cfg.ProtocolVersion)
	if err != nil {
		return fmt.Errorf("server.version: %w", err)
	}
	log.Debugf("Index server version %v", version)

	var features Features
	if err := c.CallResult(ctx, &features, "server.features"); err != nil {
		return fmt.Errorf("server.features: %w", err)
	}
	if c.cfg.ChainParams != nil {
		if err := features.CheckGenesis(c.cfg.ChainParams); err != nil {
			return err
		}
	}
	c.Features = &features

	return nil
}

// Call invokes method and returns its raw result. Server errors are
// returned as *Error.
func (c *Client) Call(ctx context.Context, method string,
	params ...interface{}) (json.RawMessage, error) {

	if params == nil {
		params = []interface{}{}
	}
	id := atomic.AddUint64(&c.nextID, 1)
	b, err := json.Marshal(&request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, err
	}

	respChan := make(chan response, 1)
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[id] = respChan
	c.mtx.Unlock()

	defer func() {
		c.mtx.Lock()
		delete(c.pending, id)
		c.mtx.Unlock()
	}()

	log.Tracef("Sending %s", b)
	if err := c.conn.WriteFrame(b); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		return resp.result, resp.err
	case <-c.quit:
		return nil, c.closeReason()
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &wait.TimeoutError{
			What:    fmt.Sprintf("reply to %s", method),
			Timeout: c.cfg.CallTimeout,
		}
	}
}

// CallResult invokes method and unmarshals its result into result.
func (c *Client) CallResult(ctx context.Context, result interface{},
	method string, params ...interface{}) error {

	raw, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(raw, result)
}

// topicOf returns the topic of a subscribe call: its first parameter when
// that is a string.
func topicOf(params []interface{}) string {
	if len(params) == 0 {
		return ""
	}
	s, _ := params[0].(string)
	return s
}

// Subscribe invokes a subscribe method and returns its initial result and
// the subscription receiving later notifications. Subscribing again to a
// held topic returns the existing subscription.
func (c *Client) Subscribe(ctx context.Context, method string,
	params ...interface{}) (json.RawMessage, *Subscription, error) {

	key := subKey{method: method, topic: topicOf(params)}

	// Register first so that a notification sent right after the reply
	// is not lost.
	c.mtx.Lock()
	sub, existed := c.subs[key]
	if !existed {
		sub = newSubscription(key)
		c.subs[key] = sub
	}
	c.mtx.Unlock()

	result, err := c.Call(ctx, method, params...)
	if err != nil {
		if !existed {
			c.dropSubscription(key, sub)
		}
		return nil, nil, err
	}

	log.Debugf("Subscribed to %s %s", method, key.topic)
	return result, sub, nil
}

// Unsubscribe cancels a subscription made with the given subscribe method
// and parameters. It returns what the server reports: true if the
// connection held the subscription. The local subscription ends either
// way, so no further notification is delivered for it.
func (c *Client) Unsubscribe(ctx context.Context, method string,
	params ...interface{}) (bool, error) {

	key := subKey{method: method, topic: topicOf(params)}
	c.mtx.Lock()
	sub := c.subs[key]
	c.mtx.Unlock()
	if sub != nil {
		c.dropSubscription(key, sub)
	}

	unsubMethod := strings.TrimSuffix(method, ".subscribe") +
		".unsubscribe"

	var held bool
	if err := c.CallResult(ctx, &held, unsubMethod, params...); err != nil {
		return false, err
	}
	return held, nil
}

func (c *Client) dropSubscription(key subKey, sub *Subscription) {
	c.mtx.Lock()
	if c.subs[key] == sub {
		delete(c.subs, key)
	}
	c.mtx.Unlock()
	sub.close()
}

// Subscriptions returns the number of subscriptions held.
func (c *Client) Subscriptions() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.subs)
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		b, err := c.conn.ReadFrame()
		if err != nil {
			c.shutdown(err)
			return
		}
		if len(b) == 0 {
			continue
		}
		log.Tracef("Received %s", b)

		var f frame
		if err := json.Unmarshal(b, &f); err != nil {
			log.Warnf("Dropping malformed frame from %s: %v",
				c.cfg.Addr, err)
			continue
		}

		switch {
		case f.ID != nil:
			c.deliver(&f)
		case f.Method != "":
			c.notify(&Notification{
				Method: f.Method,
				Params: f.Params,
			})
		default:
			log.Warnf("Dropping frame with neither id nor method: "+
				"%s", b)
		}
	}
}

// deliver hands a reply to its caller. The pending entry is removed here so
// that a repeated id finds nothing and never blocks the read loop.
func (c *Client) deliver(f *frame) {
	c.mtx.Lock()
	ch, ok := c.pending[*f.ID]
	delete(c.pending, *f.ID)
	c.mtx.Unlock()
	if !ok {
		log.Debugf("Reply to unknown request id %d", *f.ID)
		return
	}

	var resp response
	if f.Error != nil {
		resp.err = f.Error
	} else {
		resp.result = f.Result
	}
	ch <- resp
}

func (c *Client) notify(n *Notification) {
	c.mtx.Lock()
	sub, ok := c.subs[subKey{method: n.Method, topic: n.Topic()}]
	if !ok {
		sub, ok = c.subs[subKey{method: n.Method}]
	}
	c.mtx.Unlock()

	if !ok {
		log.Debugf("Notification %s %s without subscription",
			n.Method, n.Topic())
		return
	}
	sub.push(n)
}

func (c *Client) closeReason() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
	}
	return ErrClientClosed
}

func (c *Client) shutdown(err error) {
	c.mtx.Lock()
	if c.closed {
		c.mtx.Unlock()
		return
	}
	c.closed = true
	c.err = err
	subs := c.subs
	c.subs = make(map[subKey]*Subscription)
	c.mtx.Unlock()

	close(c.quit)
	_ = c.conn.Close()
	for _, sub := range subs {
		sub.close()
	}

	if err != nil {
		log.Debugf("Index server connection %s closed: %v",
			c.cfg.Addr, err)
	}
}

// Close disconnects and ends every subscription.
func (c *Client) Close() {
	c.shutdown(nil)
	c.wg.Wait()
}
