package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/websocket"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var fastBackoff = &wait.Backoff{
	Initial: 10 * time.Millisecond,
	Max:     50 * time.Millisecond,
	Budget:  time.Second,
}

type serverFrame struct {
	ID     *uint64           `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeServer is a minimal index server holding per connection
// subscriptions with a limit.
type fakeServer struct {
	t       *testing.T
	genesis string
	limit   int

	// repeat sends every reply twice.
	repeat bool

	mtx   sync.Mutex
	subs  map[string]struct{}
	sends []func([]byte) error
}

func newFakeServer(t *testing.T) *fakeServer {
	return &fakeServer{
		t:       t,
		genesis: chaincfg.RegressionNetParams.GenesisHash.String(),
		limit:   5,
		subs:    make(map[string]struct{}),
	}
}

func (s *fakeServer) reply(req *serverFrame) map[string]interface{} {
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID}
	fail := func(code int, msg string) map[string]interface{} {
		resp["error"] = map[string]interface{}{
			"code":    code,
			"message": msg,
		}
		return resp
	}

	topic := func() (string, bool) {
		if len(req.Params) != 1 {
			return "", false
		}
		var t string
		if json.Unmarshal(req.Params[0], &t) != nil || len(t) != 64 {
			return "", false
		}
		return t, true
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch req.Method {
	case "server.version":
		resp["result"] = []string{"Rostrum 1.0", "1.4"}

	case "server.features":
		resp["result"] = map[string]interface{}{
			"genesis_hash":   s.genesis,
			"hash_function":  "sha256",
			"server_version": "Rostrum 1.0",
			"protocol_min":   "1.4",
			"protocol_max":   "1.4.3",
		}

	case "blockchain.scripthash.subscribe":
		t, ok := topic()
		if !ok {
			return fail(ErrCodeInvalidParams, "invalid scripthash")
		}
		if _, held := s.subs[t]; !held && len(s.subs) >= s.limit {
			return fail(ErrCodeInvalidRequest,
				fmt.Sprintf("scripthash %s", SubscriptionLimitMsg))
		}
		s.subs[t] = struct{}{}
		resp["result"] = nil

	case "blockchain.scripthash.unsubscribe":
		t, ok := topic()
		if !ok {
			return fail(ErrCodeInvalidParams, "invalid scripthash")
		}
		_, held := s.subs[t]
		delete(s.subs, t)
		resp["result"] = held

	default:
		return fail(ErrCodeMethodNotFound, "unknown method "+req.Method)
	}
	return resp
}

func (s *fakeServer) serve(read func() ([]byte, error),
	write func([]byte) error) {

	s.mtx.Lock()
	s.sends = append(s.sends, write)
	s.mtx.Unlock()

	for {
		b, err := read()
		if err != nil {
			return
		}
		var req serverFrame
		if err := json.Unmarshal(b, &req); err != nil {
			return
		}
		out, _ := json.Marshal(s.reply(&req))
		if write(out) != nil {
			return
		}
		if s.repeat && write(out) != nil {
			return
		}
	}
}

// notify pushes a notification to every connection.
func (s *fakeServer) notify(method string, params ...interface{}) {
	b, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
	require.NoError(s.t, err)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, send := range s.sends {
		_ = send(b)
	}
}

func (s *fakeServer) listenTCP() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(s.t, err)
	s.t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.t.Cleanup(func() { _ = conn.Close() })

			r := bufio.NewReader(conn)
			var writeMtx sync.Mutex
			go s.serve(
				func() ([]byte, error) {
					return r.ReadBytes('\n')
				},
				func(b []byte) error {
					writeMtx.Lock()
					defer writeMtx.Unlock()
					_, err := conn.Write(append(b, '\n'))
					return err
				},
			)
		}
	}()

	return l.Addr().String()
}

func (s *fakeServer) listenWebsocket() string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()

			var writeMtx sync.Mutex
			s.serve(
				func() ([]byte, error) {
					_, b, err := conn.ReadMessage()
					return b, err
				},
				func(b []byte) error {
					writeMtx.Lock()
					defer writeMtx.Unlock()
					return conn.WriteMessage(
						websocket.TextMessage, b,
					)
				},
			)
		},
	))
	s.t.Cleanup(srv.Close)

	return strings.TrimPrefix(srv.URL, "http://")
}

func connect(t *testing.T, addr string, transport Transport) *Client {
	t.Helper()

	c, err := Connect(context.Background(), Config{
		Addr:        addr,
		Transport:   transport,
		ChainParams: &chaincfg.RegressionNetParams,
		CallTimeout: testTimeout,
		DialBackoff: fastBackoff,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func topicN(i int) string {
	return fmt.Sprintf("%064x", i)
}

func TestConnectHandshake(t *testing.T) {
	t.Parallel()

	for _, transport := range []Transport{TransportTCP,
		TransportWebsocket} {

		transport := transport
		t.Run(transport.String(), func(t *testing.T) {
			t.Parallel()

			srv := newFakeServer(t)
			addr := srv.listenTCP()
			if transport == TransportWebsocket {
				addr = srv.listenWebsocket()
			}

			c := connect(t, addr, transport)
			require.NotNil(t, c.Features)
			require.Equal(t, "1.4", c.Features.ProtocolMin)
			require.Equal(t, "1.4.3", c.Features.ProtocolMax)
			require.Equal(t, srv.genesis, c.Features.GenesisHash)
		})
	}
}

func TestConnectGenesisMismatch(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	srv.genesis = chaincfg.MainNetParams.GenesisHash.String()
	addr := srv.listenTCP()

	_, err := Connect(context.Background(), Config{
		Addr:        addr,
		ChainParams: &chaincfg.RegressionNetParams,
		CallTimeout: testTimeout,
		DialBackoff: fastBackoff,
	})
	require.ErrorIs(t, err, ErrGenesisMismatch)
}

func TestConnectRetriesUntilBudget(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = Connect(context.Background(), Config{
		Addr: addr,
		DialBackoff: &wait.Backoff{
			Initial: 10 * time.Millisecond,
			Max:     10 * time.Millisecond,
			Budget:  50 * time.Millisecond,
		},
	})
	require.ErrorIs(t, err, wait.ErrBudgetExhausted)
}

func TestCallErrors(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()

	_, err := c.Call(ctx, "blockchain.nonsense")
	require.True(t, IsCode(err, ErrCodeMethodNotFound), err)

	_, _, err = c.Subscribe(ctx, "blockchain.scripthash.subscribe", "xx")
	require.True(t, IsCode(err, ErrCodeInvalidParams), err)
	require.Zero(t, c.Subscriptions())
}

func TestSubscriptionNotifications(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()

	topic := topicN(1)
	result, sub, err := c.Subscribe(ctx, "blockchain.scripthash.subscribe",
		topic)
	require.NoError(t, err)
	require.Equal(t, "null", string(result))
	require.Equal(t, topic, sub.Topic())

	first := strings.Repeat("ab", 32)
	second := strings.Repeat("cd", 32)
	srv.notify("blockchain.scripthash.subscribe", topic, first)
	srv.notify("blockchain.scripthash.subscribe", topicN(2), first)
	srv.notify("blockchain.scripthash.subscribe", topic, second)

	n, err := sub.NextTimeout(testTimeout)
	require.NoError(t, err)
	require.Equal(t, topic, n.Topic())
	status, ok := n.Status()
	require.True(t, ok)
	require.Equal(t, first, status)

	n, err = sub.NextTimeout(testTimeout)
	require.NoError(t, err)
	status, _ = n.Status()
	require.Equal(t, second, status)

	_, err = sub.NextTimeout(50 * time.Millisecond)
	var timeoutErr *wait.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestSubscriptionQuota(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()
	const method = "blockchain.scripthash.subscribe"

	for i := 0; i < 5; i++ {
		_, _, err := c.Subscribe(ctx, method, topicN(i))
		require.NoError(t, err)
	}

	_, _, err := c.Subscribe(ctx, method, topicN(5))
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeInvalidRequest))
	require.True(t, IsSubscriptionLimit(err))
	require.False(t, IsAliasLimit(err))
	require.ErrorContains(t, err, SubscriptionLimitMsg)
	require.Equal(t, 5, c.Subscriptions())

	// Subscribing again to a held topic does not count.
	_, _, err = c.Subscribe(ctx, method, topicN(0))
	require.NoError(t, err)

	held, err := c.Unsubscribe(ctx, method, topicN(0))
	require.NoError(t, err)
	require.True(t, held)

	held, err = c.Unsubscribe(ctx, method, topicN(0))
	require.NoError(t, err)
	require.False(t, held)

	_, _, err = c.Subscribe(ctx, method, topicN(5))
	require.NoError(t, err)

	_, _, err = c.Subscribe(ctx, method, topicN(6))
	require.True(t, IsSubscriptionLimit(err))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()
	const method = "blockchain.scripthash.subscribe"

	_, sub, err := c.Subscribe(ctx, method, topicN(1))
	require.NoError(t, err)

	held, err := c.Unsubscribe(ctx, method, topicN(1))
	require.NoError(t, err)
	require.True(t, held)

	srv.notify(method, topicN(1), strings.Repeat("ab", 32))

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()

	_, sub, err := c.Subscribe(ctx, "blockchain.scripthash.subscribe",
		topicN(1))
	require.NoError(t, err)

	c.Close()
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)

	_, err = c.Call(ctx, "server.version")
	require.ErrorIs(t, err, ErrClientClosed)
}

// TestRepeatedReplies has the server answer every request twice. The
// second copy finds no caller and must not stall later calls.
func TestRepeatedReplies(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	srv.repeat = true
	c := connect(t, srv.listenTCP(), TransportTCP)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := c.Call(ctx, "server.version")
		require.NoError(t, err)
	}
}

func TestCloseDeliversQueued(t *testing.T) {
	t.Parallel()

	sub := newSubscription(subKey{method: "blockchain.headers.subscribe"})

	const count = 3 * notificationBuffer
	for i := 0; i < count; i++ {
		sub.push(&Notification{
			Method: "blockchain.headers.subscribe",
			Params: []json.RawMessage{
				json.RawMessage(fmt.Sprintf(`{"height":%d}`, i)),
			},
		})
	}
	sub.close()

	// Nothing is accepted after the end.
	sub.push(&Notification{Method: "blockchain.headers.subscribe"})

	ctx := context.Background()
	for i := 0; i < count; i++ {
		n, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf(`{"height":%d}`, i),
			string(n.Params[0]))
	}
	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	alias := &Error{
		Code:    ErrCodeInvalidRequest,
		Message: AliasSubscriptionLimitMsg,
	}
	require.True(t, IsAliasLimit(alias))
	require.False(t, IsSubscriptionLimit(alias))

	other := &Error{Code: ErrCodeInvalidParams, Message: "bad"}
	require.False(t, IsSubscriptionLimit(other))
	require.False(t, IsAliasLimit(fmt.Errorf("wrapped: %w", other)))
	require.True(t, IsCode(fmt.Errorf("wrapped: %w", other),
		ErrCodeInvalidParams))
}
