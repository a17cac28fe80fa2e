package p2p

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// fakeNode plays the node's side of a connection over an in-memory pipe.
type fakeNode struct {
	t     *testing.T
	conn  net.Conn
	r     *bufio.Reader
	codec Codec
}

func newPair(t *testing.T, cfg *Config) (*Conn, *fakeNode) {
	t.Helper()

	client, server := net.Pipe()
	node := &fakeNode{
		t:     t,
		conn:  server,
		r:     bufio.NewReader(server),
		codec: Codec{Net: regtest},
	}

	c, err := New(client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		_ = server.Close()
	})

	return c, node
}

func (n *fakeNode) send(msg wire.Message) error {
	m, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	_ = n.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	return n.codec.Encode(n.conn, m)
}

func (n *fakeNode) read() (wire.Message, error) {
	_ = n.conn.SetReadDeadline(time.Now().Add(testTimeout))
	raw, err := n.codec.Decode(n.r)
	if err != nil {
		return nil, err
	}
	return DecodeMessage(raw)
}

func (n *fakeNode) expect(cmd string) wire.Message {
	n.t.Helper()

	msg, err := n.read()
	require.NoError(n.t, err)
	require.Equal(n.t, cmd, msg.Command())
	return msg
}

func (n *fakeNode) mustSend(msg wire.Message) {
	n.t.Helper()
	require.NoError(n.t, n.send(msg))
}

func (n *fakeNode) version(services wire.ServiceFlag) *wire.MsgVersion {
	addr := wire.NewNetAddressIPPort(net.IPv4(127, 0, 0, 1), 18444,
		services)
	msg := wire.NewMsgVersion(addr, addr, 7, 0)
	msg.ProtocolVersion = int32(ProtocolVersion)
	msg.Services = services
	msg.UserAgent = "/BitcoinUnlimited:test/"
	return msg
}

func nodeExtValues() ExtVersionMap {
	m := make(ExtVersionMap)
	m.SetUint(KeyExtVersionVersion, ExtVersionVersion)
	m.SetUint(KeyListenPort, 18444)
	return m
}

// handshake drives the node's half of an extended handshake.
func (n *fakeNode) handshake(ext ExtVersionMap) {
	n.t.Helper()

	n.expect(wire.CmdVersion)
	n.mustSend(n.version(wire.SFNodeNetwork | SFNodeExtVersion))
	n.mustSend(NewMsgExtVersion(ext))
	n.expect(CmdExtVersion)
	n.expect(wire.CmdVerAck)
	n.mustSend(&wire.MsgVerAck{})
}

func TestExtendedHandshake(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{
		ExtVersion: true,
		ListenPort: 5555,
		ExtValues:  ExtVersionMap{1000: []byte("test string")},
	})

	v := node.expect(wire.CmdVersion).(*wire.MsgVersion)
	require.EqualValues(t, ProtocolVersion, v.ProtocolVersion)
	require.True(t, v.HasService(SFNodeExtVersion))
	require.Equal(t, StateVersionSent, c.State())

	// Nothing but version may precede our extversion and verack.
	node.mustSend(node.version(wire.SFNodeNetwork | SFNodeExtVersion))
	node.mustSend(NewMsgExtVersion(nodeExtValues()))

	ext := node.expect(CmdExtVersion).(*MsgExtVersion)
	require.Equal(t, []byte("test string"), ext.Values[1000])
	port, ok := ext.Values.Uint(KeyListenPort)
	require.True(t, ok)
	require.EqualValues(t, 5555, port)

	node.expect(wire.CmdVerAck)
	require.Equal(t, StateVerackWait, c.State())

	node.mustSend(&wire.MsgVerAck{})
	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
	require.True(t, c.ExtNegotiated())
	require.Empty(t, c.EarlyMessages())

	remote := c.Remote()
	require.Equal(t, "/BitcoinUnlimited:test/", remote.Version.UserAgent)
	port, ok = remote.ExtVersion.Uint(KeyListenPort)
	require.True(t, ok)
	require.EqualValues(t, 18444, port)
}

func TestLegacyHandshake(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{})

	v := node.expect(wire.CmdVersion).(*wire.MsgVersion)
	require.False(t, v.HasService(SFNodeExtVersion))

	// The node supports extversion but we did not ask for it.
	node.mustSend(node.version(wire.SFNodeNetwork | SFNodeExtVersion))
	node.expect(wire.CmdVerAck)
	node.mustSend(&wire.MsgVerAck{})

	require.NoError(t, c.WaitForVerack(context.Background(), testTimeout))
	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
	require.False(t, c.ExtNegotiated())
}

func TestXVersionAlias(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{
		ExtVersion:       true,
		LegacyExtVersion: true,
	})

	node.expect(wire.CmdVersion)
	node.mustSend(node.version(SFNodeExtVersion))
	node.mustSend(&MsgExtVersion{Values: nodeExtValues(), Legacy: true})
	node.expect(CmdXVersion)
	node.expect(CmdXVerAck)
	node.expect(wire.CmdVerAck)
	node.mustSend(&wire.MsgVerAck{})

	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
}

func TestMissingListenPortFailsHandshake(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{ExtVersion: true})

	ext := nodeExtValues()
	delete(ext, KeyListenPort)
	node.handshake(ext)

	err := c.WaitForReady(context.Background(), testTimeout)
	require.ErrorIs(t, err, ErrHandshake)
	require.ErrorIs(t, err, ErrMissingListenPort)
	require.Equal(t, StateClosed, c.State())
}

func TestManualHandshake(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{
		ExtVersion:      true,
		ManualHandshake: true,
	})
	require.Equal(t, StateConnecting, c.State())

	require.NoError(t, c.Send(c.VersionMsg()))
	node.expect(wire.CmdVersion)

	node.mustSend(node.version(SFNodeExtVersion))
	node.mustSend(NewMsgExtVersion(nodeExtValues()))
	err := c.WaitForCommand(context.Background(), CmdExtVersion, 1,
		testTimeout)
	require.NoError(t, err)

	// Nothing is sent on our behalf.
	require.Equal(t, StateVersionSent, c.State())

	require.NoError(t, c.Send(c.ExtVersionMsg()))
	require.NoError(t, c.Send(&wire.MsgVerAck{}))
	node.expect(CmdExtVersion)
	node.expect(wire.CmdVerAck)
	node.mustSend(&wire.MsgVerAck{})

	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
}

func TestEarlyMessagesRecorded(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{})

	node.expect(wire.CmdVersion)
	node.mustSend(node.version(wire.SFNodeNetwork))
	node.mustSend(wire.NewMsgPing(9))
	node.expect(wire.CmdVerAck)
	pong := node.expect(wire.CmdPong).(*wire.MsgPong)
	require.EqualValues(t, 9, pong.Nonce)

	node.mustSend(&wire.MsgVerAck{})
	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))

	early := c.EarlyMessages()
	require.Len(t, early, 1)
	require.Equal(t, wire.CmdPing, early[0].Command)
	require.Equal(t, StateVerackWait, early[0].State)
}

func readyPair(t *testing.T) (*Conn, *fakeNode) {
	t.Helper()

	c, node := newPair(t, &Config{ExtVersion: true, ListenPort: 1})
	node.handshake(nodeExtValues())
	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
	return c, node
}

func TestPingPongAndCounters(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)

	for i := uint64(1); i <= 3; i++ {
		node.mustSend(wire.NewMsgPing(i))
		pong := node.expect(wire.CmdPong).(*wire.MsgPong)
		require.Equal(t, i, pong.Nonce)
	}
	require.NoError(t, c.WaitForPingCount(context.Background(), 3,
		testTimeout))

	done := make(chan error, 1)
	go func() {
		done <- c.SyncWithPing(context.Background(), testTimeout)
	}()
	ping := node.expect(wire.CmdPing).(*wire.MsgPing)
	node.mustSend(wire.NewMsgPong(ping.Nonce))
	require.NoError(t, <-done)
	require.Equal(t, 1, c.Store().PongCount())
}

func testTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{seed}, 0),
		nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	return tx
}

func TestStoreRecordsInventory(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)

	tx := testTx(1)
	txHash := tx.TxHash()
	block := chaincfg.RegressionNetParams.GenesisBlock
	blockHash := block.BlockHash()

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeTx,
		&txHash)))
	node.mustSend(inv)
	node.mustSend(tx)
	node.mustSend(block)

	err := c.WaitFor(context.Background(), "block", testTimeout,
		func() bool {
			_, ok := c.Store().Block(blockHash)
			return ok
		},
	)
	require.NoError(t, err)

	store := c.Store()
	require.True(t, store.HasInv(*wire.NewInvVect(wire.InvTypeTx,
		&txHash)))
	got, ok := store.Tx(txHash)
	require.True(t, ok)
	require.Equal(t, txHash, got.TxHash())
	require.Equal(t, 1, store.Count(wire.CmdTx))
	require.Zero(t, store.Count(wire.CmdHeaders))
	require.Len(t, store.Inv(), 1)
}

func TestGetDataServedFromStore(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)

	offered := testTx(2)
	c.Store().Offer(nil, []*wire.MsgTx{offered})

	offeredHash := offered.TxHash()
	unknown := chainhash.Hash{0xaa}
	getData := wire.NewMsgGetData()
	require.NoError(t, getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx,
		&offeredHash)))
	require.NoError(t, getData.AddInvVect(wire.NewInvVect(wire.InvTypeTx,
		&unknown)))
	node.mustSend(getData)

	tx := node.expect(wire.CmdTx).(*wire.MsgTx)
	require.Equal(t, offeredHash, tx.TxHash())

	nf := node.expect(wire.CmdNotFound).(*wire.MsgNotFound)
	require.Len(t, nf.InvList, 1)
	require.Equal(t, unknown, nf.InvList[0].Hash)
	require.True(t, c.Store().Requested(offeredHash))
}

// TestXUpdateIsNoOp checks that an update to a fixed key neither changes
// the recorded remote map nor closes the connection.
func TestXUpdateIsNoOp(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	before := c.Remote().ExtVersion

	update := make(ExtVersionMap)
	update.SetUint(KeyListenPort, 9)
	update.SetUint(0x77, 1)
	node.mustSend(NewMsgXUpdate(update))

	require.NoError(t, c.WaitForCommand(context.Background(), CmdXUpdate,
		1, testTimeout))
	require.Equal(t, before, c.Remote().ExtVersion)
	require.Equal(t, StateReady, c.State())
}

func TestCloseFailsWaiters(t *testing.T) {
	t.Parallel()

	c, node := newPair(t, &Config{})
	node.expect(wire.CmdVersion)

	done := make(chan error, 1)
	go func() {
		done <- c.WaitForVerack(context.Background(), testTimeout)
	}()

	c.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(testTimeout):
		t.Fatal("waiter not released by Close")
	}

	require.ErrorIs(t, c.Send(&wire.MsgVerAck{}), ErrClosed)
	require.Equal(t, StateClosed, c.State())

	// Close is idempotent.
	c.Close()
}

func TestRemoteDisconnect(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	require.NoError(t, node.conn.Close())

	require.NoError(t, c.WaitForDisconnect(context.Background(),
		testTimeout))
	require.Error(t, c.Err())
	require.True(t, c.ClosedByRemote())
}

func TestWaitForTimeout(t *testing.T) {
	t.Parallel()

	c, _ := readyPair(t)
	err := c.WaitFor(context.Background(), "never", 50*time.Millisecond,
		func() bool { return false })
	require.ErrorContains(t, err, "never")
}

type fakeView struct {
	best    *chainhash.Hash
	mempool []*chainhash.Hash
}

func (v *fakeView) GetBestBlockHash() (*chainhash.Hash, error) {
	return v.best, nil
}

func (v *fakeView) GetRawMempool() ([]*chainhash.Hash, error) {
	return v.mempool, nil
}

// answerPings replies to count pings after consuming everything else the
// connection sends.
func (n *fakeNode) answerPings(count int) <-chan []string {
	seen := make(chan []string, 1)
	go func() {
		var cmds []string
		for count > 0 {
			msg, err := n.read()
			if err != nil {
				break
			}
			cmds = append(cmds, msg.Command())
			if ping, ok := msg.(*wire.MsgPing); ok {
				if n.send(wire.NewMsgPong(ping.Nonce)) != nil {
					break
				}
				count--
			}
		}
		seen <- cmds
	}()
	return seen
}

func TestSendTxsAndTest(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)

	txs := []*wire.MsgTx{testTx(3), testTx(4)}
	view := &fakeView{}
	for _, tx := range txs {
		h := tx.TxHash()
		view.mempool = append(view.mempool, &h)
	}

	seen := node.answerPings(1)
	err := c.SendTxsAndTest(context.Background(), txs, view, TestOptions{
		Success: true,
		Timeout: testTimeout,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"tx", "tx", "ping"}, <-seen)

	// The same transactions are expected to be refused by a node whose
	// mempool already holds them.
	seen = node.answerPings(1)
	err = c.SendTxsAndTest(context.Background(), txs, view, TestOptions{
		Timeout: testTimeout,
	})
	require.ErrorContains(t, err, "should have been rejected")
	<-seen
}

func TestSendTxsRejectReason(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)

	seen := node.answerPings(1)
	err := c.SendTxsAndTest(context.Background(),
		[]*wire.MsgTx{testTx(5)}, &fakeView{}, TestOptions{
			RejectReason: fn.Some("bad-txns-in-belowout"),
			DebugLog: func(substr string) (bool, error) {
				return substr == "bad-txns-in-belowout", nil
			},
			Timeout: testTimeout,
		},
	)
	require.NoError(t, err)
	<-seen
}

func TestSendBlocksExpectDisconnect(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	block := chaincfg.RegressionNetParams.GenesisBlock
	genesis := block.BlockHash()
	other := chainhash.Hash{0x01}

	go func() {
		_, _ = node.read()
		_ = node.conn.Close()
	}()

	err := c.SendBlocksAndTest(context.Background(),
		[]*wire.MsgBlock{block}, &fakeView{best: &other}, TestOptions{
			ForceSend:        true,
			ExpectDisconnect: true,
			ExpectBan:        true,
			Banned:           func() (bool, error) { return true, nil },
			Timeout:          testTimeout,
		},
	)
	require.NoError(t, err)
	require.NotEqual(t, genesis, other)
}

func TestWaitForDisconnectLocalClose(t *testing.T) {
	t.Parallel()

	c, _ := readyPair(t)
	c.Close()

	err := c.WaitForDisconnect(context.Background(), testTimeout)
	require.ErrorIs(t, err, ErrLocalClose)
	require.False(t, c.ClosedByRemote())
}

// TestExpectBanPeerStaysConnected has the node swallow the block and keep
// the connection, which must not pass for a ban.
func TestExpectBanPeerStaysConnected(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	block := chaincfg.RegressionNetParams.GenesisBlock
	other := chainhash.Hash{0x01}

	go func() {
		_, _ = node.read()
	}()

	err := c.SendBlocksAndTest(context.Background(),
		[]*wire.MsgBlock{block}, &fakeView{best: &other}, TestOptions{
			ForceSend: true,
			ExpectBan: true,
			Banned:    func() (bool, error) { return true, nil },
			Timeout:   200 * time.Millisecond,
		},
	)
	var timeoutErr *wait.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "disconnect", timeoutErr.What)
}

func TestExpectBanNodeReportsNoBan(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	block := chaincfg.RegressionNetParams.GenesisBlock
	other := chainhash.Hash{0x01}

	go func() {
		_, _ = node.read()
		_ = node.conn.Close()
	}()

	err := c.SendBlocksAndTest(context.Background(),
		[]*wire.MsgBlock{block}, &fakeView{best: &other}, TestOptions{
			ForceSend: true,
			ExpectBan: true,
			Banned:    func() (bool, error) { return false, nil },
			Timeout:   200 * time.Millisecond,
		},
	)
	require.ErrorIs(t, err, ErrNotBanned)
}

// tcpReadyPair is readyPair over a loopback listener. Later connections
// to the listener are dropped right away when bans is set and held open
// otherwise.
func tcpReadyPair(t *testing.T, bans bool) (*Conn, *fakeNode) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mtx  sync.Mutex
		held []net.Conn
	)
	t.Cleanup(func() {
		_ = ln.Close()
		mtx.Lock()
		for _, nc := range held {
			_ = nc.Close()
		}
		mtx.Unlock()
	})

	accepted := make(chan net.Conn, 1)
	go func() {
		for first := true; ; first = false {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			switch {
			case first:
				accepted <- nc
			case bans:
				_ = nc.Close()
			default:
				mtx.Lock()
				held = append(held, nc)
				mtx.Unlock()
			}
		}
	}()

	c, err := Dial(context.Background(), ln.Addr().String(),
		&Config{ExtVersion: true, ListenPort: 1})
	require.NoError(t, err)

	server := <-accepted
	node := &fakeNode{
		t:     t,
		conn:  server,
		r:     bufio.NewReader(server),
		codec: Codec{Net: regtest},
	}
	t.Cleanup(func() {
		c.Close()
		_ = server.Close()
	})

	node.handshake(nodeExtValues())
	require.NoError(t, c.WaitForReady(context.Background(), testTimeout))
	return c, node
}

func TestExpectBanByReconnect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		bans bool
	}{
		{name: "reconnect dropped", bans: true},
		{name: "reconnect kept", bans: false},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c, node := tcpReadyPair(t, test.bans)
			block := chaincfg.RegressionNetParams.GenesisBlock
			other := chainhash.Hash{0x01}

			go func() {
				_, _ = node.read()
				_ = node.conn.Close()
			}()

			err := c.SendBlocksAndTest(context.Background(),
				[]*wire.MsgBlock{block},
				&fakeView{best: &other}, TestOptions{
					ForceSend: true,
					ExpectBan: true,
					Timeout:   500 * time.Millisecond,
				},
			)
			if test.bans {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrNotBanned)
		})
	}
}

func TestSendBlocksAnnounced(t *testing.T) {
	t.Parallel()

	c, node := readyPair(t)
	block := chaincfg.RegressionNetParams.GenesisBlock
	hash := block.BlockHash()

	errc := make(chan error, 1)
	go func() {
		msg, err := node.read()
		if err != nil {
			errc <- err
			return
		}
		inv, ok := msg.(*wire.MsgInv)
		if !ok || len(inv.InvList) != 1 {
			errc <- fmt.Errorf("unexpected %s", msg.Command())
			return
		}
		getData := wire.NewMsgGetData()
		_ = getData.AddInvVect(inv.InvList[0])
		if err := node.send(getData); err != nil {
			errc <- err
			return
		}
		msg, err = node.read()
		if err != nil {
			errc <- err
			return
		}
		if msg.Command() != wire.CmdBlock {
			errc <- fmt.Errorf("unexpected %s", msg.Command())
			return
		}
		errc <- nil
		node.answerPings(1)
	}()

	err := c.SendBlocksAndTest(context.Background(),
		[]*wire.MsgBlock{block}, &fakeView{best: &hash}, TestOptions{
			Success: true,
			Timeout: testTimeout,
		},
	)
	require.NoError(t, err)
	require.NoError(t, <-errc)
}
