package zmqsub

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

func TestDecodeHash(t *testing.T) {
	t.Parallel()

	genesis := chaincfg.RegressionNetParams.GenesisHash
	body := make([]byte, 32)
	for i := range body {
		body[i] = genesis[31-i]
	}

	h, err := DecodeHash(&Notification{Topic: TopicHashBlock, Body: body})
	require.NoError(t, err)
	require.Equal(t, genesis.String(), h.String())

	_, err = DecodeHash(&Notification{Topic: TopicHashTx, Body: body[1:]})
	require.Error(t, err)
}

func TestDecodeRaw(t *testing.T) {
	t.Parallel()

	block := chaincfg.RegressionNetParams.GenesisBlock
	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))

	got, err := DecodeBlock(&Notification{
		Topic: TopicRawBlock,
		Body:  buf.Bytes(),
	})
	require.NoError(t, err)
	require.Equal(t, block.BlockHash(), got.BlockHash())

	buf.Reset()
	tx := block.Transactions[0]
	require.NoError(t, tx.Serialize(&buf))
	gotTx, err := DecodeTx(&Notification{Topic: TopicRawTx,
		Body: buf.Bytes()})
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), gotTx.TxHash())

	_, err = DecodeTx(&Notification{Topic: TopicRawTx, Body: []byte{1}})
	require.Error(t, err)
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	require.Equal(t, "-zmqpubhashblock=tcp://127.0.0.1:28332",
		Endpoint(TopicHashBlock, 28332))
}

// TestWaitForFiltersByPrefix drives the delivery side without a socket.
func TestWaitForFiltersByPrefix(t *testing.T) {
	t.Parallel()

	s := &Subscriber{
		ntfns: make(chan *Notification, 4),
		quit:  make(chan struct{}),
	}
	s.ntfns <- &Notification{Topic: TopicRawTx, Seq: 0}
	s.ntfns <- &Notification{Topic: TopicHashBlock, Seq: 1}

	n, err := s.WaitFor(context.Background(), "hash", time.Second)
	require.NoError(t, err)
	require.Equal(t, TopicHashBlock, n.Topic)
	require.EqualValues(t, 1, n.Seq)

	_, err = s.WaitFor(context.Background(), "hash",
		50*time.Millisecond)
	require.ErrorContains(t, err, "zmq hash")

	close(s.quit)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestIsASCII(t *testing.T) {
	t.Parallel()

	require.True(t, isASCII("hashds"))
	require.False(t, isASCII(""))
	require.False(t, isASCII("hash\x00"))
}
