// Package zmqsub subscribes to the node's ZMQ publishers.
package zmqsub

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/gozmq"
)

// Topics the node publishes.
const (
	TopicHashBlock = "hashblock"
	TopicHashTx    = "hashtx"
	TopicHashDS    = "hashds"
	TopicRawBlock  = "rawblock"
	TopicRawTx     = "rawtx"
)

// AllTopics lists every topic the node can publish.
var AllTopics = []string{
	TopicHashBlock, TopicHashTx, TopicHashDS, TopicRawBlock, TopicRawTx,
}

const (
	// DefaultReadDeadline is applied to each socket read so that the
	// receive loop notices Stop.
	DefaultReadDeadline = 500 * time.Millisecond

	// maxTopicLen bounds the topic frame.
	maxTopicLen = 32

	// maxBodySize bounds a single published payload. Blocks on this
	// network may be far larger than legacy limits.
	maxBodySize = 64 * 1024 * 1024

	// seqNumLen is the length of the sequence number frame.
	seqNumLen = 4

	// notificationBuffer is the buffer of the delivery channel.
	notificationBuffer = 128
)

// ErrStopped is returned by Next once the subscriber is stopped.
var ErrStopped = errors.New("zmq subscriber stopped")

// Notification is one published message.
type Notification struct {
	Topic string
	Body  []byte
	Seq   uint32
}

// Config configures a Subscriber.
type Config struct {
	// Addr is the tcp://host:port or host:port of the publisher.
	Addr string

	// Topics are the topics to subscribe to. Publishers match by
	// prefix, so "hash" receives every hash topic.
	Topics []string

	// ReadDeadline bounds each socket read.
	ReadDeadline time.Duration
}

// Endpoint returns the node argument publishing topic on port, for
// example -zmqpubhashblock=tcp://127.0.0.1:28332.
func Endpoint(topic string, port int) string {
	return fmt.Sprintf("-zmqpub%s=tcp://127.0.0.1:%d", topic, port)
}

// Subscriber receives notifications on one ZMQ connection.
type Subscriber struct {
	cfg  Config
	conn *gozmq.Conn

	ntfns chan *Notification

	started sync.Once
	stopped sync.Once
	wg      sync.WaitGroup
	quit    chan struct{}
}

// Subscribe connects to the publisher. Receiving starts with Start.
func Subscribe(cfg Config) (*Subscriber, error) {
	if cfg.ReadDeadline == 0 {
		cfg.ReadDeadline = DefaultReadDeadline
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = AllTopics
	}
	addr := strings.TrimPrefix(cfg.Addr, "tcp://")

	conn, err := gozmq.Subscribe(addr, cfg.Topics, cfg.ReadDeadline)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to zmq %v: %w",
			cfg.Topics, err)
	}

	return &Subscriber{
		cfg:   cfg,
		conn:  conn,
		ntfns: make(chan *Notification, notificationBuffer),
		quit:  make(chan struct{}),
	}, nil
}

// Start spins off the receive goroutine.
func (s *Subscriber) Start() {
	s.started.Do(func() {
		s.wg.Add(1)
		go s.eventHandler()
	})
}

// Stop closes the connection and waits for the receive goroutine.
func (s *Subscriber) Stop() error {
	var err error
	s.stopped.Do(func() {
		close(s.quit)
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// Notifications returns the delivery channel.
func (s *Subscriber) Notifications() <-chan *Notification {
	return s.ntfns
}

// Next returns the next notification.
func (s *Subscriber) Next(ctx context.Context) (*Notification, error) {
	select {
	case n := <-s.ntfns:
		return n, nil
	case <-s.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitFor returns the next notification whose topic starts with prefix,
// discarding the others.
func (s *Subscriber) WaitFor(ctx context.Context, prefix string,
	timeout time.Duration) (*Notification, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		n, err := s.Next(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &wait.TimeoutError{
				What:    fmt.Sprintf("zmq %s", prefix),
				Timeout: timeout,
			}
		case err != nil:
			return nil, err
		}

		if strings.HasPrefix(n.Topic, prefix) {
			return n, nil
		}
		log.Tracef("Skipping zmq %s while waiting for %s", n.Topic,
			prefix)
	}
}

// eventHandler reads messages from the socket and delivers them.
//
// NOTE: This must be run as a goroutine.
func (s *Subscriber) eventHandler() {
	defer s.wg.Done()

	log.Infof("Started listening for zmq %v notifications on %v",
		s.cfg.Topics, s.conn.RemoteAddr())

	// Messages have three parts: the topic, the body and the sequence
	// number. The buffers are reused; each delivered body is copied.
	var (
		topic  [maxTopicLen]byte
		seqNum [seqNumLen]byte
		data   = make([]byte, maxBodySize)
	)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		bufs := [][]byte{topic[:], data, seqNum[:]}
		bufs, err := s.conn.Receive(bufs)
		if err != nil {
			if err == io.EOF {
				return
			}

			// Reads time out regularly so that quit is noticed.
			netErr, ok := err.(net.Error)
			if ok && netErr.Timeout() {
				continue
			}

			select {
			case <-s.quit:
				return
			default:
			}
			log.Errorf("Unable to receive zmq message: %v", err)
			continue
		}

		if len(bufs) < 2 {
			log.Warnf("Dropping zmq message with %d parts",
				len(bufs))
			continue
		}

		n := &Notification{
			Topic: string(bufs[0]),
			Body:  append([]byte(nil), bufs[1]...),
		}
		if !isASCII(n.Topic) {
			continue
		}
		if len(bufs) > 2 && len(bufs[2]) == seqNumLen {
			n.Seq = binary.LittleEndian.Uint32(bufs[2])
		}

		select {
		case s.ntfns <- n:
		case <-s.quit:
			return
		}
	}
}

func isASCII(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}

// DecodeHash returns the hash carried by a hashblock, hashtx or hashds
// notification. The node publishes hashes in display byte order.
func DecodeHash(n *Notification) (*chainhash.Hash, error) {
	if len(n.Body) != chainhash.HashSize {
		return nil, fmt.Errorf("%s body has %d bytes, want %d",
			n.Topic, len(n.Body), chainhash.HashSize)
	}
	var h chainhash.Hash
	for i := 0; i < chainhash.HashSize; i++ {
		h[i] = n.Body[chainhash.HashSize-1-i]
	}
	return &h, nil
}

// DecodeTx deserializes a rawtx notification.
func DecodeTx(n *Notification) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(n.Body)); err != nil {
		return nil, fmt.Errorf("unable to deserialize %s: %w", n.Topic,
			err)
	}
	return tx, nil
}

// DecodeBlock deserializes a rawblock notification.
func DecodeBlock(n *Notification) (*wire.MsgBlock, error) {
	block := &wire.MsgBlock{}
	if err := block.Deserialize(bytes.NewReader(n.Body)); err != nil {
		return nil, fmt.Errorf("unable to deserialize %s: %w", n.Topic,
			err)
	}
	return block, nil
}
