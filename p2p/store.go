package p2p

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

const (
	// DefaultStoreBytes bounds the serialized size of blocks and
	// transactions kept per connection.
	DefaultStoreBytes = 64 * 1024 * 1024
)

var (
	_ cache.Value = (*cacheableBlock)(nil)
	_ cache.Value = (*cacheableTx)(nil)
)

// cacheableBlock wraps a block so the LRU can account for its size.
type cacheableBlock struct {
	*wire.MsgBlock
}

// Size returns the serialized size of the block. Part of cache.Value.
func (b *cacheableBlock) Size() (uint64, error) {
	return uint64(b.SerializeSize()), nil
}

// cacheableTx wraps a transaction so the LRU can account for its size.
type cacheableTx struct {
	*wire.MsgTx
}

// Size returns the serialized size of the transaction. Part of cache.Value.
func (t *cacheableTx) Size() (uint64, error) {
	return uint64(t.SerializeSize()), nil
}

// Store is the content addressed record of what a connection has seen and
// what the test has offered to the remote node. Blocks and transactions
// refer to each other only through their hashes.
//
// Every exported accessor takes the store lock, and each received message
// is applied under a single lock hold, so readers observe either all of a
// message's effects or none of them.
type Store struct {
	mtx sync.Mutex

	// blocks and txs hold objects received from the peer or pushed by
	// the test, keyed by hash.
	blocks *lru.Cache[chainhash.Hash, *cacheableBlock]
	txs    *lru.Cache[chainhash.Hash, *cacheableTx]

	// offered marks objects the test pushed, which are the only ones
	// served back in response to getdata.
	offered map[chainhash.Hash]struct{}

	headers   []*wire.BlockHeader
	inv       map[wire.InvVect]struct{}
	invOrder  []*wire.InvVect
	notFound  []*wire.InvVect
	lastByCmd map[string]wire.Message
	counts    map[string]int

	pingsRecv  int
	pongsRecv  int
	pongNonces map[uint64]struct{}

	lastReject *wire.MsgReject

	// requested holds every hash the peer asked for with getdata.
	requested map[chainhash.Hash]struct{}

	// changed is closed and replaced on every mutation so waiters can
	// block without polling.
	changed chan struct{}
}

// NewStore returns an empty store holding at most maxBytes of blocks and
// of transactions.
func NewStore(maxBytes uint64) *Store {
	if maxBytes == 0 {
		maxBytes = DefaultStoreBytes
	}
	return &Store{
		blocks: lru.NewCache[chainhash.Hash, *cacheableBlock](
			maxBytes,
		),
		txs:        lru.NewCache[chainhash.Hash, *cacheableTx](maxBytes),
		offered:    make(map[chainhash.Hash]struct{}),
		inv:        make(map[wire.InvVect]struct{}),
		lastByCmd:  make(map[string]wire.Message),
		counts:     make(map[string]int),
		pongNonces: make(map[uint64]struct{}),
		requested:  make(map[chainhash.Hash]struct{}),
		changed:    make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. The caller must hold mtx.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next mutation.
func (s *Store) Changed() <-chan struct{} {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.changed
}

// record applies a received message.
func (s *Store) record(msg wire.Message) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	cmd := msg.Command()
	s.counts[cmd]++
	s.lastByCmd[cmd] = msg

	switch m := msg.(type) {
	case *wire.MsgPing:
		s.pingsRecv++

	case *wire.MsgPong:
		s.pongsRecv++
		s.pongNonces[m.Nonce] = struct{}{}

	case *wire.MsgInv:
		for _, iv := range m.InvList {
			if _, ok := s.inv[*iv]; ok {
				continue
			}
			s.inv[*iv] = struct{}{}
			s.invOrder = append(s.invOrder, iv)
		}

	case *wire.MsgGetData:
		for _, iv := range m.InvList {
			s.requested[iv.Hash] = struct{}{}
		}

	case *wire.MsgNotFound:
		s.notFound = append(s.notFound, m.InvList...)

	case *wire.MsgHeaders:
		s.headers = append(s.headers, m.Headers...)

	case *wire.MsgBlock:
		s.putBlockLocked(m)

	case *wire.MsgTx:
		s.putTxLocked(m)

	case *wire.MsgReject:
		s.lastReject = m
	}

	s.notifyLocked()
}

func (s *Store) putBlockLocked(b *wire.MsgBlock) chainhash.Hash {
	hash := b.BlockHash()
	if _, err := s.blocks.Put(hash, &cacheableBlock{b}); err != nil {
		log.Warnf("Unable to cache block %v: %v", hash, err)
	}
	return hash
}

func (s *Store) putTxLocked(tx *wire.MsgTx) chainhash.Hash {
	hash := tx.TxHash()
	if _, err := s.txs.Put(hash, &cacheableTx{tx}); err != nil {
		log.Warnf("Unable to cache transaction %v: %v", hash, err)
	}
	return hash
}

// Offer adds blocks and transactions the test is about to announce, so a
// later getdata from the node can be answered.
func (s *Store) Offer(blocks []*wire.MsgBlock, txs []*wire.MsgTx) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, b := range blocks {
		s.offered[s.putBlockLocked(b)] = struct{}{}
	}
	for _, tx := range txs {
		s.offered[s.putTxLocked(tx)] = struct{}{}
	}
	s.notifyLocked()
}

// served returns the message answering a getdata entry, or nil when the
// object was never offered.
func (s *Store) served(iv *wire.InvVect) wire.Message {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.offered[iv.Hash]; !ok {
		return nil
	}

	switch iv.Type {
	case wire.InvTypeBlock:
		b, err := s.blocks.Get(iv.Hash)
		if err != nil {
			return nil
		}
		return b.MsgBlock

	case wire.InvTypeTx:
		tx, err := s.txs.Get(iv.Hash)
		if err != nil {
			return nil
		}
		return tx.MsgTx
	}
	return nil
}

// Block returns the block with the given hash.
func (s *Store) Block(hash chainhash.Hash) (*wire.MsgBlock, bool) {
	b, err := s.blocks.Get(hash)
	if err != nil {
		return nil, false
	}
	return b.MsgBlock, true
}

// Tx returns the transaction with the given hash.
func (s *Store) Tx(hash chainhash.Hash) (*wire.MsgTx, bool) {
	tx, err := s.txs.Get(hash)
	if err != nil {
		return nil, false
	}
	return tx.MsgTx, true
}

// HasInv reports whether the peer announced iv.
func (s *Store) HasInv(iv wire.InvVect) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.inv[iv]
	return ok
}

// Inv returns every announced inventory vector in arrival order.
func (s *Store) Inv() []*wire.InvVect {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*wire.InvVect(nil), s.invOrder...)
}

// Requested reports whether the peer asked for hash with getdata.
func (s *Store) Requested(hash chainhash.Hash) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.requested[hash]
	return ok
}

// NotFound returns every entry the peer answered with notfound.
func (s *Store) NotFound() []*wire.InvVect {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*wire.InvVect(nil), s.notFound...)
}

// Headers returns every header received, in order.
func (s *Store) Headers() []*wire.BlockHeader {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*wire.BlockHeader(nil), s.headers...)
}

// Last returns the most recent message received for command.
func (s *Store) Last(command string) (wire.Message, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	m, ok := s.lastByCmd[command]
	return m, ok
}

// Count returns how many messages were received for command.
func (s *Store) Count(command string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.counts[command]
}

// PingCount returns the number of pings received.
func (s *Store) PingCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pingsRecv
}

// PongCount returns the number of pongs received.
func (s *Store) PongCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.pongsRecv
}

// HasPong reports whether a pong with nonce was received.
func (s *Store) HasPong(nonce uint64) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	_, ok := s.pongNonces[nonce]
	return ok
}

// LastReject returns the most recent reject message.
func (s *Store) LastReject() *wire.MsgReject {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastReject
}

// Summary lists the commands received with their counts.
func (s *Store) Summary() map[string]int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// countOnly records a message the harness has no type for.
func (s *Store) countOnly(command string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.counts[command]++
	s.notifyLocked()
}

// touch wakes waiters without changing anything.
func (s *Store) touch() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.notifyLocked()
}
