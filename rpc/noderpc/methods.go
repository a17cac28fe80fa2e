package noderpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// PeerInfo is one element of getpeerinfo. The node extends the common
// result with the names of the peer's service bits and the extended version
// map it received from the peer.
type PeerInfo struct {
	btcjson.GetPeerInfoResult

	ServicesNames ServiceNames `json:"servicesnames"`

	// ExtVersionMap maps 16 hex digit keys to hex encoded values.
	ExtVersionMap map[string]string `json:"extversion_map"`

	// XVersionMap is the same map as reported by releases that predate
	// the extversion rename.
	XVersionMap map[string]string `json:"xversion_map"`
}

// extMap returns whichever extended version map the node reported.
func (p *PeerInfo) extMap() map[string]string {
	if p.ExtVersionMap != nil {
		return p.ExtVersionMap
	}
	return p.XVersionMap
}

// ServiceNames lists the names of a peer's service bits. Depending on the
// release the node reports them as an array or as one delimited string; both
// decode into the same slice.
type ServiceNames []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *ServiceNames) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}

	var joined string
	if err := json.Unmarshal(b, &joined); err != nil {
		return fmt.Errorf("servicesnames: %w", err)
	}
	*s = strings.FieldsFunc(joined, func(r rune) bool {
		return r == ' ' || r == '|' || r == ','
	})
	return nil
}

// HasService reports whether a service name containing name is advertised,
// so both "EXTVERSION" and "NODE_EXTVERSION" match the same bit.
func (p *PeerInfo) HasService(name string) bool {
	for _, s := range p.ServicesNames {
		if strings.Contains(s, name) {
			return true
		}
	}
	return false
}

// ExtVersionLen returns the number of entries in the peer's extended version
// map.
func (p *PeerInfo) ExtVersionLen() int {
	return len(p.extMap())
}

// ExtVersionValue returns the decoded value stored under key in the peer's
// extended version map.
func (p *PeerInfo) ExtVersionValue(key uint64) ([]byte, bool) {
	v, ok := p.extMap()[fmt.Sprintf("%016x", key)]
	if !ok {
		return nil, false
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

// ExtVersionValues returns every decoded value of the peer's extended
// version map, ordered by key.
func (p *PeerInfo) ExtVersionValues() [][]byte {
	m := p.extMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]byte, 0, len(keys))
	for _, k := range keys {
		b, err := hex.DecodeString(m[k])
		if err != nil {
			continue
		}
		values = append(values, b)
	}
	return values
}

// GetBlockCount returns the height of the node's best chain.
func (c *Client) GetBlockCount() (int64, error) {
	var count int64
	err := c.CallResult(&count, "getblockcount")
	return count, err
}

// GetBestBlockHash returns the hash of the node's tip.
func (c *Client) GetBestBlockHash() (*chainhash.Hash, error) {
	var s string
	if err := c.CallResult(&s, "getbestblockhash"); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(s)
}

// GetBlockHash returns the hash of the block at height.
func (c *Client) GetBlockHash(height int64) (*chainhash.Hash, error) {
	var s string
	if err := c.CallResult(&s, "getblockhash", height); err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(s)
}

// Generate mines n blocks to the node's wallet and returns their hashes.
func (c *Client) Generate(n int) ([]*chainhash.Hash, error) {
	var hashes []string
	if err := c.CallResult(&hashes, "generate", n); err != nil {
		return nil, err
	}
	return parseHashes(hashes)
}

// GetRawMempool returns the txids in the node's mempool.
func (c *Client) GetRawMempool() ([]*chainhash.Hash, error) {
	var txids []string
	if err := c.CallResult(&txids, "getrawmempool"); err != nil {
		return nil, err
	}
	return parseHashes(txids)
}

// GetPeerInfo returns the node's view of its peers.
func (c *Client) GetPeerInfo() ([]PeerInfo, error) {
	var peers []PeerInfo
	err := c.CallResult(&peers, "getpeerinfo")
	return peers, err
}

// BanEntry is one element of listbanned.
type BanEntry struct {
	Address     string `json:"address"`
	BannedUntil int64  `json:"banned_until"`
	BanCreated  int64  `json:"ban_created"`
	BanReason   string `json:"ban_reason"`
}

// ListBanned returns the node's ban list.
func (c *Client) ListBanned() ([]BanEntry, error) {
	var bans []BanEntry
	err := c.CallResult(&bans, "listbanned")
	return bans, err
}

// IsBanned reports whether any ban list entry covers host.
func (c *Client) IsBanned(host string) (bool, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return false, fmt.Errorf("invalid IP address %q", host)
	}

	bans, err := c.ListBanned()
	if err != nil {
		return false, err
	}
	for _, b := range bans {
		if !strings.Contains(b.Address, "/") {
			if banned := net.ParseIP(b.Address); banned.Equal(ip) {
				return true, nil
			}
			continue
		}
		_, subnet, err := net.ParseCIDR(b.Address)
		if err != nil {
			return false, fmt.Errorf("ban entry %q: %w", b.Address,
				err)
		}
		if subnet.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

// AddNode issues addnode with the given command (add, remove, onetry).
func (c *Client) AddNode(addr, command string) error {
	_, err := c.Call("addnode", addr, command)
	return err
}

// DisconnectNode drops the peer at addr.
func (c *Client) DisconnectNode(addr string) error {
	_, err := c.Call("disconnectnode", addr)
	return err
}

// GetNewAddress returns a fresh wallet address.
func (c *Client) GetNewAddress() (string, error) {
	var addr string
	err := c.CallResult(&addr, "getnewaddress")
	return addr, err
}

// SendToAddress pays amount to addr from the node's wallet.
func (c *Client) SendToAddress(addr string,
	amount btcutil.Amount) (*chainhash.Hash, error) {

	var txid string
	err := c.CallResult(&txid, "sendtoaddress", addr, AmountToJSON(amount))
	if err != nil {
		return nil, err
	}
	return chainhash.NewHashFromStr(txid)
}

// GetBalance returns the wallet balance.
func (c *Client) GetBalance() (btcutil.Amount, error) {
	var n json.Number
	if err := c.CallResult(&n, "getbalance"); err != nil {
		return 0, err
	}
	return AmountFromJSON(n)
}

// GetElectrumInfo returns the index server telemetry as relayed by the node.
// Values are kept as json.Number.
func (c *Client) GetElectrumInfo() (map[string]interface{}, error) {
	var info map[string]interface{}
	err := c.CallResult(&info, "getelectruminfo")
	return info, err
}

// ElectrumInfoInt returns one integer telemetry field of getelectruminfo.
func (c *Client) ElectrumInfoInt(key string) (int64, bool, error) {
	info, err := c.GetElectrumInfo()
	if err != nil {
		return 0, false, err
	}

	v, ok := info[key]
	if !ok {
		return 0, false, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false, fmt.Errorf("getelectruminfo %s: unexpected "+
			"type %T", key, v)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false, err
	}
	return i, true, nil
}

// Stop asks the node to shut down.
func (c *Client) Stop() error {
	_, err := c.Call("stop")
	return err
}

// Set calls the node's runtime tunable setter. Each pair is sent as a
// "key=value" argument.
func (c *Client) Set(pairs map[string]interface{}) (json.RawMessage, error) {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%v", k, pairs[k]))
	}
	return c.Call("set", args...)
}

// Get calls the node's runtime tunable getter with the given patterns.
func (c *Client) Get(patterns ...string) (map[string]interface{}, error) {
	args := make([]interface{}, len(patterns))
	for i, p := range patterns {
		args[i] = p
	}

	var result map[string]interface{}
	err := c.CallResult(&result, "get", args...)
	return result, err
}

// Log returns the space separated list of active debug categories, read
// through the generic tunable getter.
func (c *Client) Log() (string, error) {
	result, err := c.Get("log")
	if err != nil {
		return "", err
	}

	v, ok := result["log"]
	if !ok {
		return "", fmt.Errorf("get log: no log entry in %v", result)
	}

	switch cats := v.(type) {
	case string:
		return cats, nil

	case []interface{}:
		parts := make([]string, 0, len(cats))
		for _, c := range cats {
			parts = append(parts, fmt.Sprint(c))
		}
		return strings.Join(parts, " "), nil

	default:
		return fmt.Sprint(cats), nil
	}
}

// parseHashes converts hex hashes as returned by the node.
func parseHashes(strs []string) ([]*chainhash.Hash, error) {
	hashes := make([]*chainhash.Hash, 0, len(strs))
	for _, s := range strs {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
