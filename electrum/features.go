package electrum

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Features is the server.features reply.
type Features struct {
	GenesisHash   string `json:"genesis_hash"`
	HashFunction  string `json:"hash_function"`
	ServerVersion string `json:"server_version"`
	ProtocolMin   string `json:"protocol_min"`
	ProtocolMax   string `json:"protocol_max"`
	Pruning       *int64 `json:"pruning"`
}

// CheckGenesis verifies that the server indexes the chain of params.
func (f *Features) CheckGenesis(params *chaincfg.Params) error {
	want := params.GenesisHash.String()
	if f.GenesisHash != want {
		return fmt.Errorf("%w: server reports %q, %s has %q",
			ErrGenesisMismatch, f.GenesisHash, params.Name, want)
	}
	return nil
}
