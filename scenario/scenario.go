// Package scenario holds the end-to-end checks run by the qaharness command.
// Each scenario gets a fresh Framework, starts the nodes it needs and
// returns an error describing the first check that did not hold.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// DefaultAmount is the value sent by the funding scenarios.
	DefaultAmount = btcutil.Amount(btcutil.SatoshiPerBitcoin)

	// DefaultTimeout bounds each wait of a scenario.
	DefaultTimeout = 60 * time.Second

	// notifyTimeout bounds the wait for an index notification.
	notifyTimeout = 10 * time.Second

	// matureBlocks is the number of blocks that make the first coinbase
	// spendable on regtest.
	matureBlocks = 101
)

// Options tune a scenario run.
type Options struct {
	// Amount is sent by the funding scenarios.
	Amount btcutil.Amount

	// Timeout bounds each wait.
	Timeout time.Duration
}

func (o *Options) amount() btcutil.Amount {
	if o == nil || o.Amount == 0 {
		return DefaultAmount
	}
	return o.Amount
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Func is the body of a scenario.
type Func func(ctx context.Context, f *rpctest.Framework, opts *Options) error

// Scenario is a named end-to-end check.
type Scenario struct {
	// Name identifies the scenario on the command line.
	Name string

	// Description is a one line summary.
	Description string

	// PortSeed, when not zero, replaces the run's port seed.
	PortSeed int64

	// NeedsElectrum marks scenarios that start the index server.
	NeedsElectrum bool

	// Run is the scenario body.
	Run Func
}

// all lists the registered scenarios by name.
var all = map[string]*Scenario{}

// register adds s to the registry. It panics on duplicate names since that
// can only be a programming error.
func register(s *Scenario) {
	if _, ok := all[s.Name]; ok {
		panic(fmt.Sprintf("scenario %s registered twice", s.Name))
	}
	all[s.Name] = s
}

// Lookup returns the scenario called name.
func Lookup(name string) (*Scenario, bool) {
	s, ok := all[name]
	return s, ok
}

// Names returns the names of all scenarios, sorted.
func Names() []string {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs s on a new framework built from cfg. The framework is torn
// down before returning; on failure the report has been written and the
// temporary directory is kept.
func Execute(ctx context.Context, s *Scenario, cfg rpctest.FrameworkConfig,
	opts *Options) error {

	if s.PortSeed != 0 {
		cfg.Ports.Seed = s.PortSeed
	}

	f, err := rpctest.NewFramework(cfg)
	if err != nil {
		return err
	}

	log.Infof("Running scenario %s: %s", s.Name, s.Description)
	start := time.Now()

	err = f.Run(ctx, func(ctx context.Context, f *rpctest.Framework) error {
		return s.Run(ctx, f, opts)
	})
	if err != nil {
		return fmt.Errorf("scenario %s: %w", s.Name, err)
	}

	log.Infof("Scenario %s passed in %v", s.Name,
		time.Since(start).Round(time.Millisecond))
	return nil
}
