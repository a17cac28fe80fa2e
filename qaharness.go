// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/bitcoinunlimited/qaharness/scenario"
)

// errScenariosFailed is returned when at least one scenario did not pass.
var errScenariosFailed = errors.New("scenarios failed")

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := qaharnessMain(); err != nil {
		os.Exit(1)
	}
}

// qaharnessMain is a work-around main function that is required since
// deferred functions (such as log rotator closing) are not called with calls
// to os.Exit.  Instead, main runs this function and checks for a non-nil
// error, at which point any defers have already run, and if the error is
// non-nil, the program can be exited with an error exit status.
func qaharnessMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ctx, cancel := interruptContext()
	defer cancel()

	names := cfg.Scenarios
	if len(names) == 0 {
		names = scenario.Names()
	}

	opts := &scenario.Options{
		Amount:  cfg.Amount.Amount,
		Timeout: cfg.Timeout,
	}

	var failed []string
	start := time.Now()
	for _, name := range names {
		if ctx.Err() != nil {
			log.Warnf("Interrupted, skipping %s", name)
			failed = append(failed, name)
			continue
		}

		s, _ := scenario.Lookup(name)
		if s.NeedsElectrum && cfg.Electrs.Value == "" {
			log.Warnf("Skipping %s: no index server binary "+
				"configured", name)
			continue
		}

		err := scenario.Execute(ctx, s, cfg.frameworkConfig(), opts)
		if err != nil {
			log.Errorf("%v", err)
			failed = append(failed, name)
		}
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if len(failed) > 0 {
		log.Errorf("%d of %d %s failed in %v: %v", len(failed),
			len(names), pickNoun(len(names), "scenario", "scenarios"),
			elapsed, failed)
		return errScenariosFailed
	}

	log.Infof("%d %s passed in %v", len(names),
		pickNoun(len(names), "scenario", "scenarios"), elapsed)
	return nil
}
