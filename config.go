// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/cfgutil"
	"github.com/bitcoinunlimited/qaharness/portbook"
	"github.com/bitcoinunlimited/qaharness/rpctest"
	"github.com/bitcoinunlimited/qaharness/scenario"
	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "qaharness.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "qaharness.log"

	// bitcoindEnv and electrsEnv name the environment variables consulted
	// for binaries not given on the command line.
	bitcoindEnv = "BITCOIND"
	electrsEnv  = "ELECTRS"
)

var (
	qaharnessHomeDir  = btcutil.AppDataDir("qaharness", false)
	defaultConfigFile = filepath.Join(qaharnessHomeDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(qaharnessHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	List        bool   `short:"l" long:"list" description:"List the available scenarios and exit"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	// Binaries
	Bitcoind *cfgutil.ExplicitString `long:"bitcoind" description:"Node binary (default: $BITCOIND, then bitcoind in PATH)"`
	Electrs  *cfgutil.ExplicitString `long:"electrs" description:"Index server binary passed to the node (default: $ELECTRS)"`

	// Run options
	Scenarios []string            `short:"s" long:"scenario" description:"Scenario to run; may be repeated (default: all)"`
	TmpDir    string              `long:"tmpdir" description:"Parent directory of the per scenario temporary roots"`
	NoCleanup bool                `long:"nocleanup" description:"Keep the temporary directories of passing scenarios"`
	Timeout   time.Duration       `long:"timeout" description:"Bound on every wait of a scenario"`
	Amount    *cfgutil.AmountFlag `long:"amount" description:"Value sent by the funding scenarios"`

	// Node process options
	StartTimeout time.Duration `long:"starttimeout" description:"Time a node may take to answer its first RPC"`
	StopTimeout  time.Duration `long:"stoptimeout" description:"Time a node may take to exit after stop"`
	RPCTimeout   time.Duration `long:"rpctimeout" description:"Timeout of a single node RPC"`

	// Port allocation
	PortSeed  int64 `long:"portseed" description:"Seed separating concurrent runs (default: process id)"`
	PortMin   int   `long:"portmin" description:"Lowest port handed out"`
	PortRange int   `long:"portrange" description:"Width of the port window above portmin"`
	MaxNodes  int   `long:"nodes" description:"Maximum number of nodes a scenario may start"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(qaharnessHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// resolveBinary picks the binary named on the command line, then the one
// named by env, then def looked up in PATH. An empty def means the binary
// is optional.
func resolveBinary(flag *cfgutil.ExplicitString, env, def string) (string,
	error) {

	path := flag.OrEnv(env)
	if path == "" {
		path = def
	}
	if path == "" {
		return "", nil
	}

	if strings.ContainsRune(path, filepath.Separator) {
		path = cleanAndExpandPath(path)
	}
	return cfgutil.BinaryPath(path)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in qaharness functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:   defaultLogLevel,
		ConfigFile:   defaultConfigFile,
		LogDir:       defaultLogDir,
		Bitcoind:     cfgutil.NewExplicitString(rpctest.DefaultBinary),
		Electrs:      cfgutil.NewExplicitString(""),
		Timeout:      scenario.DefaultTimeout,
		Amount:       cfgutil.NewAmountFlag(scenario.DefaultAmount),
		StartTimeout: rpctest.DefaultStartTimeout,
		StopTimeout:  rpctest.DefaultStopTimeout,
		PortMin:      portbook.DefaultPortMin,
		PortRange:    portbook.DefaultPortRange,
		MaxNodes:     portbook.DefaultMaxNodes,
	}

	// A config file in the current directory takes precedence.
	exists, err := cfgutil.FileExists(defaultConfigFilename)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if exists {
		cfg.ConfigFile = defaultConfigFilename
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err = preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Show the scenarios and exit if the list flag was specified.
	if preCfg.List {
		for _, name := range scenario.Names() {
			s, _ := scenario.Lookup(name)
			fmt.Printf("%-24s %s\n", name, s.Description)
		}
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	err = initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	// Every requested scenario must exist.
	for _, name := range cfg.Scenarios {
		if _, ok := scenario.Lookup(name); !ok {
			err := fmt.Errorf("%s: unknown scenario %q -- available "+
				"scenarios %v", funcName, name, scenario.Names())
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, nil, err
		}
	}

	// The port window must hold every port of every node.
	if cfg.MaxNodes <= 0 || cfg.PortMin <= 0 || cfg.PortRange <= 0 ||
		cfg.PortMin+cfg.PortRange > 65536 {

		err := fmt.Errorf("%s: invalid port window [%d, %d) for %d "+
			"nodes", funcName, cfg.PortMin, cfg.PortMin+cfg.PortRange,
			cfg.MaxNodes)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	bitcoind, err := resolveBinary(cfg.Bitcoind, bitcoindEnv,
		rpctest.DefaultBinary)
	if err != nil {
		err := fmt.Errorf("%s: node binary: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.Bitcoind.Value = bitcoind

	electrs, err := resolveBinary(cfg.Electrs, electrsEnv, "")
	if err != nil {
		err := fmt.Errorf("%s: index server binary: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.Electrs.Value = electrs

	cfg.TmpDir = cleanAndExpandPath(cfg.TmpDir)

	return &cfg, remainingArgs, nil
}

// frameworkConfig returns the framework configuration of a run.
func (cfg *config) frameworkConfig() rpctest.FrameworkConfig {
	return rpctest.FrameworkConfig{
		Binary:         cfg.Bitcoind.Value,
		ElectrumBinary: cfg.Electrs.Value,
		TmpDir:         cfg.TmpDir,
		NoCleanup:      cfg.NoCleanup,
		Ports: portbook.Config{
			Seed:      cfg.PortSeed,
			MaxNodes:  cfg.MaxNodes,
			PortMin:   cfg.PortMin,
			PortRange: cfg.PortRange,
		},
		StartTimeout: cfg.StartTimeout,
		StopTimeout:  cfg.StopTimeout,
		SyncTimeout:  cfg.Timeout,
		RPCTimeout:   cfg.RPCTimeout,
	}
}
