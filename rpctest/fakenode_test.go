package rpctest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
)

// fakeNodeEnv makes the test binary act as a node when it is re-executed by
// the Manager.
const fakeNodeEnv = "QAHARNESS_FAKE_NODE"

// fakeModeKey is the configuration key selecting the fake node's behavior.
const fakeModeKey = "fakemode"

const (
	fakeCookieUser = "__cookie__"
	fakeCookiePass = "fakesecret"

	// fakeWarmupCalls is the number of calls answered with the warmup
	// error after start.
	fakeWarmupCalls = 2
)

// runFakeNode implements just enough of a node for the Manager: it reads
// its configuration from -datadir, writes a cookie and a debug log, and
// serves a few RPCs on the configured port. The mode key of the
// configuration selects failure behaviors.
func runFakeNode() int {
	var datadir string
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-datadir=") {
			datadir = strings.TrimPrefix(arg, "-datadir=")
		}
	}
	if datadir == "" {
		fmt.Fprintln(os.Stderr, "Error: no datadir")
		return 1
	}

	conf, err := ReadConfig(filepath.Join(datadir, ConfFileName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading config: %v\n", err)
		return 1
	}
	mode, _ := conf[fakeModeKey].(string)
	rpcPort, _ := conf["rpcport"].(string)

	switch mode {
	case "initerror":
		fmt.Fprintln(os.Stderr, "Error: fake init failure")
		return 1

	case "bindfail":
		fmt.Fprintf(os.Stderr, "Error: Unable to bind to "+
			"127.0.0.1:%s on this computer.\n", rpcPort)
		return 1

	case "bindonce":
		marker := filepath.Join(datadir, "bindonce")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			os.WriteFile(marker, nil, 0600)
			fmt.Fprintf(os.Stderr, "Error: Unable to bind to "+
				"127.0.0.1:%s on this computer.\n", rpcPort)
			return 1
		}
	}

	regtest := filepath.Join(datadir, "regtest")
	if err := os.MkdirAll(regtest, 0700); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cookie := fakeCookieUser + ":" + fakeCookiePass
	err = os.WriteFile(filepath.Join(regtest, ".cookie"), []byte(cookie),
		0600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	debugLog, err := os.OpenFile(filepath.Join(regtest, "debug.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer debugLog.Close()
	fmt.Fprintf(debugLog, "fake node started in %s\n", datadir)

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", rpcPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Unable to bind to "+
			"127.0.0.1:%s: %v\n", rpcPort, err)
		return 1
	}

	fmt.Println("fake node listening")
	fmt.Fprintln(os.Stderr, "fake node stderr line")

	exit := make(chan int, 1)
	var calls int32
	genesis := chaincfg.RegressionNetParams.GenesisHash.String()

	handler := http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		user, pass, ok := r.BasicAuth()
		if !ok || user != fakeCookieUser || pass != fakeCookiePass {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var req btcjson.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var (
			result interface{}
			rpcErr *btcjson.RPCError
		)
		n := atomic.AddInt32(&calls, 1)
		switch {
		case n <= fakeWarmupCalls:
			rpcErr = &btcjson.RPCError{Code: -28,
				Message: "Loading block index..."}

		case req.Method == "getblockcount":
			result = 0

		case req.Method == "getbestblockhash":
			result = genesis

		case req.Method == "getrawmempool":
			result = []string{}

		case req.Method == "getpeerinfo":
			result = []interface{}{}

		case req.Method == "stop":
			result = "Bitcoin server stopping"
			exit <- 0

		case req.Method == "crash":
			result = "crashing"
			exit <- 3

		default:
			rpcErr = &btcjson.RPCError{
				Code:    btcjson.ErrRPCMethodNotFound.Code,
				Message: "Method not found",
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": result,
			"error":  rpcErr,
			"id":     req.ID,
		})
	})

	go http.Serve(l, handler)

	code := <-exit

	// Let the reply reach the client before going away.
	time.Sleep(100 * time.Millisecond)
	fmt.Fprintf(debugLog, "fake node shutting down\n")
	return code
}
