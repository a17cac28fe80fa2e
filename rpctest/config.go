package rpctest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bitcoinunlimited/qaharness/portbook"
)

// ConfFileName is the name of the node configuration file in a datadir.
const ConfFileName = "bitcoin.conf"

// noValue is the type of NoValue.
type noValue struct{}

// NoValue removes a key from the written configuration. Assign it in a
// scenario's ConfValues to drop one of the defaults.
var NoValue = noValue{}

// ConfValues are the key/value pairs written to a node's configuration
// file. Values may be strings, integers, booleans, string slices (written
// as one line per element) or NoValue.
type ConfValues map[string]interface{}

// Merge returns a copy of c overridden by every entry of other.
func (c ConfValues) Merge(other ConfValues) ConfValues {
	merged := make(ConfValues, len(c)+len(other))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

// RPCAuth returns the fallback rpc user and password of node index. The
// node prefers the cookie it writes itself, so these are only used when
// the cookie cannot be read.
func RPCAuth(index int) (string, string) {
	return fmt.Sprintf("rpcuser%d", index), fmt.Sprintf("rpcpass%d", index)
}

// DefaultConf returns the configuration every harness node starts from:
// regtest, no discovery, a single loopback RPC binding and the service
// ports handed out for the node.
func DefaultConf(index int, ports map[portbook.Kind]int) ConfValues {
	user, pass := RPCAuth(index)
	conf := ConfValues{
		"server":          1,
		"discover":        0,
		"regtest":         1,
		"listenonion":     0,
		"maxlimitertxfee": 0,
		"minlimitertxfee": 0,
		"limitfreerelay":  15,
		"usecashaddr":     0,
		"bindallorfail":   1,
		"rpcbind":         "127.0.0.1",
		"rpcallowip":      "127.0.0.1",
		"rpcuser":         user,
		"rpcpassword":     pass,
	}
	for kind, port := range ports {
		conf[kind.ConfigKey()] = strconv.Itoa(port)
	}
	return conf
}

// formatConfValue renders one value, or reports ok false for NoValue.
func formatConfValue(v interface{}) ([]string, bool) {
	switch val := v.(type) {
	case noValue, *noValue:
		return nil, false

	case []string:
		return val, true

	case bool:
		if val {
			return []string{"1"}, true
		}
		return []string{"0"}, true

	default:
		return []string{fmt.Sprint(val)}, true
	}
}

// WriteConfig writes values to path in the node's key=value format. Keys are
// written in sorted order so that two runs with the same values produce the
// same file.
func WriteConfig(path string, values ConfValues) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := bufio.NewWriter(f)
	for _, k := range keys {
		lines, ok := formatConfValue(values[k])
		if !ok {
			continue
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s=%s\n", k, line)
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadConfig parses a configuration file written by WriteConfig. Repeated
// keys come back as string slices.
func ReadConfig(path string) (ConfValues, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(ConfValues)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}

		switch prev := values[key].(type) {
		case nil:
			values[key] = val
		case string:
			values[key] = []string{prev, val}
		case []string:
			values[key] = append(prev, val)
		}
	}
	return values, scanner.Err()
}
