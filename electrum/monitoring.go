package electrum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bitcoinunlimited/qaharness/internal/wait"
)

// Telemetry keys the harness waits on.
const (
	IndexHeightKey  = "index_height"
	IndexTxnsKey    = "index_txns"
	MempoolCountKey = "mempool_count"
)

var metricLine = regexp.MustCompile(`^([a-z_]+)\s(\d+)\s*$`)

// ParseMonitoring parses the "key value" metrics served on the index
// server's monitoring port. Lines that are not integer metrics, such as
// comments, are skipped.
func ParseMonitoring(r io.Reader) (map[string]int64, error) {
	metrics := make(map[string]int64)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := metricLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		v, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("metric %s: %w", m[1], err)
		}
		metrics[m[1]] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return metrics, nil
}

// MonitoringClient fetches metrics from the monitoring port.
type MonitoringClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewMonitoringClient returns a client for the monitoring port at addr.
func NewMonitoringClient(addr string) *MonitoringClient {
	return &MonitoringClient{
		URL:        "http://" + addr + "/",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns the current metrics.
func (m *MonitoringClient) Fetch(ctx context.Context) (map[string]int64,
	error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("monitoring %s: %s", m.URL, resp.Status)
	}
	return ParseMonitoring(resp.Body)
}

// InfoSource reports index telemetry as relayed by the node through its
// getelectruminfo RPC.
type InfoSource interface {
	GetElectrumInfo() (map[string]interface{}, error)
}

// NodeHeight reports the node's chain height.
type NodeHeight interface {
	GetBlockCount() (int64, error)
}

// InfoInt looks key up in a getelectruminfo reply: first at the top level,
// then in the debug section, where the server may prefix key names.
func InfoInt(info map[string]interface{}, key string) (int64, bool) {
	if v, ok := toInt(info[key]); ok {
		return v, true
	}
	debug, ok := info["debuginfo"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	if v, ok := toInt(debug[key]); ok {
		return v, true
	}
	for k, raw := range debug {
		if strings.HasSuffix(k, "_"+key) {
			if v, ok := toInt(raw); ok {
				return v, true
			}
		}
	}
	return 0, false
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// WaitForIndexHeight waits until the index has caught up with height. A
// negative height means the node's current height.
func WaitForIndexHeight(ctx context.Context, src InfoSource,
	node NodeHeight, height int64, timeout time.Duration) error {

	return wait.For(ctx, "index height", timeout,
		func() (bool, interface{}, error) {
			want := height
			if want < 0 {
				h, err := node.GetBlockCount()
				if err != nil {
					return false, nil, err
				}
				want = h
			}

			info, err := src.GetElectrumInfo()
			if err != nil {
				return false, nil, err
			}
			got, ok := InfoInt(info, IndexHeightKey)
			if !ok {
				return false, "unknown", nil
			}
			return got >= want, fmt.Sprintf("%d of %d", got, want),
				nil
		},
	)
}

// WaitForIndexMempool waits until the index reports count mempool
// transactions.
func WaitForIndexMempool(ctx context.Context, src InfoSource, count int64,
	timeout time.Duration) error {

	return wait.For(ctx, "index mempool count", timeout,
		func() (bool, interface{}, error) {
			info, err := src.GetElectrumInfo()
			if err != nil {
				return false, nil, err
			}
			got, ok := InfoInt(info, MempoolCountKey)
			if !ok {
				return false, "unknown", nil
			}
			return got == count, got, nil
		},
	)
}
