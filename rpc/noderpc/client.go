// Package noderpc is a thin JSON-RPC client for the node under test. Method
// names are opaque strings: Call forwards whatever it is given, and the few
// typed helpers in this package are built on top of it.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/davecgh/go-spew/spew"
)

// DefaultTimeout bounds every call that is not given its own deadline.
const DefaultTimeout = 60 * time.Second

// Config describes how to reach a node's RPC server.
type Config struct {
	// Host is the host:port of the RPC server.
	Host string

	// User and Pass are the basic auth credentials used when no cookie
	// file is configured or it cannot be read.
	User string
	Pass string

	// CookiePath is the node's .cookie file. When set, credentials are
	// read from it and re-read whenever the node rejects them, since the
	// node writes a new cookie on every start.
	CookiePath string

	// Timeout bounds each call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client issues JSON-RPC 1.0 calls over HTTP POST.
//
// A Client is meant for one logical flow of sequential calls; flows that
// need parallel RPC should use separate clients.
type Client struct {
	cfg        Config
	url        string
	httpClient *http.Client

	// nextID is the id of the previous request. It only grows.
	nextID uint64

	authMtx sync.Mutex
	user    string
	pass    string
}

// New returns a client for cfg. No connection is made until the first call.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("rpc host not set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg: cfg,
		url: "http://" + cfg.Host,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			},
		},
		user: cfg.User,
		pass: cfg.Pass,
	}

	if cfg.CookiePath != "" {
		// The cookie may not exist before the node has started, so
		// failure here is not fatal.
		_ = c.loadCookie()
	}

	return c, nil
}

// Host returns the address the client talks to.
func (c *Client) Host() string {
	return c.cfg.Host
}

// LastID returns the id of the most recent request.
func (c *Client) LastID() uint64 {
	return atomic.LoadUint64(&c.nextID)
}

// loadCookie reads user:pass from the cookie file.
func (c *Client) loadCookie() error {
	data, err := os.ReadFile(c.cfg.CookiePath)
	if err != nil {
		return err
	}

	user, pass, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		return fmt.Errorf("malformed cookie file %s", c.cfg.CookiePath)
	}

	c.authMtx.Lock()
	c.user, c.pass = user, pass
	c.authMtx.Unlock()

	return nil
}

// credentials returns the current basic auth pair.
func (c *Client) credentials() (string, string) {
	c.authMtx.Lock()
	defer c.authMtx.Unlock()

	return c.user, c.pass
}

// Call invokes method with positional args and returns the raw result.
func (c *Client) Call(method string, args ...interface{}) (json.RawMessage,
	error) {

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	return c.CallContext(ctx, method, args...)
}

// CallContext is Call with a caller supplied context in place of the
// default timeout.
func (c *Client) CallContext(ctx context.Context, method string,
	args ...interface{}) (json.RawMessage, error) {

	if args == nil {
		args = []interface{}{}
	}

	id := atomic.AddUint64(&c.nextID, 1)
	req, err := btcjson.NewRequest(btcjson.RpcVersion1, id, method, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	log.Tracef("Request %d: %s", id, NewLogClosure(func() string {
		return string(body)
	}))

	resp, err := c.post(ctx, body)
	if err == ErrUnauthorized && c.cfg.CookiePath != "" {
		// The node may have been restarted with a new cookie.
		if cookieErr := c.loadCookie(); cookieErr == nil {
			resp, err = c.post(ctx, body)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var reply btcjson.Response
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, fmt.Errorf("%s: malformed reply: %w", method, err)
	}

	log.Tracef("Reply %d: %v", id, NewLogClosure(func() string {
		return spew.Sdump(reply)
	}))

	if reply.Error != nil {
		return nil, &RPCError{
			Code:    reply.Error.Code,
			Message: reply.Error.Message,
			Method:  method,
			Args:    args,
		}
	}
	if reply.Result == nil {
		return nil, fmt.Errorf("%s: %w", method, ErrEmptyResponse)
	}

	return reply.Result, nil
}

// post sends one request body and returns the response body. Non-200
// replies are passed through when they carry a JSON body, since the node
// reports RPC errors with status 500 or 404.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(body),
	)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	user, pass := c.credentials()
	httpReq.SetBasicAuth(user, pass)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case httpResp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized

	case httpResp.StatusCode != http.StatusOK && !json.Valid(respBody):
		return nil, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	return respBody, nil
}

// CallResult invokes method and decodes the result into result. Numbers are
// decoded as json.Number when result holds interface values, so amounts
// keep their exact decimal text.
func (c *Client) CallResult(result interface{}, method string,
	args ...interface{}) error {

	raw, err := c.Call(method, args...)
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}

	return nil
}
