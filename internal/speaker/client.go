// Package speaker is a minimal client for the speaker's XML control API.
// Only the read-only queries used for capability probing are implemented.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tinkerbelle-io/tb-speakerd/internal/descriptor"
)

// DefaultPort is the control API port.
const DefaultPort = 8090

// Query failure classes, matched with errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrTimeout     = errors.New("timeout")
	ErrUnreachable = errors.New("unreachable")
	ErrMalformed   = errors.New("malformed response")
)

// Client talks to speakers on their control port.
type Client struct {
	http    *http.Client
	port    int
	timeout time.Duration
}

// NewClient creates a client. timeout bounds each query.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		http:    &http.Client{},
		port:    port,
		timeout: timeout,
	}
}

// BaseURL returns the control API root for address. An address that
// already carries a port (host:port, [v6]:port) is used as is.
func (c *Client) BaseURL(address string) string {
	if _, port, err := net.SplitHostPort(address); err == nil && port != "" {
		return "http://" + address
	}
	return "http://" + net.JoinHostPort(address, strconv.Itoa(c.port))
}

// Get fetches path from the speaker at address (host or host:port) and
// decodes the XML reply.
// Errors wrap exactly one of the package's failure classes.
func (c *Client) Get(ctx context.Context, address, path string) (*descriptor.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL(address)+path, nil)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %v", path, ErrUnreachable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w: %v", path, classify(err), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: %w: status %d", path, ErrMalformed, resp.StatusCode)
	}

	root, err := descriptor.DecodeReader(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("GET %s: %w: %v", path, ErrTimeout, err)
		}
		return nil, fmt.Errorf("GET %s: %w: %v", path, ErrMalformed, err)
	}
	// the firmware reports unsupported endpoints as 200 with an <errors> body
	if root.Name == "errors" {
		if e := root.Find("error"); e != nil && e.Attr("value") == "404" {
			return nil, fmt.Errorf("GET %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("GET %s: %w: %s", path, ErrMalformed, root.FindText("error"))
	}
	return root, nil
}

func classify(err error) error {
	if isTimeout(err) {
		return ErrTimeout
	}
	return ErrUnreachable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
