package metrics

import (
	"fmt"
	"net"
	"strings"
	"sync"
)

// metricType is the statsd wire-format metric type suffix.
type metricType string

const (
	typeGauge   metricType = "g"
	typeCounter metricType = "c"
)

// Client sends gauge and counter updates to a statsd-compatible UDP
// listener, with telegraf-style "key=value" tags. An empty host disables
// sending entirely: Gauge/Increase/UnexpectedException become no-ops.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	tags    map[string]string
	onError func(error)
}

// NewClient dials a UDP "connection" to host:port (UDP dial performs no
// handshake; it just fixes the destination address for subsequent writes).
// An empty host disables the client.
func NewClient(host string, port int, tags map[string]string) (*Client, error) {
	c := &Client{tags: tags}
	if host == "" {
		return c, nil
	}
	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dial statsd: %w", err)
	}
	c.conn = conn
	return c, nil
}

// OnError installs a callback invoked whenever a send fails. Errors are
// otherwise swallowed: metrics delivery is always best-effort and must
// never propagate into the caller's decision path.
func (c *Client) OnError(fn func(error)) {
	c.onError = fn
}

// Gauge reports an instantaneous value for metric.
func (c *Client) Gauge(metric string, value float64, tags map[string]string) {
	c.send(metric, typeGauge, value, tags)
}

// Increase reports a counter increment (or decrement, for negative values).
func (c *Client) Increase(metric string, delta float64, tags map[string]string) {
	c.send(metric, typeCounter, delta, tags)
}

// UnexpectedException increments the "exception" counter, tagging it with
// the originating component and error type so operators can see where
// recovered panics and swallowed errors are coming from.
func (c *Client) UnexpectedException(where string, err error) {
	allTags := map[string]string{
		"exception": fmt.Sprintf("%T", err),
		"where":     where,
	}
	c.Increase("exception", 1, allTags)
}

// Close releases the underlying UDP socket, if one was opened.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) send(metric string, mt metricType, value float64, tags map[string]string) {
	if c.conn == nil {
		return
	}

	merged := make(map[string]string, len(c.tags)+len(tags))
	for k, v := range c.tags {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}

	var b strings.Builder
	b.WriteString(metric)
	for k, v := range merged {
		fmt.Fprintf(&b, ",%s=%s", k, v)
	}
	fmt.Fprintf(&b, ":%s|%s", formatValue(value), mt)

	c.mu.Lock()
	_, err := c.conn.Write([]byte(b.String()))
	c.mu.Unlock()
	if err != nil && c.onError != nil {
		c.onError(fmt.Errorf("statsd send: %w", err))
	}
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
