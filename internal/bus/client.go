// Package bus publishes domain events to NATS.
//
// Subjects are namespaced with the configured prefix, so a [Client] created
// with prefix "glyphstudio" publishes "live.turn" as "glyphstudio.live.turn".
// Payloads are JSON.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultConnectTimeout bounds the initial connection attempt.
const DefaultConnectTimeout = 5 * time.Second

// Options configures [Connect].
type Options struct {
	// Servers lists NATS URLs. At least one is required.
	Servers []string

	// SubjectPrefix is prepended to every subject with a dot. Empty publishes
	// subjects unchanged.
	SubjectPrefix string

	// Name identifies the connection on the server.
	Name string

	Username string
	Password string
	Token    string

	// ConnectTimeout defaults to [DefaultConnectTimeout].
	ConnectTimeout time.Duration
}

// Client wraps a NATS connection.
type Client struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials the configured servers.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}

	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	name := opts.Name
	if name == "" {
		name = "glyphstudio"
	}

	natsOpts := []nats.Option{
		nats.Name(name),
		nats.Timeout(timeout),
	}
	if opts.Username != "" || opts.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}

	url := strings.Join(opts.Servers, ",")
	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "servers", url)

	return &Client{conn: conn, prefix: strings.TrimSuffix(opts.SubjectPrefix, ".")}, nil
}

// Subject returns the fully qualified subject for s.
func (c *Client) Subject(s string) string {
	if c.prefix == "" {
		return s
	}
	return c.prefix + "." + s
}

// Publish encodes v as JSON and publishes it on the prefixed subject.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	if err := c.conn.Publish(c.Subject(subject), data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Healthy reports whether the connection is established.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Ping verifies the connection with a server round trip.
func (c *Client) Ping(ctx context.Context) error {
	if !c.Healthy() {
		return errors.New("bus: not connected")
	}
	timeout := 2 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := c.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("bus: ping: %w", err)
	}
	return nil
}

// Conn exposes the underlying connection for subscribers.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	slog.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		slog.Warn("bus: drain", "err", err)
	}
	c.conn.Close()
}
