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

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
)

// Client publishes daemon events on NATS and lets tools subscribe to them.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// Message is the JSON body published for every event.
type Message struct {
	SessionID string            `json:"session_id"`
	Type      string            `json:"type"`
	Level     string            `json:"level,omitempty"`
	Message   string            `json:"message,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Time      time.Time         `json:"time"`
}

func Connect(ctx context.Context, cfg config.BusConfig, servers []string, log *slog.Logger) (*Client, error) {
	if len(servers) == 0 {
		servers = cfg.Servers
	}
	if len(servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-tts"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	url := strings.Join(servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("connected to NATS", slog.String("servers", url))

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tts.event"
	}
	return &Client{conn: conn, prefix: prefix, log: log}, nil
}

// Subject is where events of the given type are published.
func (c *Client) Subject(eventType string) string {
	return c.prefix + "." + eventType
}

func (c *Client) Publish(evt eventstore.Event) error {
	data, err := json.Marshal(Message{
		SessionID: evt.SessionID,
		Type:      evt.Type,
		Level:     evt.Level,
		Message:   evt.Message,
		Attrs:     evt.Attrs,
		Time:      evt.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return c.conn.Publish(c.Subject(evt.Type), data)
}

// Subscribe delivers every event under the prefix until the subscription is
// drained. Undecodable messages are logged and skipped.
func (c *Client) Subscribe(fn func(Message)) (*nats.Subscription, error) {
	return c.conn.Subscribe(c.prefix+".>", func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			c.log.Warn("failed to decode bus event", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		fn(m)
	})
}

// flushTimeout bounds Flush when ctx carries no deadline of its own.
const flushTimeout = 2 * time.Second

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return c.conn.FlushWithContext(ctx)
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}
