// Package broker establishes the AMQP session: connection, channel, queue
// declaration, bindings, and the consumer stream. Sessions are owned by the
// connection supervisor; the ingest loop only borrows them.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys the logger subscribes to, mirroring the upstream gateway's
// topology: submitted messages, SMSC acknowledgments, delivery receipts.
var DefaultBindings = []string{
	"submit.sm.*",
	"submit.sm.resp.*",
	"dlr_thrower.*",
}

const (
	DefaultExchange = "messaging"
	DefaultQueue    = "jasminmongologd_queue"
)

// Config describes the broker endpoint and consumer topology.
type Config struct {
	Host      string
	Port      int
	VHost     string
	Username  string
	Password  string
	Heartbeat time.Duration

	Exchange    string
	Queue       string
	Bindings    []string
	ConsumerTag string
	Prefetch    int

	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	if cfg.Username == "" {
		cfg.Username = "guest"
	}
	if cfg.Password == "" {
		cfg.Password = "guest"
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if len(cfg.Bindings) == 0 {
		cfg.Bindings = DefaultBindings
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "jasminmongologd-" + uuid.NewString()
	}
	if cfg.Prefetch <= 0 {
		// One unacked message at a time preserves receipt-order processing.
		cfg.Prefetch = 1
	}
	return cfg
}

// URL renders the amqp:// endpoint. The vhost travels in the dial config, not
// the path, so names containing slashes need no escaping games.
func (c Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
	return u.String()
}

// Session is one live consumer channel. Deliveries flow on Deliveries();
// Closed() fires when the transport drops so the supervisor can re-dial.
type Session struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
	tag        string
}

// Dial connects, declares the queue, binds the routing keys, and starts the
// consumer. The context bounds the TCP connect; AMQP handshake timing is
// governed by the heartbeat setting.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	dialTimeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		dialTimeout = time.Until(deadline)
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cfg.ConsumerTag)
	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Vhost:      cfg.VHost,
		Heartbeat:  cfg.Heartbeat,
		Dial:       amqp.DefaultDial(dialTimeout),
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.Queue, false, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
	}
	for _, key := range cfg.Bindings {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("bind %s to %s via %s: %w", cfg.Queue, cfg.Exchange, key, err)
		}
	}

	deliveries, err := ch.Consume(cfg.Queue, cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)

	logger.Info("consumer started",
		"queue", cfg.Queue,
		"exchange", cfg.Exchange,
		"bindings", cfg.Bindings,
		"consumer_tag", cfg.ConsumerTag,
	)

	return &Session{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		closed:     closed,
		tag:        cfg.ConsumerTag,
	}, nil
}

// Deliveries returns the consumer stream. The channel closes when the
// session dies.
func (s *Session) Deliveries() <-chan amqp.Delivery { return s.deliveries }

// Closed fires once when the underlying connection drops.
func (s *Session) Closed() <-chan *amqp.Error { return s.closed }

// Close cancels the consumer and tears the connection down.
func (s *Session) Close() {
	if s.ch != nil {
		_ = s.ch.Cancel(s.tag, false)
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
