// Package rabbitmq bridges AMQP deliveries into the archive.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"msgarchive/internal/domain"
	"msgarchive/internal/ingest"
	"msgarchive/internal/logging"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	// TopicPrefix is prepended to topics derived from the routing key.
	TopicPrefix string
	Logger      *logrus.Logger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	handler  ingest.Handler
	log      *logrus.Entry
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, handler ingest.Handler) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "msgarchive-rabbitmq"
	}
	return &Adapter{
		cfg:     cfg,
		handler: handler,
		log:     logging.Component(cfg.Logger, "rabbitmq"),
		closed:  make(chan struct{}),
		ops:     make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

// Start dials the broker, declares the exchange and queue, and begins
// consuming. Deliveries are handled on cfg.Workers goroutines until ctx ends
// or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	conn, err := a.dial()
	if err != nil {
		return err
	}
	ch, deliveries, err := a.subscribe(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.log.WithFields(logrus.Fields{"queue": a.cfg.Queue, "exchange": a.cfg.Exchange, "workers": a.cfg.Workers}).Info("rabbitmq bridge started")

	a.wg.Add(1 + a.cfg.Workers)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) dial() (*amqp091.Connection, error) {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	tlsCfg, err := a.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	dialCfg.TLSClientConfig = tlsCfg
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}

// subscribe opens a channel bound to a durable topic exchange. Routing keys
// default to "#" so every message published to the exchange is archived.
func (a *Adapter) subscribe(conn *amqp091.Connection) (*amqp091.Channel, <-chan amqp091.Delivery, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	out, err := a.declare(ch)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return ch, out, nil
}

func (a *Adapter) declare(ch *amqp091.Channel) (<-chan amqp091.Delivery, error) {
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", a.cfg.Exchange, err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", a.cfg.Queue, err)
	}
	keys := a.cfg.RoutingKeys
	if len(keys) == 0 {
		keys = []string{"#"}
	}
	for _, key := range keys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	out, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue: %w", err)
	}
	return out, nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	// Tasks still buffered in ops are never acked; the broker redelivers
	// them once the channel closes.
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}
	ev, err := a.parseDelivery(d)
	if err != nil {
		a.log.WithError(err).WithField("routing_key", d.RoutingKey).Warn("dropping rabbitmq delivery")
		_ = d.Nack(false, false)
		return
	}
	a.handler.Handle(ctx, &ev)
	_ = d.Ack(false)
}

// parseDelivery maps a delivery onto an event. The topic comes from the
// mqtt_topic header or, failing that, from the routing key with '.' turned
// into '/'. Remaining headers become properties in key order.
func (a *Adapter) parseDelivery(d amqp091.Delivery) (domain.Event, error) {
	ev := domain.Event{
		Topic:      a.cfg.TopicPrefix + strings.ReplaceAll(d.RoutingKey, ".", "/"),
		Payload:    append([]byte(nil), d.Body...),
		QoS:        1,
		Source:     "rabbitmq",
		ClientID:   fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag),
		ReceivedAt: time.Now().UTC(),
	}
	keys := make([]string, 0, len(d.Headers))
	for k := range d.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := headerString(d.Headers, k)
		switch k {
		case ingest.HeaderTopic:
			ev.Topic = v
		case ingest.HeaderRetain:
			ev.Retain = ingest.ParseRetain(v)
		case ingest.HeaderQoS:
			ev.QoS = ingest.ParseQoS(v, ev.QoS)
		default:
			ev.SetProperty(k, v)
		}
	}
	if ev.Topic == a.cfg.TopicPrefix {
		ev.Topic = ""
	}
	if err := ingest.ValidateTopic(ev.Topic); err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func headerString(table amqp091.Table, key string) string {
	if table == nil {
		return ""
	}
	v, ok := table[key]
	if !ok {
		return ""
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
