// Package kafka bridges Kafka records into the archive. Each record becomes
// one event; offsets are committed once the event has been handed over.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"msgarchive/internal/domain"
	"msgarchive/internal/ingest"
	"msgarchive/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	CommitModeAfterHandle = "after_handle"
	// ParseModeRaw uses the record value as payload and headers as properties.
	ParseModeRaw = "raw"
	// ParseModeJSON expects a JSON envelope carrying topic, payload and flags.
	ParseModeJSON   = "json_envelope"
	ParseModeCustom = "custom_mapper"
)

const finalCommitTimeout = 5 * time.Second

// ErrMalformedRecord marks records that can never be handled. Their offsets
// are committed so the group does not stall on them.
var ErrMalformedRecord = errors.New("kafka malformed record")

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.Event, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	CommitMode     string
	ParseMode      string
	// TopicPrefix is prepended to the Kafka topic name when a record has no
	// mqtt_topic header.
	TopicPrefix string
	Auth        AuthConfig
	Fetch       FetchConfig
	Logger      *logrus.Logger

	CustomMapper Mapper
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type jsonEnvelope struct {
	Topic      string            `json:"topic"`
	Payload    json.RawMessage   `json:"payload"`
	Retain     bool              `json:"retain"`
	QoS        *int              `json:"qos"`
	Properties map[string]string `json:"properties"`
}

type Adapter struct {
	cfg Config
	log *logrus.Entry

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	handler      ingest.Handler
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, handler ingest.Handler, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		log:     logging.Component(cfg.Logger, "kafka"),
		client:  cl,
		handler: handler,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.CommitMode == "" {
		c.CommitMode = CommitModeAfterHandle
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeRaw
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.CommitMode != CommitModeAfterHandle {
		return fmt.Errorf("unsupported commit mode %q", c.CommitMode)
	}
	switch c.ParseMode {
	case ParseModeRaw, ParseModeJSON:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka.parse_mode custom_mapper needs a mapper")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

// Start consumes until ctx is cancelled or Close is called. Records already
// fetched are handled and their offsets committed before it returns.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	defer a.drain(ctx)()

	a.log.WithFields(logrus.Fields{"topics": a.cfg.Topics, "group": a.cfg.GroupID}).Info("kafka bridge started")
	for {
		if ctx.Err() != nil || a.closed.Load() {
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

// drain starts the handler workers and the ack loop. The returned func closes
// the record queue and blocks until every queued record is handled and acked.
// Workers handle with a context that outlives ctx so the backlog is not
// failed by shutdown.
func (a *Adapter) drain(ctx context.Context) func() {
	handleCtx := context.WithoutCancel(ctx)
	var workers sync.WaitGroup
	for i := 0; i < a.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.runWorker(handleCtx)
		}()
	}
	acksDone := make(chan struct{})
	go func() {
		defer close(acksDone)
		a.handleAcks(ctx)
	}()
	return func() {
		close(a.records)
		workers.Wait()
		close(a.acks)
		<-acksDone
	}
}

func (a *Adapter) Close() { a.closed.Store(true) }

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		ev, err := a.normalizeRecord(rec)
		if err != nil {
			a.log.WithError(err).WithField("offset", sourceRef(rec)).Warn("skipping kafka record")
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		a.handler.Handle(ctx, &ev)
		a.acks <- recordAck{record: rec}
	}
}

// handleAcks runs until acks is closed. Once ctx is done offsets are only
// marked, then committed together on the way out.
func (a *Adapter) handleAcks(ctx context.Context) {
	pending := false
	for ack := range a.acks {
		if ack.record == nil {
			continue
		}
		if ack.err != nil && !errors.Is(ack.err, ErrMalformedRecord) {
			continue
		}
		a.markCommit(ack.record)
		if ctx.Err() != nil {
			pending = true
			continue
		}
		if err := a.commitMarked(ctx); err != nil {
			if ctx.Err() != nil {
				pending = true
				continue
			}
			a.log.WithError(err).Warn("offset commit failed")
		}
	}
	if !pending {
		return
	}
	commitCtx, cancel := context.WithTimeout(context.Background(), finalCommitTimeout)
	defer cancel()
	if err := a.commitMarked(commitCtx); err != nil {
		a.log.WithError(err).Warn("final offset commit failed")
	}
}

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.Event, error) {
	var ev domain.Event
	switch a.cfg.ParseMode {
	case ParseModeRaw:
		ev = a.rawEvent(rec)
	case ParseModeJSON:
		decoded, err := parseJSONEnvelope(rec.Value)
		if err != nil {
			return ev, err
		}
		ev = decoded
		if ev.Topic == "" {
			ev.Topic = a.cfg.TopicPrefix + rec.Topic
		}
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return ev, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return ev, err
		}
		ev = decoded
	default:
		return ev, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	ev.Source = "kafka"
	ev.ClientID = sourceRef(rec)
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	return ev, validateEvent(ev)
}

func (a *Adapter) rawEvent(rec *kgo.Record) domain.Event {
	ev := domain.Event{Topic: a.cfg.TopicPrefix + rec.Topic, Payload: append([]byte(nil), rec.Value...), QoS: 1}
	for _, h := range rec.Headers {
		switch h.Key {
		case ingest.HeaderTopic:
			ev.Topic = string(h.Value)
		case ingest.HeaderRetain:
			ev.Retain = ingest.ParseRetain(string(h.Value))
		case ingest.HeaderQoS:
			ev.QoS = ingest.ParseQoS(string(h.Value), ev.QoS)
		default:
			ev.SetProperty(h.Key, string(h.Value))
		}
	}
	return ev
}

func parseJSONEnvelope(payload []byte) (domain.Event, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.Event{}, fmt.Errorf("%w: parse json envelope: %v", ErrMalformedRecord, err)
	}
	ev := domain.Event{Topic: in.Topic, Retain: in.Retain, QoS: 1}
	if in.QoS != nil {
		if *in.QoS < 0 || *in.QoS > 2 {
			return domain.Event{}, fmt.Errorf("%w: qos %d out of range", ErrMalformedRecord, *in.QoS)
		}
		ev.QoS = byte(*in.QoS)
	}
	// A JSON string payload is stored as its text, anything else verbatim.
	var text string
	if err := json.Unmarshal(in.Payload, &text); err == nil {
		ev.Payload = []byte(text)
	} else if len(in.Payload) > 0 && string(in.Payload) != "null" {
		ev.Payload = append([]byte(nil), in.Payload...)
	}
	keys := make([]string, 0, len(in.Properties))
	for k := range in.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev.SetProperty(k, in.Properties[k])
	}
	return ev, nil
}

func validateEvent(ev domain.Event) error {
	if err := ingest.ValidateTopic(ev.Topic); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return nil
}

func sourceRef(rec *kgo.Record) string {
	return fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset)
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
