// Package archive is the per-event entry point: it tags every event with an
// identifier and decides whether the event is stored, deletes a stored row or
// is ignored.
package archive

import (
	"context"

	"msgarchive/internal/domain"
	"msgarchive/internal/logging"
	"msgarchive/internal/metrics"
	"msgarchive/internal/storage"
	"msgarchive/internal/topic"
	"msgarchive/internal/ulid"

	"github.com/sirupsen/logrus"
)

// Enqueuer accepts records for batched insertion without blocking on I/O.
type Enqueuer interface {
	Enqueue(rec domain.Record) bool
}

type Config struct {
	Generator *ulid.Generator
	Filter    *topic.Filter
	Queue     Enqueuer
	// Store is nil when storage could not be opened. Identifiers are still
	// assigned but nothing is persisted.
	Store   storage.Store
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

type Archive struct {
	ids     *ulid.Generator
	filter  *topic.Filter
	queue   Enqueuer
	store   storage.Store
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func New(cfg Config) *Archive {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	a := &Archive{
		ids:     cfg.Generator,
		filter:  cfg.Filter,
		queue:   cfg.Queue,
		store:   cfg.Store,
		log:     logging.Component(cfg.Logger, "archive"),
		metrics: cfg.Metrics,
	}
	for _, p := range cfg.Filter.Patterns() {
		a.log.WithField("pattern", p).Info("excluding topic pattern from persistence")
	}
	return a
}

// Degraded reports whether the archive runs without storage.
func (a *Archive) Degraded() bool { return a.store == nil || a.queue == nil }

// Handle processes one inbound event and returns the identifier assigned to
// it. The identifier is appended to ev.Properties under
// domain.IdentifierProperty once routing is done, so a retained clear is
// resolved against the properties the publisher sent.
func (a *Archive) Handle(ctx context.Context, ev *domain.Event) ulid.ID {
	id := a.ids.Next()
	text := id.String()
	defer ev.SetProperty(domain.IdentifierProperty, text)

	log := a.log.WithFields(logrus.Fields{"topic": ev.Topic, "ulid": text})
	switch {
	case a.filter.Excluded(ev.Topic):
		a.metrics.Event(metrics.OutcomeExcluded)
		log.Debug("topic excluded from persistence")
	case a.Degraded():
		a.metrics.Event(metrics.OutcomeDegraded)
		log.Debug("storage unavailable, message not persisted")
	case ev.IsRetainedClear():
		a.metrics.Event(metrics.OutcomeDelete)
		a.resolveDelete(ctx, ev)
	default:
		rec := domain.Record{
			ID:        text,
			Topic:     ev.Topic,
			Payload:   string(ev.Payload),
			Timestamp: int64(id.Timestamp()),
			Retain:    ev.Retain,
			QoS:       ev.QoS,
		}
		if !a.queue.Enqueue(rec) {
			a.metrics.Event(metrics.OutcomeDropped)
			log.Warn("flush worker not running, message dropped")
			return id
		}
		a.metrics.Event(metrics.OutcomePersist)
		log.Debug("message queued")
	}
	return id
}
