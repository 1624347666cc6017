package socket

import (
	"context"
	"errors"

	"msgarchive/internal/domain"
	"msgarchive/internal/ingest"
	"msgarchive/internal/storage"
	"msgarchive/internal/ulid"
)

var ErrStorageUnavailable = errors.New("storage unavailable")

// Archive is what ArchiveEngine needs from the dispatcher.
type Archive interface {
	ingest.Handler
	Degraded() bool
}

// ArchiveEngine serves socket requests from the dispatcher and the store it
// persists into. store may be nil when the archive runs degraded.
type ArchiveEngine struct {
	archive Archive
	store   storage.Store
}

func NewArchiveEngine(archive Archive, store storage.Store) *ArchiveEngine {
	return &ArchiveEngine{archive: archive, store: store}
}

func (e *ArchiveEngine) Publish(ctx context.Context, ev *domain.Event) (ulid.ID, error) {
	if err := ingest.ValidateTopic(ev.Topic); err != nil {
		return ulid.ID{}, err
	}
	return e.archive.Handle(ctx, ev), nil
}

func (e *ArchiveEngine) Latest(ctx context.Context, topic string) (string, bool, error) {
	if e.store == nil {
		return "", false, ErrStorageUnavailable
	}
	return e.store.LatestID(ctx, topic)
}

func (e *ArchiveEngine) Health(context.Context) (bool, string) {
	if e.archive.Degraded() {
		return false, "degraded: identifiers only, nothing is persisted"
	}
	return true, "ok"
}
