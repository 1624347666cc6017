package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"msgarchive/internal/domain"
)

var (
	ErrClosed    = errors.New("storage: closed")
	ErrDuplicate = errors.New("storage: duplicate identifier")
)

// Store is the durable sink for archived messages. Begin and Delete may be
// called concurrently; the backend provides whatever serialization it needs.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	// Delete removes the row matching both topic and id and returns the number of rows removed.
	Delete(ctx context.Context, topic, id string) (int64, error)
	// LatestID returns the greatest identifier stored for topic.
	LatestID(ctx context.Context, topic string) (string, bool, error)
	Close() error
}

// Tx groups the inserts of one flush. A failed Insert does not invalidate
// the transaction.
type Tx interface {
	Insert(ctx context.Context, rec domain.Record) error
	Commit() error
	Rollback() error
}

// RowErrors is returned by Commit when a backend only learns about rejected
// rows at commit time. The remaining rows are committed.
type RowErrors map[string]error

func (e RowErrors) Error() string {
	ids := make([]string, 0, len(e))
	for id := range e {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e[id]))
	}
	return fmt.Sprintf("%d rows rejected: %s", len(e), strings.Join(parts, "; "))
}
