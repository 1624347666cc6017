// Package redis stores archived messages in Redis. Each message is a hash and
// every topic keeps a sorted set of its identifiers, all at score 0, so that
// lexicographic range queries return them in time order.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"msgarchive/internal/domain"
	"msgarchive/internal/storage"

	redis "github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "msgarchive:"

// insertScript writes one message unless its identifier already exists.
// It returns 1 if applied, 0 on duplicate.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'topic', ARGV[2], 'payload', ARGV[3], 'timestamp', ARGV[4], 'retain', ARGV[5], 'qos', ARGV[6])
redis.call('ZADD', KEYS[2], 0, ARGV[1])
return 1
`)

// deleteScript removes the message only if it belongs to the topic.
var deleteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Store struct {
	client redis.Cmdable
	closer io.Closer
	prefix string
	closed atomic.Bool
}

var _ storage.Store = (*Store)(nil)

// Open dials Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Store, error) {
	c := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return New(c, opts.KeyPrefix), nil
}

// New wraps an existing client. The client is closed with the store when it
// implements io.Closer.
func New(client redis.Cmdable, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	s := &Store{client: client, prefix: prefix}
	if c, ok := client.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *Store) MessageKey(id string) string { return s.prefix + "msg:" + id }

func (s *Store) TopicKey(topic string) string { return s.prefix + "topic:" + topic }

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if s.closed.Load() {
		return nil, storage.ErrClosed
	}
	return &txn{store: s, ctx: ctx, pipe: s.client.TxPipeline()}, nil
}

func (s *Store) Delete(ctx context.Context, topic, id string) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	return deleteScript.Run(ctx, s.client, []string{s.TopicKey(topic), s.MessageKey(id)}, id).Int64()
}

func (s *Store) LatestID(ctx context.Context, topic string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, storage.ErrClosed
	}
	ids, err := s.client.ZRevRangeByLex(ctx, s.TopicKey(topic), &redis.ZRangeBy{Min: "-", Max: "+", Count: 1}).Result()
	if err != nil {
		return "", false, err
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) || s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

type pendingRow struct {
	id  string
	cmd *redis.Cmd
}

// txn queues one script call per row inside MULTI/EXEC. Duplicates are only
// known once the pipeline has run, so Commit reports them as RowErrors.
type txn struct {
	store *Store
	ctx   context.Context
	pipe  redis.Pipeliner
	rows  []pendingRow
	done  bool
}

func (t *txn) Insert(ctx context.Context, rec domain.Record) error {
	if t.done {
		return errors.New("insert after commit or rollback")
	}
	keys := []string{t.store.MessageKey(rec.ID), t.store.TopicKey(rec.Topic)}
	cmd := insertScript.Eval(ctx, t.pipe, keys, rec.ID, rec.Topic, rec.Payload, rec.Timestamp, boolToInt(rec.Retain), int(rec.QoS))
	t.rows = append(t.rows, pendingRow{id: rec.ID, cmd: cmd})
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if len(t.rows) == 0 {
		return nil
	}
	_, execErr := t.pipe.Exec(t.ctx)

	rowErrs := storage.RowErrors{}
	for _, r := range t.rows {
		if err := r.cmd.Err(); err != nil {
			rowErrs[r.id] = err
			continue
		}
		if applied, _ := r.cmd.Int64(); applied == 0 {
			rowErrs[r.id] = storage.ErrDuplicate
		}
	}
	if execErr != nil && len(rowErrs) == len(t.rows) {
		return execErr
	}
	if len(rowErrs) > 0 {
		return rowErrs
	}
	return nil
}

func (t *txn) Rollback() error {
	if !t.done {
		t.done = true
		t.pipe.Discard()
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
