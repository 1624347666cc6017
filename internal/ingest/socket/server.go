// Package socket exposes the archive over a framed TCP or unix socket
// protocol: 4-byte big-endian length prefixes around protobuf messages.
package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"msgarchive/internal/domain"
	"msgarchive/internal/hashroute"
	"msgarchive/internal/logging"
	"msgarchive/internal/ulid"

	"github.com/sirupsen/logrus"
)

type Engine interface {
	Publish(context.Context, *domain.Event) (ulid.ID, error)
	Latest(context.Context, string) (string, bool, error)
	Health(context.Context) (bool, string)
}

type Config struct {
	Network, Address, UnixSocketPath, AuthToken string
	MaxInflight, GlobalQueueLimit               int
	TLSConfig                                   *tls.Config
	Logger                                      *logrus.Logger
}

type Server struct {
	cfg     Config
	engine  Engine
	log     *logrus.Entry
	ln      net.Listener
	addr    atomic.Value
	globalQ chan struct{}
	partQ   []chan queuedRequest
	closed  atomic.Bool
	once    sync.Once
	done    chan struct{}
	wg      sync.WaitGroup
	connWG  sync.WaitGroup
	connMu  sync.Mutex
	conns   map[net.Conn]struct{}
}

type queuedRequest struct {
	ctx     context.Context
	req     *SocketRequest
	conn    *connection
	release func()
}
type connection struct {
	c        net.Conn
	writerQ  chan *SocketResponse
	inflight chan struct{}
}

func NewServer(cfg Config, engine Engine) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	s := &Server{cfg: cfg, engine: engine, log: logging.Component(cfg.Logger, "socket"), globalQ: make(chan struct{}, cfg.GlobalQueueLimit), partQ: make([]chan queuedRequest, hashroute.PartitionCount), conns: make(map[net.Conn]struct{}), done: make(chan struct{})}
	for i := range s.partQ {
		s.partQ[i] = make(chan queuedRequest, 128)
	}
	return s
}

func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is cancelled or Close is called. It
// returns only after every accepted request has been answered.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Address
	if s.cfg.Network == "unix" {
		addr = s.cfg.UnixSocketPath
	}
	ln, err := net.Listen(s.cfg.Network, addr)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	for i := range s.partQ {
		s.wg.Add(1)
		go s.runPartitionWorker(s.partQ[i])
	}
	s.connMu.Unlock()
	s.addr.Store(ln.Addr().String())
	s.log.WithField("address", ln.Addr().String()).Info("socket listener started")

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				<-s.done
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops accepting, waits for in-flight requests to finish and stops the
// partition workers. Concurrent callers all block until that is done.
func (s *Server) Close() error {
	s.once.Do(s.shutdown)
	return nil
}

func (s *Server) shutdown() {
	defer close(s.done)
	s.connMu.Lock()
	s.closed.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.connMu.Unlock()
	s.connWG.Wait()
	for _, q := range s.partQ {
		close(q)
	}
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[raw] = struct{}{}
	s.connWG.Add(2)
	s.connMu.Unlock()

	conn := &connection{c: raw, writerQ: make(chan *SocketResponse, 256), inflight: make(chan struct{}, s.cfg.MaxInflight)}
	go func() { defer s.connWG.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.connWG.Done()
		defer func() {
			s.connMu.Lock()
			delete(s.conns, raw)
			s.connMu.Unlock()
			_ = raw.Close()
		}()
		s.readLoop(ctx, conn)
		// Wait for queued requests on this connection before closing its
		// writer so their responses are not sent on a closed channel.
		for i := 0; i < cap(conn.inflight); i++ {
			conn.inflight <- struct{}{}
		}
		close(conn.writerQ)
	}()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := WriteFrame(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &SocketResponse{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeUnauthenticated), ErrorMessage: "invalid auth token"})
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "connection inflight limit exceeded"})
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "adapter queue overloaded"})
			continue
		}

		qr := queuedRequest{ctx: ctx, req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		q := s.partQ[partitionFor(req)]
		select {
		case q <- qr:
		default:
			qr.release()
			s.send(conn, &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOverloaded), ErrorMessage: "partition queue overloaded"})
		}
	}
}

func (s *Server) runPartitionWorker(q chan queuedRequest) {
	defer s.wg.Done()
	for req := range q {
		res := s.handleRequest(req.ctx, req.req)
		s.send(req.conn, res)
		req.release()
	}
}

func (s *Server) send(conn *connection, res *SocketResponse) {
	select {
	case conn.writerQ <- res:
	default:
		s.log.WithField("request_id", res.RequestId).Warn("socket writer queue full, response dropped")
	}
}

// partitionFor keeps every request for one topic on one worker.
func partitionFor(req *SocketRequest) int {
	if req.Publish != nil && req.Publish.Message != nil {
		return hashroute.PartitionForTopic(req.Publish.Message.Topic)
	}
	if req.PublishBatch != nil && len(req.PublishBatch.Messages) > 0 && req.PublishBatch.Messages[0] != nil {
		return hashroute.PartitionForTopic(req.PublishBatch.Messages[0].Topic)
	}
	if req.Latest != nil {
		return hashroute.PartitionForTopic(req.Latest.Topic)
	}
	return 0
}

func (s *Server) handleRequest(ctx context.Context, req *SocketRequest) *SocketResponse {
	res := &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		ok, msg := s.engine.Health(ctx)
		res.Health = &HealthResponse{Ok: ok, Message: msg}
	case OperationPublish:
		if req.Publish == nil || req.Publish.Message == nil {
			return badReq(req, "publish message required")
		}
		return s.publish(ctx, req, res, []*Message{req.Publish.Message})
	case OperationPublishBatch:
		if req.PublishBatch == nil || len(req.PublishBatch.Messages) == 0 {
			return badReq(req, "publish_batch messages required")
		}
		return s.publish(ctx, req, res, req.PublishBatch.Messages)
	case OperationLatest:
		if req.Latest == nil {
			return badReq(req, "latest query required")
		}
		id, found, err := s.engine.Latest(ctx, req.Latest.Topic)
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeInternal), err.Error()
			return res
		}
		if !found {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeNotFound), "no record for topic"
			res.Latest = &LatestResponse{}
			return res
		}
		res.Latest = &LatestResponse{Found: true, Identifier: id}
		if parsed, err := ulid.Parse(id); err == nil {
			res.Latest.TimestampMs = int64(parsed.Timestamp())
		}
	default:
		return badReq(req, "unknown operation")
	}
	return res
}

func badReq(req *SocketRequest, msg string) *SocketResponse {
	return &SocketResponse{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: msg}
}

func (s *Server) publish(ctx context.Context, req *SocketRequest, res *SocketResponse, msgs []*Message) *SocketResponse {
	topic := ""
	for _, m := range msgs {
		if m == nil {
			return badReq(req, "nil message in batch")
		}
		if topic != "" && m.Topic != topic {
			return badReq(req, "publish_batch messages must share one topic")
		}
		topic = m.Topic
	}
	out := &PublishResponse{Accepted: true, Partition: uint32(hashroute.PartitionForTopic(topic))}
	for _, m := range msgs {
		ev := toDomain(m)
		id, err := s.engine.Publish(ctx, &ev)
		if err != nil {
			res.ErrorCode, res.ErrorMessage = int32(ErrorCodeBadRequest), err.Error()
			res.Publish = out
			out.Accepted = len(out.Identifiers) > 0
			return res
		}
		out.Identifiers = append(out.Identifiers, id.String())
		out.TimestampMs = int64(id.Timestamp())
	}
	res.Publish = out
	return res
}

func toDomain(m *Message) domain.Event {
	ev := domain.Event{
		Topic:      m.Topic,
		Payload:    m.Payload,
		Retain:     m.Retain,
		QoS:        byte(m.Qos),
		Source:     "socket",
		ClientID:   m.ClientId,
		ReceivedAt: time.Now().UTC(),
	}
	if m.Qos > 2 {
		ev.QoS = 0
	}
	for _, p := range m.Properties {
		if p != nil {
			ev.SetProperty(p.Key, p.Value)
		}
	}
	return ev
}

func DialAndRequest(ctx context.Context, network, address string, req *SocketRequest) (*SocketResponse, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	return UnmarshalResponse(frame)
}

func Retryable(code int32) bool              { return ErrorCode(code) == ErrorCodeOverloaded }
func Error(code ErrorCode, msg string) error { return fmt.Errorf("%d:%s", code, msg) }
