package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"

	"msgarchive/internal/ingest"
	"msgarchive/internal/logging"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Address string
	Logger  *logrus.Logger
}

// Server is a broker with the archive hook installed and a single TCP
// listener. Authentication is left open.
type Server struct {
	cfg    Config
	broker *mochi.Server
	hook   *Hook
	log    *logrus.Entry
	closed atomic.Bool
}

func NewServer(cfg Config, handler ingest.Handler) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("mqtt address is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	broker := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logging.Slog(log, logrus.InfoLevel),
	})
	if err := broker.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("add auth hook: %w", err)
	}
	hook := NewHook(handler, log)
	if err := broker.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("add archive hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: cfg.Address})
	if err := broker.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("add listener %s: %w", cfg.Address, err)
	}
	return &Server{cfg: cfg, broker: broker, hook: hook, log: logging.Component(log, "mqtt")}, nil
}

// Start serves in the background and closes the broker when ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.hook.ctx = ctx
	if err := s.broker.Serve(); err != nil {
		return fmt.Errorf("serve mqtt: %w", err)
	}
	s.log.WithField("address", s.cfg.Address).Info("mqtt broker started")
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

// Publish injects a message through the broker's inline client, which runs
// the same hooks as a network publish.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	return s.broker.Publish(topic, payload, retain, qos)
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.broker.Close()
}
