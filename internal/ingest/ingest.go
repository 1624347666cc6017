// Package ingest holds what the transport adapters share.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"msgarchive/internal/domain"
	"msgarchive/internal/ulid"
)

// Handler receives every inbound event. It never fails; the returned
// identifier is also appended to the event properties.
type Handler interface {
	Handle(ctx context.Context, ev *domain.Event) ulid.ID
}

// Metadata keys adapters read from transport headers.
const (
	HeaderTopic  = "mqtt_topic"
	HeaderRetain = "mqtt_retain"
	HeaderQoS    = "mqtt_qos"
)

var ErrInvalidTopic = errors.New("invalid topic")

// ValidateTopic rejects topics a publisher could not have sent: empty names
// and names carrying wildcard characters.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidTopic)
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ParseRetain accepts the usual boolean spellings and treats anything else as false.
func ParseRetain(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// ParseQoS returns the QoS level in v, or def when v is not 0, 1 or 2.
func ParseQoS(v string, def byte) byte {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 || n > 2 {
		return def
	}
	return byte(n)
}
