// Package mqtt embeds an MQTT broker and hands every publish it accepts to
// the archive before the broker stores or forwards it.
package mqtt

import (
	"bytes"
	"context"
	"time"

	"msgarchive/internal/domain"
	"msgarchive/internal/ingest"
	"msgarchive/internal/logging"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/sirupsen/logrus"
)

const hookID = "msgarchive"

// Hook runs the archive inside the broker's publish path. The identifier
// the archive assigns is written back as a user property so subscribers
// receive it with the message.
type Hook struct {
	mochi.HookBase
	handler ingest.Handler
	log     *logrus.Entry
	ctx     context.Context
}

func NewHook(handler ingest.Handler, log *logrus.Logger) *Hook {
	return &Hook{handler: handler, log: logging.Component(log, "mqtt"), ctx: context.Background()}
}

func (h *Hook) ID() string { return hookID }

func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{mochi.OnPublish}, []byte{b})
}

// OnPublish never rejects a packet. Routing failures are handled and logged
// by the archive.
func (h *Hook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	ev := toEvent(cl, pk)
	id := h.handler.Handle(h.ctx, &ev)
	h.log.WithFields(logrus.Fields{"topic": pk.TopicName, "ulid": id.String()}).Debug("publish archived")

	pk.Properties.User = pk.Properties.User[:0:0]
	for _, p := range ev.Properties {
		pk.Properties.User = append(pk.Properties.User, packets.UserProperty{Key: p.Key, Val: p.Value})
	}
	return pk, nil
}

func toEvent(cl *mochi.Client, pk packets.Packet) domain.Event {
	ev := domain.Event{
		Topic:      pk.TopicName,
		Payload:    pk.Payload,
		Retain:     pk.FixedHeader.Retain,
		QoS:        pk.FixedHeader.Qos,
		Source:     "mqtt",
		ReceivedAt: time.Now().UTC(),
	}
	if cl != nil {
		ev.ClientID = cl.ID
	}
	for _, p := range pk.Properties.User {
		ev.SetProperty(p.Key, p.Val)
	}
	return ev
}
