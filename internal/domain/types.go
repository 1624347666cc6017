package domain

import "time"

// IdentifierProperty is the user property key carrying the identifier assigned
// to a published message. Clearing a retained message with this property set
// deletes exactly that stored row.
const IdentifierProperty = "ulid"

type Property struct {
	Key   string
	Value string
}

// Event is one inbound publish, independent of the transport it arrived on.
type Event struct {
	Topic      string
	Payload    []byte
	Retain     bool
	QoS        byte
	Properties []Property
	Source     string
	ClientID   string
	ReceivedAt time.Time
}

// Property returns the value of the first property named key.
func (e *Event) Property(key string) (string, bool) {
	for _, p := range e.Properties {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (e *Event) SetProperty(key, value string) {
	e.Properties = append(e.Properties, Property{Key: key, Value: value})
}

// IsRetainedClear reports whether the event clears the retained message of its topic.
func (e *Event) IsRetainedClear() bool {
	return e.Retain && len(e.Payload) == 0
}

// Record is the durable projection of an event.
type Record struct {
	ID        string
	Topic     string
	Payload   string
	Timestamp int64
	Retain    bool
	QoS       byte
}
