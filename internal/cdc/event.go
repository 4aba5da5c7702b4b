// Package cdc holds the change event produced for every consumed message.
package cdc

import (
	"time"

	"github.com/lsm/cdctail/internal/decode"
	"github.com/lsm/cdctail/internal/source"
)

// ChangeEvent is one consumed change record ready to be logged.
type ChangeEvent struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       *string // nil when the message had no key
	Payload   decode.Payload
	Timestamp time.Time // capture time, not broker time
}

// NewChangeEvent builds the event for msg captured at the given instant.
func NewChangeEvent(msg source.Message, payload decode.Payload, capturedAt time.Time) ChangeEvent {
	ev := ChangeEvent{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Payload:   payload,
		Timestamp: capturedAt,
	}
	if msg.Key != nil {
		k := string(msg.Key)
		ev.Key = &k
	}
	return ev
}

// KeyValue returns the key as a log value, nil when absent.
func (e ChangeEvent) KeyValue() any {
	if e.Key == nil {
		return nil
	}
	return *e.Key
}
