package events

import (
	"context"
	"encoding/json"
	"errors"
)

// Broadcaster pushes raw messages to live subscribers.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Fanout publishes to every sink in order, then broadcasts the event JSON.
type Fanout struct {
	sinks       []Publisher
	broadcaster Broadcaster
}

// NewFanout constructs a Fanout. broadcaster may be nil.
func NewFanout(broadcaster Broadcaster, sinks ...Publisher) *Fanout {
	return &Fanout{sinks: sinks, broadcaster: broadcaster}
}

// Publish gives every sink a chance to write and joins their errors. The
// broadcast happens even if a sink failed.
func (f *Fanout) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}

	if f.broadcaster != nil {
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, err)
		} else {
			f.broadcaster.Broadcast(data)
		}
	}
	return errors.Join(errs...)
}
