package events

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

type Message struct {
	Topic   string
	Payload []byte
}

// Recorder is an in-memory Publisher for tests. Setting Err makes every publish fail.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
	Err  error
}

func (r *Recorder) Publish(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, Message{Topic: topic, Payload: payload})
	return nil
}

// Messages returns the recorded messages for topic, or all messages when topic is empty.
func (r *Recorder) Messages(topic string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func Decode[T any](m Message) (T, error) {
	var v T
	err := json.Unmarshal(m.Payload, &v)
	return v, err
}
