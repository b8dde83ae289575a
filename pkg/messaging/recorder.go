package messaging

import (
	"context"
	"sync"
)

// Message is a message captured by a Recorder.
type Message struct {
	To      string
	Text    string
	Options []Option
}

// Recorder keeps every sent message in memory. Fail, when set, is returned
// from every send after the message is recorded.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	Fail error
}

func (r *Recorder) SendText(_ context.Context, to, text string) error {
	return r.add(Message{To: to, Text: text})
}

func (r *Recorder) SendChoice(_ context.Context, to, text string, options []Option) error {
	return r.add(Message{To: to, Text: text, Options: append([]Option(nil), options...)})
}

func (r *Recorder) add(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, m)
	return r.Fail
}

// Sent returns a copy of everything recorded so far.
func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

// To returns the messages sent to one identity.
func (r *Recorder) To(identity string) []Message {
	var out []Message
	for _, m := range r.Sent() {
		if m.To == identity {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
