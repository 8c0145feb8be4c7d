// Package streaming fans activity payloads out to subscribers connected
// to this worker process.
package streaming

import "sync"

type Payload struct {
	URL      string
	Activity map[string]any
}

type Mux struct {
	mu            sync.Mutex
	subscriptions map[*Subscription]chan<- Payload
}

// Publish delivers the payload to every current subscriber. Subscribers
// that cannot keep up are cancelled.
func (m *Mux) Publish(url string, activity map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub, ch := range m.subscriptions {
		select {
		case ch <- Payload{URL: url, Activity: activity}:
		default:
			// too slow, unsubscribe
			m.cancel(sub)
		}
	}
	return nil
}

func (m *Mux) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Payload, 1)
	sub := &Subscription{
		mux: m,
		C:   ch,
	}
	if m.subscriptions == nil {
		m.subscriptions = make(map[*Subscription]chan<- Payload)
	}
	m.subscriptions[sub] = ch
	return sub
}

func (m *Mux) cancel(sub *Subscription) {
	ch, ok := m.subscriptions[sub]
	if ok {
		delete(m.subscriptions, sub)
		close(ch)
	}
}

type Subscription struct {
	mux *Mux
	// The channel to which events are received.
	C <-chan Payload
}

func (s *Subscription) Cancel() {
	s.mux.mu.Lock()
	defer s.mux.mu.Unlock()
	s.mux.cancel(s)
}
