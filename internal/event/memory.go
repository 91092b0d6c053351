package event

import (
	"context"
	"sync"
)

// Memory is an in-process Publisher and Subscriber. Delivery is synchronous.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(Envelope)
	log    []Envelope
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]func(Envelope))}
}

func (m *Memory) publish(subject string, payload any) error {
	env, err := newEnvelope(subject, payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.log = append(m.log, env)
	fns := make([]func(Envelope), 0, len(m.subs[subject]))
	for _, fn := range m.subs[subject] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
	return nil
}

func (m *Memory) PublishCaptureUploaded(_ context.Context, ev CaptureUploaded) error {
	return m.publish(SubjectCaptureUploaded, ev)
}

func (m *Memory) PublishCaptureFailed(_ context.Context, ev CaptureFailed) error {
	return m.publish(SubjectCaptureFailed, ev)
}

func (m *Memory) PublishMergeCompleted(_ context.Context, ev MergeCompleted) error {
	return m.publish(SubjectMergeCompleted, ev)
}

// Subscribe registers fn for subject.
func (m *Memory) Subscribe(subject string, fn func(Envelope)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[subject] == nil {
		m.subs[subject] = make(map[int]func(Envelope))
	}
	id := m.nextID
	m.nextID++
	m.subs[subject][id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[subject], id)
	}, nil
}

// Published returns every envelope published so far.
func (m *Memory) Published() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.log...)
}

func (m *Memory) Close() error { return nil }
