// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/condorbot/league"
)

// Line is one message sent to a channel or user.
type Line struct {
	To   string
	Text string
}

// RecordingMessenger is a league.Messenger that keeps everything it is given.
type RecordingMessenger struct {
	mu       sync.Mutex
	sent     []Line
	whispers []Line
	topics   map[string]string
	joined   []string
}

func NewRecordingMessenger() *RecordingMessenger {
	return &RecordingMessenger{topics: make(map[string]string)}
}

var (
	_ league.Messenger     = (*RecordingMessenger)(nil)
	_ league.ChannelJoiner = (*RecordingMessenger)(nil)
)

func (m *RecordingMessenger) Send(_ context.Context, channel, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Line{To: channel, Text: text})
	return nil
}

func (m *RecordingMessenger) Whisper(_ context.Context, user, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whispers = append(m.whispers, Line{To: user, Text: text})
	return nil
}

func (m *RecordingMessenger) SetTopic(_ context.Context, channel, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[channel] = topic
	return nil
}

func (m *RecordingMessenger) Join(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = append(m.joined, channel)
}

// Lines returns the texts sent to channel.
func (m *RecordingMessenger) Lines(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.sent {
		if l.To == channel {
			out = append(out, l.Text)
		}
	}
	return out
}

// Whispers returns the texts whispered to user.
func (m *RecordingMessenger) Whispers(user string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, l := range m.whispers {
		if l.To == user {
			out = append(out, l.Text)
		}
	}
	return out
}

func (m *RecordingMessenger) Topic(channel string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topics[channel]
}

func (m *RecordingMessenger) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.joined...)
}

// Count returns how many lines sent to channel contain substr.
func (m *RecordingMessenger) Count(channel, substr string) int {
	n := 0
	for _, l := range m.Lines(channel) {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

// Has reports whether any line sent to channel contains substr.
func (m *RecordingMessenger) Has(channel, substr string) bool {
	return m.Count(channel, substr) > 0
}

// WaitFor polls until a line containing substr reaches channel.
func (m *RecordingMessenger) WaitFor(t *testing.T, channel, substr string) {
	t.Helper()
	WaitUntil(t, func() bool { return m.Has(channel, substr) }, "message %q in %s", substr, channel)
}

// WaitUntil polls cond for up to two seconds.
func WaitUntil(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for "+format, args...)
		}
		time.Sleep(time.Millisecond)
	}
}

// RecordingPublisher is a league.Publisher that keeps the events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []league.Event
}

func (p *RecordingPublisher) Publish(_ context.Context, ev league.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Types returns the published event types in order.
func (p *RecordingPublisher) Types() []league.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]league.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}
