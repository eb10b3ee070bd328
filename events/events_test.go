package events

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/condorbot/league"
)

type published struct {
	channel string
	payload []byte
}

type fakeRedis struct {
	sent []published
	err  error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.err)
}

func TestPublishEncodesEvent(t *testing.T) {
	fake := &fakeRedis{}
	p := New(fake, "")
	if p.Channel() != DefaultChannel {
		t.Errorf("Channel() = %q, want %q", p.Channel(), DefaultChannel)
	}

	at := time.Date(2024, 3, 9, 22, 0, 0, 0, time.UTC)
	ev := league.Event{Type: league.EventRaceEnd, Racer1: "AliceTV", Racer2: "bobtv", Winner: "bobtv", Channel: "alicetv", At: at}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(fake.sent))
	}
	var got map[string]any
	if err := json.Unmarshal(fake.sent[0].payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["type"] != "raceend" || got["winner"] != "bobtv" || got["at"] != "2024-03-09T22:00:00Z" {
		t.Errorf("payload = %v", got)
	}
}

func TestPublishOmitsEmptyWinner(t *testing.T) {
	fake := &fakeRedis{}
	p := New(fake, "league")
	if err := p.Publish(context.Background(), league.Event{Type: league.EventRaceStart, Racer1: "a", Racer2: "b"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if fake.sent[0].channel != "league" {
		t.Errorf("channel = %q, want league", fake.sent[0].channel)
	}
	var got map[string]any
	_ = json.Unmarshal(fake.sent[0].payload, &got)
	if _, ok := got["winner"]; ok {
		t.Errorf("winner present in %v", got)
	}
}

func TestPublishError(t *testing.T) {
	boom := errors.New("connection refused")
	p := New(&fakeRedis{err: boom}, "")
	if err := p.Publish(context.Background(), league.Event{Type: league.EventMatchEnd}); !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}
	if err := p.Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping() error = %v, want %v", err, boom)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, rdb, err := Connect(ctx, addr, "", "condor:test")
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer rdb.Close()

	events, err := Subscribe(ctx, rdb, "condor:test")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := p.Publish(ctx, league.Event{Type: league.EventRaceSoon, Racer1: "a", Racer2: "b"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != league.EventRaceSoon || ev.Racer1 != "a" {
			t.Errorf("received %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
