package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pmx/economy-engine/internal/model"
)

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Deliver(context.Context, Event) error {
	f.calls++
	return errors.New("sink down")
}

type brokenSequencer struct{}

func (brokenSequencer) Next(context.Context) (int64, error) { return 0, errors.New("no counter") }

func TestBus_SequenceIsMonotonic(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(nil, nil, rec)

	for i := 0; i < 5; i++ {
		if err := bus.Publish(context.Background(), Event{Type: SettlementCompleted, Key: "k"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := rec.Events()
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
		if ev.PublishedAt.IsZero() || ev.OccurredAt.IsZero() {
			t.Errorf("event %d: timestamps not set", i)
		}
	}
}

func TestBus_ConcurrentPublishKeepsOrder(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(nil, nil, rec)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(context.Background(), Event{Type: Wave2RedistributionExecuted})
		}()
	}
	wg.Wait()

	got := rec.Events()
	if len(got) != 50 {
		t.Fatalf("expected 50 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq {
			t.Fatalf("delivery out of order at %d: %d after %d", i, got[i].Seq, got[i-1].Seq)
		}
	}
}

func TestBus_SinkFailureIsNotReturned(t *testing.T) {
	bad := &failingSink{}
	rec := &Recorder{}
	bus := NewBus(nil, nil, bad, rec)

	if err := bus.Publish(context.Background(), Event{Type: GameCancelled}); err != nil {
		t.Fatalf("sink failure must not fail publish, got %v", err)
	}
	if bad.calls != 1 {
		t.Errorf("expected failing sink to be called once, got %d", bad.calls)
	}
	if len(rec.Events()) != 1 {
		t.Errorf("healthy sink should still receive the event")
	}
}

func TestBus_SequencerFailure(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(brokenSequencer{}, nil, rec)

	if err := bus.Publish(context.Background(), Event{Type: GameCancelled}); err == nil {
		t.Fatal("expected sequencing error")
	}
	if len(rec.Events()) != 0 {
		t.Error("unsequenced events must not be delivered")
	}
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus(nil, nil)
	_ = bus.Publish(context.Background(), Event{Type: Wave1PoolAllocated})

	rec := &Recorder{}
	bus.Subscribe(rec)
	_ = bus.Publish(context.Background(), Event{Type: Wave1PoolAllocated})

	got := rec.Events()
	if len(got) != 1 || got[0].Seq != 2 {
		t.Errorf("expected only the second event, got %+v", got)
	}
}

func TestEventTotal(t *testing.T) {
	ev := Event{Entries: []model.Entry{
		{UserID: "a", Token: model.PMC, Amount: 30},
		{UserID: "b", Token: model.PMC, Amount: 50},
	}}
	if ev.Total() != 80 {
		t.Errorf("expected 80, got %d", ev.Total())
	}
}

func TestRecorder_OfType(t *testing.T) {
	rec := &Recorder{}
	_ = rec.Publish(context.Background(), Event{Type: GameCancelled})
	_ = rec.Publish(context.Background(), Event{Type: SettlementCompleted})
	_ = rec.Publish(context.Background(), Event{Type: GameCancelled})

	if n := len(rec.OfType(GameCancelled)); n != 2 {
		t.Errorf("expected 2 cancellations, got %d", n)
	}
}

func TestWSHub_BroadcastsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewWSHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus := NewBus(nil, nil, hub)
	if err := bus.Publish(ctx, Event{Type: Wave3IncentiveExpired, Key: "WAVE3-r1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != Wave3IncentiveExpired || got.Key != "WAVE3-r1" || got.Seq != 1 {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestWSHub_ClosedAfterRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub(nil)
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	if err := hub.Deliver(context.Background(), Event{Type: GameCancelled}); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("expected ErrSinkClosed, got %v", err)
	}
}
