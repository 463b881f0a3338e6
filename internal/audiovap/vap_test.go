package audiovap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/vap"
	vapmock "github.com/palaver-dev/palaver/pkg/provider/vap/mock"
)

func TestRingShiftKeepsNewestSamples(t *testing.T) {
	t.Parallel()

	r := newRing(4)
	r.Shift([]float32{1, 2})
	r.Shift([]float32{3})

	got := r.Snapshot()
	want := []float32{0, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window: want %v, got %v", want, got)
		}
	}
}

func TestRingShiftOversizedChunkKeepsTail(t *testing.T) {
	t.Parallel()

	r := newRing(3)
	r.Shift([]float32{1, 2, 3, 4, 5})

	got := r.Snapshot()
	want := []float32{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("window: want %v, got %v", want, got)
		}
	}
}

func newTestModule(model vap.Model) *Module {
	bus := broker.NewMemBus()
	return New(bus, model, config.VAPConfig{
		BufferLength: 1,
		Threshold:    0.6,
		TickInterval: 10 * time.Millisecond,
	}, config.TTSConfig{
		DstSampleRate: 16000,
		FrameLength:   0.05,
	})
}

func TestClassifyEventTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		prev string
		now  float64
		fut  float64
		want string
	}{
		{"both high", "", 0.9, 0.9, iu.EventSystemTakeTurn},
		{"both high after backchannel", iu.EventSystemBackchannel, 0.9, 0.9, ""},
		{"now high future low after user turn", iu.EventUserTakeTurn, 0.9, 0.1, iu.EventSystemBackchannel},
		{"now high future low cold", "", 0.9, 0.1, ""},
		{"both low", "", 0.1, 0.1, iu.EventUserTakeTurn},
		{"mid zone is undefined", "", 0.5, 0.5, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newTestModule(&vapmock.Model{})
			m.prevEvent = tc.prev
			if got := m.classify(vap.Frame{PNow: tc.now, PFuture: tc.fut}); got != tc.want {
				t.Errorf("classify(%v, %v) with prev %q: want %q, got %q",
					tc.now, tc.fut, tc.prev, tc.want, got)
			}
		})
	}
}

func TestEventsEmittedOnlyOnChange(t *testing.T) {
	t.Parallel()

	bus := broker.NewMemBus()
	defer bus.Close()

	model := &vapmock.Model{Frames: []vap.Frame{
		{PNow: 0.1, PFuture: 0.1}, // USER_TAKE_TURN
		{PNow: 0.1, PFuture: 0.1}, // no change
		{PNow: 0.9, PFuture: 0.9}, // SYSTEM_TAKE_TURN
		{PNow: 0.9, PFuture: 0.9}, // no change
	}}
	m := New(bus, model, config.VAPConfig{
		BufferLength: 1,
		Threshold:    0.6,
		TickInterval: 5 * time.Millisecond,
	}, config.TTSConfig{
		DstSampleRate: 16000,
		FrameLength:   0.05,
	})

	var mu sync.Mutex
	var events []string
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Subscribe(ctx, broker.ExchangeVAP, func(u iu.IU) {
		if ev, ok := u.Body.(iu.Event); ok {
			mu.Lock()
			events = append(events, ev.Name)
			mu.Unlock()
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("want exactly 2 events, got %v", events)
	}
	if events[0] != iu.EventUserTakeTurn || events[1] != iu.EventSystemTakeTurn {
		t.Errorf("event order: got %v", events)
	}
}

func TestScoresPublishedEveryTick(t *testing.T) {
	t.Parallel()

	bus := broker.NewMemBus()
	defer bus.Close()

	model := &vapmock.Model{Frames: []vap.Frame{{PNow: 0.42, PFuture: 0.58}}}
	m := New(bus, model, config.VAPConfig{
		BufferLength: 1,
		Threshold:    0.6,
		TickInterval: 5 * time.Millisecond,
	}, config.TTSConfig{
		DstSampleRate: 16000,
		FrameLength:   0.05,
	})

	var mu sync.Mutex
	var scores []iu.Score
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Subscribe(ctx, broker.ExchangeScore, func(u iu.IU) {
		if s, ok := u.Body.(iu.Score); ok {
			mu.Lock()
			scores = append(scores, s)
			mu.Unlock()
		}
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go m.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(scores)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(scores) < 3 {
		t.Fatalf("want at least 3 score IUs, got %d", len(scores))
	}
	if scores[0].PNow != 0.42 || scores[0].PFuture != 0.58 {
		t.Errorf("score body: want 0.42/0.58, got %+v", scores[0])
	}
}
