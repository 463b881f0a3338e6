package ttsout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/palaver-dev/palaver/internal/broker"
	"github.com/palaver-dev/palaver/internal/config"
	"github.com/palaver-dev/palaver/internal/ttsout"
	"github.com/palaver-dev/palaver/pkg/iu"
	"github.com/palaver-dev/palaver/pkg/provider/tts"
	ttsmock "github.com/palaver-dev/palaver/pkg/provider/tts/mock"
)

// recorder captures IUs from one exchange in arrival order.
type recorder struct {
	mu  sync.Mutex
	ius []iu.IU
}

func (r *recorder) handle(u iu.IU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ius = append(r.ius, u)
}

func (r *recorder) snapshot() []iu.IU {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]iu.IU, len(r.ius))
	copy(out, r.ius)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []iu.IU {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d IUs, have %d", n, len(r.snapshot()))
	return nil
}

func testTTSConfig() config.TTSConfig {
	return config.TTSConfig{
		Engine:        "mock",
		OrgSampleRate: 16000,
		DstSampleRate: 16000,
		ScaleFactor:   1.0,
		FrameLength:   0.01,
		SendInterval:  time.Millisecond,
	}
}

type fixture struct {
	bus *broker.MemBus
	ctx context.Context
	tts *recorder
}

func startPipeline(t *testing.T, engine tts.Engine, cfg config.TTSConfig) *fixture {
	t.Helper()

	bus := broker.NewMemBus()
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{bus: bus, ctx: ctx, tts: &recorder{}}
	if err := bus.Subscribe(ctx, broker.ExchangeTTS, f.tts.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	p := ttsout.New(bus, engine, cfg)
	go p.Run(ctx)

	// Run subscribes asynchronously; publishing before the subscription is
	// registered would silently drop the message (at-most-once delivery).
	time.Sleep(50 * time.Millisecond)
	return f
}

func (f *fixture) sendDialogue(t *testing.T, kind iu.UpdateKind, text string) {
	t.Helper()
	u := iu.New("dialogue", broker.ExchangeDialogue, kind, iu.Text(text))
	if err := f.bus.Publish(f.ctx, broker.ExchangeDialogue, u); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestPhraseBecomesPacedChunksThenCommit(t *testing.T) {
	t.Parallel()

	// 5 runes at 160 samples/rune, 160 samples per frame: 5 chunks.
	engine := &ttsmock.Engine{}
	f := startPipeline(t, engine, testTTSConfig())

	f.sendDialogue(t, iu.Add, "hello")
	f.sendDialogue(t, iu.Commit, "")

	got := f.tts.waitFor(t, 6)
	for i := 0; i < 5; i++ {
		pcm, ok := got[i].Body.(iu.Audio)
		if !ok || got[i].Kind != iu.Add {
			t.Fatalf("IU %d: want audio add, got %s %T", i, got[i].Kind, got[i].Body)
		}
		if len(pcm) != 320 {
			t.Errorf("chunk %d: want 320 bytes (160 samples), got %d", i, len(pcm))
		}
		if got[i].DataType != iu.DataTypeAudio {
			t.Errorf("chunk %d: want data_type audio, got %q", i, got[i].DataType)
		}
	}
	if got[5].Kind != iu.Commit {
		t.Errorf("want trailing commit, got %s", got[5].Kind)
	}
	if texts := engine.Synthesized(); len(texts) != 1 || texts[0] != "hello" {
		t.Errorf("synthesized texts: got %v", texts)
	}
}

func TestEmptyPhraseProducesOneSilentChunk(t *testing.T) {
	t.Parallel()

	engine := &ttsmock.Engine{}
	f := startPipeline(t, engine, testTTSConfig())

	f.sendDialogue(t, iu.Add, "")

	got := f.tts.waitFor(t, 1)
	pcm, ok := got[0].Body.(iu.Audio)
	if !ok || len(pcm) != 320 {
		t.Fatalf("want one 320-byte chunk, got %T len %d", got[0].Body, len(pcm))
	}
	for _, b := range pcm {
		if b != 0 {
			t.Fatal("empty phrase must synthesize silence")
		}
	}
	if len(engine.Synthesized()) != 0 {
		t.Error("empty phrase must not reach the engine")
	}
}

func TestResampleHalvesChunkCount(t *testing.T) {
	t.Parallel()

	cfg := testTTSConfig()
	cfg.DstSampleRate = 8000
	// 4 runes at 160 samples/rune = 640 samples at 16kHz = 320 at 8kHz;
	// frame is 0.01s = 80 samples, so 4 chunks.
	engine := &ttsmock.Engine{}
	f := startPipeline(t, engine, cfg)

	f.sendDialogue(t, iu.Add, "test")
	f.sendDialogue(t, iu.Commit, "")

	got := f.tts.waitFor(t, 5)
	if got[4].Kind != iu.Commit {
		t.Fatalf("want 4 chunks + commit, got %d IUs", len(got))
	}
	if pcm := got[0].Body.(iu.Audio); len(pcm) != 160 {
		t.Errorf("chunk size at 8kHz: want 160 bytes, got %d", len(pcm))
	}
}

func TestRevokeDropsBacklogAndCommitsImmediately(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := &ttsmock.Engine{
		SynthesizeFunc: func(ctx context.Context, text string) (tts.Audio, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return tts.Audio{}, ctx.Err()
			}
			return tts.Audio{PCM: make([]byte, 640), SampleRate: 16000}, nil
		},
	}
	f := startPipeline(t, engine, testTTSConfig())

	f.sendDialogue(t, iu.Add, "one")
	f.sendDialogue(t, iu.Add, "two")
	f.sendDialogue(t, iu.Revoke, "")

	got := f.tts.waitFor(t, 1)
	if got[0].Kind != iu.Commit {
		t.Fatalf("want immediate commit on revoke, got %s", got[0].Kind)
	}

	// Releasing the in-flight synthesis must not leak chunks of the
	// revoked turn.
	close(release)
	time.Sleep(100 * time.Millisecond)
	for _, u := range f.tts.snapshot()[1:] {
		if u.Kind == iu.Add {
			t.Fatal("revoked turn still produced audio chunks")
		}
	}
}

func TestBargeInFlushesExactlyOnce(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	engine := &ttsmock.Engine{
		SynthesizeFunc: func(ctx context.Context, text string) (tts.Audio, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return tts.Audio{}, ctx.Err()
			}
			return tts.Audio{PCM: make([]byte, 320), SampleRate: 16000}, nil
		},
	}
	f := startPipeline(t, engine, testTTSConfig())

	f.sendDialogue(t, iu.Add, "one")
	f.sendDialogue(t, iu.Add, "two")
	// A barge-in revokes every in-flight output IU, one REVOKE each.
	f.sendDialogue(t, iu.Revoke, "")
	f.sendDialogue(t, iu.Revoke, "")

	got := f.tts.waitFor(t, 1)
	if got[0].Kind != iu.Commit {
		t.Fatalf("want flush commit, got %s", got[0].Kind)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(f.tts.snapshot()); n != 1 {
		t.Fatalf("want exactly one flush commit, got %d IUs", n)
	}

	// The next turn clears the latch and speaks normally again.
	close(release)
	f.sendDialogue(t, iu.Add, "next")
	got = f.tts.waitFor(t, 2)
	if got[1].Kind != iu.Add {
		t.Fatalf("want audio for the next turn, got %s", got[1].Kind)
	}
}
