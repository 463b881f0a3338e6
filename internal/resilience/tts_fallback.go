package resilience

import (
	"context"

	"github.com/palaver-dev/palaver/pkg/provider/tts"
)

// TTSFallback implements [tts.Engine] with failover across synthesis
// backends. The synthesis pipeline calls Synthesize once per phrase, so a
// dead primary trips its breaker after a few phrases and later phrases go
// straight to the fallback instead of waiting out HTTP timeouts mid-turn.
type TTSFallback struct {
	group *FallbackGroup[tts.Engine]
}

var _ tts.Engine = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// engine.
func NewTTSFallback(primary tts.Engine, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional engine as a fallback.
func (f *TTSFallback) AddFallback(name string, engine tts.Engine) {
	f.group.AddFallback(name, engine)
}

// Synthesize converts text to audio on the first healthy engine.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	return ExecuteWithResult(f.group, func(e tts.Engine) (tts.Audio, error) {
		return e.Synthesize(ctx, text)
	})
}
