// Package prompt holds the system prompts used by the LLM-backed modules.
//
// Each prompt has a built-in default so the pipeline runs without any prompt
// files on disk; a configured path overrides the default with the file's
// contents.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/palaver-dev/palaver/internal/config"
)

// Set is the loaded collection of system prompts.
type Set struct {
	// Response drives response generation from the dialogue history.
	Response string

	// Timeout drives response generation when the user stays silent.
	Timeout string

	// Backchannel drives the text-VAP reaction classifier.
	Backchannel string
}

// Load returns the prompt set for the given paths. Empty paths keep the
// built-in defaults; a non-empty path that cannot be read is an error.
func Load(paths config.PromptPaths) (Set, error) {
	set := Set{
		Response:    defaultResponse,
		Timeout:     defaultTimeout,
		Backchannel: defaultBackchannel,
	}
	entries := []struct {
		name string
		path string
		dst  *string
	}{
		{"resp", paths.Response, &set.Response},
		{"timeout", paths.Timeout, &set.Timeout},
		{"backchannel", paths.Backchannel, &set.Backchannel},
	}
	for _, e := range entries {
		if e.path == "" {
			continue
		}
		raw, err := os.ReadFile(e.path)
		if err != nil {
			return Set{}, fmt.Errorf("prompt: load %s prompt: %w", e.name, err)
		}
		*e.dst = strings.TrimSpace(string(raw))
	}
	return set, nil
}

const defaultResponse = `You are a friendly spoken-dialogue assistant. Continue the
conversation naturally in short spoken sentences. After your last sentence
write the character / followed by an expression and action marker in the form
<expression_id>_<label>|<action_id>_<label>, for example: That sounds great!/1_joy|2_nod`

const defaultTimeout = `The user has been silent for a while. Gently re-engage them
with a short spoken remark that fits the conversation so far. After your last
sentence write the character / followed by an expression and action marker in
the form <expression_id>_<label>|<action_id>_<label>, for example:
Are you still there?/4_thinking|3_head_tilt`

const defaultBackchannel = `You observe a user utterance that is still in progress.
Reply with exactly four lines:
a: a short verbal backchannel fitting this moment, or nothing
b: one expression label (normal, joy, impressed, convinced, thinking, sleepy, suspicion, compassion, embarrassing, anger)
c: one action label (wait, listening, nod, head_tilt, thinking, light_greeting, greeting, strong_denial, light_denial, swing)
d: an integer 0-10 scoring how finished the utterance sounds (10 = fully finished)`
