package iu

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Body is the payload of an IU. It is a closed variant: exactly one of the
// types below. The zero Body of a Commit is usually Text("").
type Body interface {
	isBody()
}

// Text is a plain token or phrase.
type Text string

// Audio is a chunk of 16-bit little-endian linear PCM. On the wire it is
// base64-encoded with data_type "audio".
type Audio []byte

// Event is a structured turn-taking event on the vap exchange, e.g.
// {event: ASR_COMMIT, text: "hi there"}.
type Event struct {
	Name string `json:"event"`
	Text string `json:"text,omitempty"`
}

// Reaction is an expression/action update (emo_act, dialogue2 exchanges).
// On the wire it carries data_type "expression_and_action".
type Reaction struct {
	Expression  string `json:"expression,omitempty"`
	Action      string `json:"action,omitempty"`
	Concept     string `json:"concept,omitempty"`
	CurrentText string `json:"current_text,omitempty"`
}

// Score carries the audio VAP's continuous turn-taking probabilities for the
// score exchange.
type Score struct {
	PNow    float64 `json:"p_now"`
	PFuture float64 `json:"p_future"`
}

func (Text) isBody()     {}
func (Audio) isBody()    {}
func (Event) isBody()    {}
func (Reaction) isBody() {}
func (Score) isBody()    {}

// DataTypeAudio and DataTypeReaction are the data_type discriminators used on
// the wire for non-text bodies.
const (
	DataTypeAudio    = "audio"
	DataTypeReaction = "expression_and_action"
)

// Turn-event names carried in Event bodies.
const (
	EventASRCommit         = "ASR_COMMIT"
	EventSystemTakeTurn    = "SYSTEM_TAKE_TURN"
	EventSystemBackchannel = "SYSTEM_BACKCHANNEL"
	EventUserTakeTurn      = "USER_TAKE_TURN"
	EventTTSCommit         = "TTS_COMMIT"
)

// marshalBody encodes a Body variant and returns the raw JSON along with the
// data_type discriminator implied by the variant (empty when none applies).
func marshalBody(b Body) (json.RawMessage, string, error) {
	switch v := b.(type) {
	case nil:
		return json.RawMessage(`""`), "", nil
	case Text:
		raw, err := json.Marshal(string(v))
		return raw, "", err
	case Audio:
		raw, err := json.Marshal(base64.StdEncoding.EncodeToString(v))
		return raw, DataTypeAudio, err
	case Event:
		raw, err := json.Marshal(v)
		return raw, "", err
	case Reaction:
		raw, err := json.Marshal(v)
		return raw, DataTypeReaction, err
	case Score:
		raw, err := json.Marshal(v)
		return raw, "", err
	default:
		return nil, "", fmt.Errorf("unsupported body type %T", b)
	}
}

// unmarshalBody decodes a raw JSON body into the variant implied by its shape
// and the data_type discriminator.
func unmarshalBody(raw json.RawMessage, dataType string) (Body, error) {
	if len(raw) == 0 {
		return Text(""), nil
	}

	// String bodies: audio chunks when tagged, plain text otherwise.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if dataType == DataTypeAudio {
			pcm, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("decode audio chunk: %w", err)
			}
			return Audio(pcm), nil
		}
		return Text(s), nil
	}

	// Object bodies: discriminate on the keys present.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("body is neither string nor object: %w", err)
	}
	switch {
	case hasKey(probe, "event"):
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case hasKey(probe, "p_now"):
		var sc Score
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, err
		}
		return sc, nil
	default:
		var r Reaction
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return r, nil
	}
}

func hasKey(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// TextOf returns the string content of a Text body, or "" for any other
// variant. Convenience for consumers that only care about textual IUs.
func TextOf(b Body) string {
	if t, ok := b.(Text); ok {
		return string(t)
	}
	return ""
}
