package iu_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/palaver-dev/palaver/pkg/iu"
)

func TestNewAssignsIdentityAndTimestamp(t *testing.T) {
	t.Parallel()

	a := iu.New("asr", "asr", iu.Add, iu.Text("hello"))
	b := iu.New("asr", "asr", iu.Add, iu.Text("world"))

	if a.ID == "" || b.ID == "" {
		t.Fatal("New must assign a non-empty ID")
	}
	if a.ID == b.ID {
		t.Errorf("IDs must be unique, both got %q", a.ID)
	}
	if a.Timestamp <= 0 {
		t.Errorf("Timestamp: want > 0, got %v", a.Timestamp)
	}
	if b.Timestamp < a.Timestamp {
		t.Errorf("timestamps must be non-decreasing: %v then %v", a.Timestamp, b.Timestamp)
	}
}

func TestRevokeOfKeepsID(t *testing.T) {
	t.Parallel()

	add := iu.New("dialogue", "dialogue", iu.Add, iu.Text("one moment"))
	rev := iu.RevokeOf(add)

	if rev.Kind != iu.Revoke {
		t.Errorf("Kind: want revoke, got %q", rev.Kind)
	}
	if rev.ID != add.ID {
		t.Errorf("ID: want %q, got %q", add.ID, rev.ID)
	}
	if rev.Exchange != add.Exchange {
		t.Errorf("Exchange: want %q, got %q", add.Exchange, rev.Exchange)
	}
}

func TestWireFormatFieldNames(t *testing.T) {
	t.Parallel()

	u := iu.New("asr", "asr", iu.Add, iu.Text("hi"))
	u.Stability = 0.5
	u.Confidence = 0.99

	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, field := range []string{
		`"timestamp"`, `"id"`, `"producer"`, `"update_type"`,
		`"exchange"`, `"body"`, `"stability"`, `"confidence"`,
	} {
		if !bytes.Contains(data, []byte(field)) {
			t.Errorf("wire encoding missing field %s in %s", field, data)
		}
	}
}

func TestRoundTripTextBody(t *testing.T) {
	t.Parallel()

	in := iu.New("asr", "asr", iu.Add, iu.Text("hello"))
	in.Confidence = 0.99

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out iu.IU
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip: want %+v, got %+v", in, out)
	}
}

func TestRoundTripAudioBody(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x7f, 0x80}
	in := iu.New("tts", "tts", iu.Add, iu.Audio(pcm))

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"data_type":"audio"`)) {
		t.Errorf("audio body must carry data_type=audio, got %s", data)
	}
	var out iu.IU
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := out.Body.(iu.Audio)
	if !ok {
		t.Fatalf("Body: want iu.Audio, got %T", out.Body)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("PCM: want %v, got %v", pcm, []byte(got))
	}
}

func TestRoundTripEventReactionScore(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body iu.Body
	}{
		{"event", iu.Event{Name: iu.EventASRCommit, Text: "hi there"}},
		{"reaction", iu.Reaction{Expression: "joy", Action: "nod", CurrentText: "hi"}},
		{"score", iu.Score{PNow: 0.81, PFuture: 0.65}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := iu.New("vap", "vap", iu.Add, tc.body)
			data, err := json.Marshal(in)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var out iu.IU
			if err := json.Unmarshal(data, &out); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if out.Body != tc.body {
				t.Errorf("Body: want %+v, got %+v", tc.body, out.Body)
			}
		})
	}
}

func TestUnmarshalToleratesUnknownFields(t *testing.T) {
	t.Parallel()

	raw := `{"timestamp":1.5,"id":"x","producer":"web","update_type":"add",
		"exchange":"asr","body":"hello","stability":0,"confidence":1,
		"extra_field":"future"}`
	var u iu.IU
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if iu.TextOf(u.Body) != "hello" {
		t.Errorf("Body: want %q, got %+v", "hello", u.Body)
	}
}

func TestUnmarshalRejectsUnknownUpdateType(t *testing.T) {
	t.Parallel()

	raw := `{"timestamp":1,"id":"x","producer":"p","update_type":"replace",
		"exchange":"asr","body":""}`
	var u iu.IU
	if err := json.Unmarshal([]byte(raw), &u); err == nil {
		t.Fatal("Unmarshal: want error for unknown update_type, got nil")
	}
}
