package bridge

import (
	"errors"
	"strings"
	"testing"
)

func TestDecoder_Decode(t *testing.T) {
	t.Parallel()
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	tests := []struct {
		name    string
		msg     string
		wantErr string
	}{
		{name: "transcript", msg: `{"type":"transcript","text":"다음","final":true}`},
		{name: "transcript without final", msg: `{"type":"transcript","text":"다음"}`},
		{name: "enqueue", msg: `{"type":"command","name":"enqueue","keywords":["가","나"]}`},
		{name: "index", msg: `{"type":"command","name":"index","index":2}`},
		{name: "ask", msg: `{"type":"ask","q":"점자란?","stream":true}`},
		{name: "convert", msg: `{"type":"convert","text":"안녕","mode":"sentence"}`},
		{name: "lessons", msg: `{"type":"lessons","mode":"char"}`},
		{name: "review add", msg: `{"type":"review","kind":"word","korean":"사과","correct":false,"cells":[[1,0,0,0,0,0]]}`},
		{name: "review remove", msg: `{"type":"review","action":"remove","review_id":"abc"}`},
		{name: "review list", msg: `{"type":"review","action":"list"}`},
		{name: "ble connect", msg: `{"type":"ble","action":"connect","address":"AA:BB:CC:DD:EE:FF"}`},
		{name: "speech ack", msg: `{"type":"speech","utterance":"u1","status":"end"}`},
		{name: "stt error", msg: `{"type":"stt_error","code":"no-speech"}`},

		{name: "not json", msg: `{"type":`, wantErr: "invalid message"},
		{name: "missing type", msg: `{"text":"다음"}`, wantErr: "type"},
		{name: "unknown type", msg: `{"type":"dance"}`, wantErr: "/type"},
		{name: "transcript without text", msg: `{"type":"transcript"}`, wantErr: "text"},
		{name: "index without index", msg: `{"type":"command","name":"index"}`, wantErr: "index"},
		{name: "negative index", msg: `{"type":"command","name":"index","index":-1}`, wantErr: "/index"},
		{name: "unknown command", msg: `{"type":"command","name":"fly"}`, wantErr: "/name"},
		{name: "empty question", msg: `{"type":"ask","q":""}`, wantErr: "/q"},
		{name: "bad mode", msg: `{"type":"convert","text":"가","mode":"paragraph"}`, wantErr: "/mode"},
		{name: "review add without kind", msg: `{"type":"review","korean":"사과"}`, wantErr: "kind"},
		{name: "review remove without id", msg: `{"type":"review","action":"remove"}`, wantErr: "review_id"},
		{name: "bad address", msg: `{"type":"ble","action":"connect","address":"nope"}`, wantErr: "/address"},
		{name: "bad speech status", msg: `{"type":"speech","utterance":"u1","status":"done"}`, wantErr: "/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := dec.Decode([]byte(tt.msg))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Decode error = %v, want ErrInvalidMessage", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Decode error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDecoder_Fields(t *testing.T) {
	t.Parallel()
	dec, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	in, err := dec.Decode([]byte(`{"type":"command","id":"c1","name":"index","index":3}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.Type != TypeCommand || in.ID != "c1" || in.Name != "index" {
		t.Errorf("decoded %+v", in)
	}
	if in.Index == nil || *in.Index != 3 {
		t.Errorf("Index = %v, want 3", in.Index)
	}

	in, err = dec.Decode([]byte(`{"type":"transcript","text":"다","final":false}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if in.IsFinal() {
		t.Error("IsFinal() = true for an interim transcript")
	}
}
