package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
	"github.com/jeomgeuri/jeomgeuri/internal/resilience"
	"github.com/jeomgeuri/jeomgeuri/pkg/braille"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	for _, url := range []string{"", "  ", "ftp://x", "localhost:8000"} {
		if _, err := New(url); err == nil {
			t.Errorf("New(%q) succeeded, want error", url)
		}
	}
	c, err := New("http://localhost:8000/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseURL() != "http://localhost:8000" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
}

func TestConvertBraille(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    []braille.Cell
		wantErr bool
	}{
		{
			name: "list cells",
			body: `{"ok":true,"cells":[[1,0,0,1,0,0],[0,1,0,0,0,0]]}`,
			want: []braille.Cell{{1, 0, 0, 1, 0, 0}, {0, 1, 0, 0, 0, 0}},
		},
		{
			name: "mixed shapes",
			body: `{"cells":["10X1", 9, {"a":1,"f":true}]}`,
			want: []braille.Cell{{1, 0, 0, 1, 0, 0}, {1, 0, 0, 1, 0, 0}, {1, 0, 0, 0, 0, 1}},
		},
		{name: "no cells", body: `{"ok":true}`, want: []braille.Cell{}},
		{name: "rejected", body: `{"ok":false,"error":"unsupported"}`, wantErr: true},
		{name: "malformed json", body: `{"cells":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got struct{ Text, Mode string }
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != convertEndpoint {
					http.NotFound(w, r)
					return
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				_, _ = io.WriteString(w, tt.body)
			}))

			cells, err := c.ConvertBraille(context.Background(), "안녕", ModeChar)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ConvertBraille: %v", err)
			}
			if got.Text != "안녕" || got.Mode != "char" {
				t.Errorf("request body = %+v", got)
			}
			if !slices.Equal(cells, tt.want) {
				t.Errorf("cells = %v, want %v", cells, tt.want)
			}
		})
	}
}

func TestAsk_NullGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantAnswer string
		wantMode   string
	}{
		{"answer field", `{"answer":"점자는 6점입니다","keywords":["점자"],"mode":"news"}`, "점자는 6점입니다", "news"},
		{"markdown field", `{"chat_markdown":"**답**"}`, "**답**", "qa"},
		{"nulls", `{"answer":null,"keywords":null,"actions":null,"meta":null}`, "", "qa"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req AskRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Q == "" {
					http.Error(w, "bad request", http.StatusBadRequest)
					return
				}
				_, _ = io.WriteString(w, tt.body)
			}))

			resp, err := c.Ask(context.Background(), AskRequest{Q: "점자란?"})
			if err != nil {
				t.Fatalf("Ask: %v", err)
			}
			if resp.Answer != tt.wantAnswer || resp.Mode != tt.wantMode {
				t.Errorf("resp = %+v", resp)
			}
			if resp.Keywords == nil || resp.BrailleWords == nil || resp.Actions == nil || resp.Meta == nil {
				t.Errorf("nil collections in %+v", resp)
			}
		})
	}
}

func TestAsk_EmptyQuestion(t *testing.T) {
	t.Parallel()

	c, _ := New("http://127.0.0.1:1")
	if _, err := c.Ask(context.Background(), AskRequest{Q: "  "}); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))

	_, err := c.Lessons(context.Background(), ModeWord)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadGateway || se.Body != "upstream down" || !se.Temporary() {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestLessons(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/learn/char":
			_, _ = io.WriteString(w, `{"mode":"char","items":[{"char":"ㄱ","name":"기역","tts":"자음 기역","brailles":[[0,0,0,1,0,0]]}]}`)
		case "/api/learn/word":
			_, _ = io.WriteString(w, `[{"word":"학교","tts":["학교","입니다"]}]`)
		default:
			http.NotFound(w, r)
		}
	}))

	chars, err := c.Lessons(context.Background(), ModeChar)
	if err != nil {
		t.Fatalf("Lessons(char): %v", err)
	}
	if len(chars) != 1 || chars[0].Text() != "ㄱ" || chars[0].Cells[0] != (braille.Cell{0, 0, 0, 1, 0, 0}) {
		t.Errorf("chars = %+v", chars)
	}
	if got := chars[0].Speech(); !slices.Equal(got, []string{"자음 기역"}) {
		t.Errorf("Speech = %v", got)
	}

	words, err := c.Lessons(context.Background(), ModeWord)
	if err != nil {
		t.Fatalf("Lessons(word): %v", err)
	}
	if len(words) != 1 || !slices.Equal(words[0].TTS, []string{"학교", "입니다"}) {
		t.Errorf("words = %+v", words)
	}

	if _, err := c.Lessons(context.Background(), Mode("poem")); err == nil {
		t.Error("Lessons with unknown mode succeeded")
	}
}

func TestLessonChain_FallsBackToBuiltin(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), WithMetrics(m))
	chain := NewLessonChain(c, m)

	items, err := chain.Lessons(context.Background(), ModeSentence)
	if err != nil {
		t.Fatalf("Lessons: %v", err)
	}
	if len(items) == 0 || items[0].Sentence != "안녕하세요" {
		t.Errorf("items = %+v, want built-in sentences", items)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if n := counter(rm, "jeomgeuri.fallbacks", "kind", "lessons"); n != 1 {
		t.Errorf("fallback count = %d, want 1", n)
	}
	if n := counter(rm, "jeomgeuri.backend.requests", "status", "503"); n != 1 {
		t.Errorf("backend 503 count = %d, want 1", n)
	}
}

// counter returns the int64 sum data point of name whose attribute key
// equals value.
func counter(rm metricdata.ResourceMetrics, name, key, value string) int64 {
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				return -1
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestEnqueueReview(t *testing.T) {
	t.Parallel()

	var got ReviewRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != reviewEndpoint {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"success":true,"id":7}`)
	}))

	req := ReviewRequest{Kind: "quiz", Source: "quiz", Payload: ReviewPayload{Text: "학교"}}
	if err := c.EnqueueReview(context.Background(), req); err != nil {
		t.Fatalf("EnqueueReview: %v", err)
	}
	if got.Kind != "quiz" || got.Payload.Text != "학교" {
		t.Errorf("server received %+v", got)
	}
	if err := c.EnqueueReview(context.Background(), ReviewRequest{}); err == nil {
		t.Error("EnqueueReview without kind succeeded")
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}))

	for range 4 {
		_, _ = c.ConvertBraille(context.Background(), "a", ModeWord)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
	_, err := c.ConvertBraille(context.Background(), "a", ModeWord)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}

	// Other endpoints keep their own breaker.
	_, err = c.Ask(context.Background(), AskRequest{Q: "q"})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		t.Error("ask breaker opened by convert failures")
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), WithBreaker(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}))

	for range 3 {
		_ = c.EnqueueReview(context.Background(), ReviewRequest{Kind: "word"})
	}
	if n := hits.Load(); n != 3 {
		t.Errorf("server hits = %d, want 3", n)
	}
}

func TestLatest_Supersedes(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
		_, _ = io.WriteString(w, `{"answer":"ok"}`)
	}))
	t.Cleanup(func() { close(release) })

	var latest Latest
	firstErr := make(chan error, 1)
	ctx1, done1 := latest.Begin(context.Background(), "ask")
	go func() {
		defer done1()
		_, err := c.Ask(ctx1, AskRequest{Q: "first"})
		firstErr <- err
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx2, done2 := latest.Begin(context.Background(), "ask")
	defer done2()
	resp, err := c.Ask(ctx2, AskRequest{Q: "second"})
	if err != nil || resp.Answer != "ok" {
		t.Fatalf("second Ask = (%+v, %v)", resp, err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrSuperseded) {
			t.Errorf("first Ask err = %v, want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first request not cancelled")
	}
}

func TestLatest_KindsAreIndependent(t *testing.T) {
	t.Parallel()

	var l Latest
	ctxA, doneA := l.Begin(context.Background(), "ask")
	defer doneA()
	_, doneB := l.Begin(context.Background(), "convert")
	defer doneB()
	if ctxA.Err() != nil {
		t.Error("ask context cancelled by a convert request")
	}

	l.CancelAll()
	if !errors.Is(context.Cause(ctxA), ErrSuperseded) {
		t.Errorf("cause = %v, want ErrSuperseded", context.Cause(ctxA))
	}
}

func TestAskStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stream  string
		want    string
		wantErr bool
	}{
		{
			name:   "json and raw deltas",
			stream: "data: \"점자는 \"\n\ndata: {\"delta\":\"여섯 점\"}\n\n: keepalive\n\ndata: {\"text\":\"으로\"}\n\ndata:  이루어집니다\n\nevent: done\ndata: [END]\n\ndata: ignored\n\n",
			want:   "점자는 여섯 점으로 이루어집니다",
		},
		{
			name:   "eof without done",
			stream: "data: 안녕\n\n",
			want:   "안녕",
		},
		{
			name:    "error event",
			stream:  "data: 부분\n\nevent: error\ndata: rate limited\n\n",
			want:    "부분",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != streamEndpoint || r.Header.Get("Accept") != "text/event-stream" {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Content-Type", "text/event-stream")
				_, _ = io.WriteString(w, tt.stream)
			}))

			var b strings.Builder
			err := c.AskStream(context.Background(), AskRequest{Q: "점자"}, func(d string) { b.WriteString(d) })
			if (err != nil) != tt.wantErr {
				t.Fatalf("AskStream err = %v, wantErr %v", err, tt.wantErr)
			}
			if b.String() != tt.want {
				t.Errorf("text = %q, want %q", b.String(), tt.want)
			}
		})
	}
}

func TestDecodeDelta(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		`"hi"`:              "hi",
		`{"delta":"a"}`:     "a",
		`{"text":"b"}`:      "b",
		`{"other":1}`:       "",
		`plain text`:        "plain text",
		`42`:                "42",
		`[END]`:             "[END]",
	}
	for in, want := range tests {
		if got := decodeDelta(in); got != want {
			t.Errorf("decodeDelta(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Mode{"": ModeWord, "CHAR": ModeChar, " sentence ": ModeSentence} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("poem"); err == nil {
		t.Error("ParseMode(poem) succeeded")
	}
}
