package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jeomgeuri/jeomgeuri/internal/observe"
)

// maxEventLine bounds a single SSE line.
const maxEventLine = 1 << 20

// AskStream sends a question to the streaming endpoint and calls onDelta
// with each text fragment in order. It returns nil when the server signals
// completion or closes the stream, and an error when the server sends an
// error event.
func (c *Client) AskStream(ctx context.Context, req AskRequest, onDelta func(string)) error {
	if strings.TrimSpace(req.Q) == "" {
		return errors.New("backend: ask stream: empty question")
	}

	ctx, span := observe.StartSpan(ctx, "backend.ask_stream")
	start := time.Now()

	err := c.breaker("ask_stream").Execute(func() error {
		resp, err := c.send(ctx, "ask_stream", http.MethodPost, streamEndpoint, req, "text/event-stream")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return readEvents(bufio.NewScanner(resp.Body), onDelta)
	})
	err = superseded(ctx, "ask_stream", err)

	c.metrics.RecordBackendRequest(ctx, "ask_stream", statusLabel(err), time.Since(start))
	observe.EndSpan(span, err)
	return err
}

// readEvents consumes a text/event-stream body.
func readEvents(sc *bufio.Scanner, onDelta func(string)) error {
	sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	event := ""
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
			// Comment or keepalive.
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			switch event {
			case "done":
				return nil
			case "error":
				return fmt.Errorf("backend: ask stream: server error: %s", data)
			}
			if delta := decodeDelta(data); delta != "" && onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("backend: ask stream: read: %w", err)
	}
	return nil
}

// decodeDelta extracts the text of a data line: a JSON string, an object
// with "delta" or "text", or the raw line when it is not JSON.
func decodeDelta(data string) string {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return data
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["delta"].(string); ok {
			return s
		}
		if s, ok := t["text"].(string); ok {
			return s
		}
		return ""
	default:
		return data
	}
}
