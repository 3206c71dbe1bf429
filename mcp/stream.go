package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
)

// decodeHTTPBody reads the messages in an HTTP reply: an event stream, a
// JSON batch or a single JSON object.
func decodeHTTPBody(contentType string, body []byte) ([]Message, error) {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "text/event-stream" {
		return decodeEventStream(body)
	}

	body = bytes.TrimSpace(body)
	if bytes.HasPrefix(body, []byte("[")) {
		var batch []Message
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, fmt.Errorf("mcp: decode batch response: %w", err)
		}
		return batch, nil
	}
	var single Message
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	return []Message{single}, nil
}

// decodeEventStream collects one message per event. The data lines of an
// event are joined with newlines; other fields and comments are ignored.
func decodeEventStream(body []byte) ([]Message, error) {
	var (
		out   []Message
		event strings.Builder
		lines int
	)
	dispatch := func() error {
		if lines == 0 {
			return nil
		}
		var message Message
		err := json.Unmarshal([]byte(event.String()), &message)
		event.Reset()
		lines = 0
		if err != nil {
			return fmt.Errorf("mcp: decode event data: %w", err)
		}
		out = append(out, message)
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64<<10), maxResponseBody)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return nil, err
			}
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		if lines > 0 {
			event.WriteByte('\n')
		}
		event.WriteString(strings.TrimPrefix(value, " "))
		lines++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: read event stream: %w", err)
	}
	if err := dispatch(); err != nil {
		return nil, err
	}
	return out, nil
}
