package runner

import (
	"encoding/json"
	"strings"
)

// EventKind classifies a stream line by its "type" field.
type EventKind int

const (
	EventOther EventKind = iota
	EventInit            // "system" with subtype "init", carries the session id
	EventAssistant
	EventResult // terminal event carrying the final answer
)

// StreamEvent is one parsed line of the worker's line-delimited JSON output.
// It only lives for the duration of a single run.
type StreamEvent struct {
	Kind      EventKind
	SessionID string
	Text      string
}

// parseStreamEvent decodes one stdout line. The raw payload shape varies
// between event types, so we decode into a generic map and pull out the
// fields we care about.
func parseStreamEvent(line []byte) (StreamEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return StreamEvent{}, err
	}

	ev := StreamEvent{Kind: EventOther}

	typ, _ := raw["type"].(string)
	switch strings.TrimSpace(typ) {
	case "system":
		if sub, _ := raw["subtype"].(string); sub == "init" {
			ev.Kind = EventInit
		}
	case "assistant":
		ev.Kind = EventAssistant
	case "result":
		ev.Kind = EventResult
	}

	// The session id may appear on any event; the init event normally
	// carries it first.
	if sid, _ := raw["session_id"].(string); sid != "" {
		ev.SessionID = sid
	}

	ev.Text = extractText(raw)
	return ev, nil
}

// extractText pulls human-readable text out of an event payload. A result
// event carries either a direct string or a list of content blocks; assistant
// events nest content under "message".
func extractText(raw map[string]any) string {
	if s, ok := raw["result"].(string); ok {
		return s
	}
	if msg, ok := raw["message"].(map[string]any); ok {
		if s := contentText(msg["content"]); s != "" {
			return s
		}
	}
	if content, ok := raw["content"]; ok {
		return contentText(content)
	}
	return ""
}

// contentText flattens a content payload: either a plain string or a list of
// blocks from which text blocks are concatenated.
func contentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if bt, _ := block["type"].(string); bt != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}
