package transcript

import (
	"bytes"
	"encoding/json"
	"log/slog"
)

// rawRecord covers the union of fields we consume across record types. The
// "type" field is the discriminator; unknown types classify as internal.
type rawRecord struct {
	Type      string     `json:"type"`
	UUID      string     `json:"uuid"`
	SessionID string     `json:"sessionId"`
	Timestamp string     `json:"timestamp"`
	Cwd       string     `json:"cwd"`
	IsMeta    bool       `json:"isMeta"`
	Message   rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const maxLoggedLine = 512

// Parse splits data on newlines and parses each line as an independent JSON
// record. A malformed line is logged with its raw content and skipped; it
// never aborts the batch.
func Parse(data []byte) []Entry {
	var entries []Entry
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var rec rawRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			raw := line
			if len(raw) > maxLoggedLine {
				raw = raw[:maxLoggedLine]
			}
			slog.Warn("Skipping malformed transcript line",
				"line", i+1,
				"raw", string(raw),
				"error", err)
			continue
		}
		entries = append(entries, classify(rec))
	}
	return entries
}

// FilterVisible returns only user/assistant dialogue entries. Emptiness
// checks on a parsed batch must happen after this filter: a batch of only
// internal records carries nothing a viewer cares about.
func FilterVisible(entries []Entry) []Entry {
	var visible []Entry
	for _, e := range entries {
		if e.Visible() {
			visible = append(visible, e)
		}
	}
	return visible
}

func classify(rec rawRecord) Entry {
	entry := Entry{
		Kind:         KindInternal,
		SessionID:    rec.SessionID,
		SequenceHint: rec.UUID,
		Timestamp:    rec.Timestamp,
		Cwd:          rec.Cwd,
	}

	switch rec.Type {
	case recordTypeUser:
		// Meta records are warmup boilerplate the agent writes at
		// conversation start; they are not dialogue.
		if rec.IsMeta {
			return entry
		}
		text := extractText(rec.Message.Content)
		if text == "" {
			// Tool results arrive as user records with structured
			// content and no prose.
			return entry
		}
		entry.Kind = KindUser
		entry.Text = text
	case recordTypeAssistant:
		text := extractText(rec.Message.Content)
		if text == "" {
			return entry
		}
		entry.Kind = KindAssistant
		entry.Text = text
	case recordTypeSystem, recordTypeSummary, recordTypeFileHistorySnapshot, recordTypeQueueOperation:
		// Internal bookkeeping.
	default:
		// Unknown discriminators stay internal so new agent record
		// types never leak to viewers unclassified.
	}
	return entry
}

// extractText handles both content shapes the agent writes: a plain string,
// or an array of typed blocks from which only text blocks contribute.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type != "text" || b.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(b.Text)
	}
	return buf.String()
}
