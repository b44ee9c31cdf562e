// Package transcript parses newline-delimited JSON transcript records into
// typed entries and classifies them as user-visible dialogue or internal
// bookkeeping.
package transcript

// Raw record discriminators written by the agent process.
const (
	recordTypeUser                = "user"
	recordTypeAssistant           = "assistant"
	recordTypeSystem              = "system"
	recordTypeSummary             = "summary"
	recordTypeFileHistorySnapshot = "file-history-snapshot"
	recordTypeQueueOperation      = "queue-operation"
)

// Kind classifies a parsed entry.
type Kind string

const (
	KindUser      Kind = "user"
	KindAssistant Kind = "assistant"
	KindInternal  Kind = "internal"
)

// Entry is one parsed transcript record. Entries are ephemeral: constructed
// per parse pass, serialized onto the wire, never stored.
type Entry struct {
	Kind         Kind   `json:"kind"`
	Text         string `json:"text"`
	SessionID    string `json:"sessionId,omitempty"`
	SequenceHint string `json:"sequenceHint,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	Cwd          string `json:"-"`
}

// Visible reports whether the entry is user or assistant dialogue.
func (e Entry) Visible() bool {
	return e.Kind == KindUser || e.Kind == KindAssistant
}
