package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
)

// Event types as they appear on the wire.
const (
	TypeQueriesGenerated = "queries_generated"
	TypeWebProgress      = "web_progress"
	TypeKBProgress       = "kb_progress"
	TypeReflection       = "reflection"
	TypeFinalAnswer      = "final_answer"
	TypeSessionFailed    = "session_failed"
	TypeTunnelStatus     = "tunnel_status"
)

// Payload is the closed set of event bodies. Only types in this package
// implement it.
type Payload interface {
	EventType() string
	sealed()
}

// QueriesGenerated reports the batch issued at the start of a loop.
type QueriesGenerated struct {
	Queries   []string `json:"queries"`
	LoopIndex int      `json:"loop_index"`
}

// WebProgress reports one finished web query.
type WebProgress struct {
	Query       string `json:"query"`
	SourceCount int    `json:"source_count"`
}

// KBProgress reports one finished knowledge-base query and why it returned
// what it did.
type KBProgress struct {
	Query       string `json:"query"`
	Status      string `json:"status"`
	SourceCount int    `json:"source_count"`
}

// Reflection reports a reflection verdict.
type Reflection struct {
	IsSufficient    bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap,omitempty"`
	FollowUpQueries []string `json:"follow_up_queries"`
	LoopIndex       int      `json:"loop_index"`
}

// FinalAnswer carries the synthesized answer and its numbered citations.
type FinalAnswer struct {
	Text      string              `json:"text"`
	Citations []evidence.Citation `json:"citations"`
}

// SessionFailed is emitted when a model call needed for the answer failed.
type SessionFailed struct {
	Error string `json:"error"`
}

// TunnelStatus mirrors a tunnel state transition on the system stream.
type TunnelStatus struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Reason  string `json:"reason,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

func (QueriesGenerated) EventType() string { return TypeQueriesGenerated }
func (WebProgress) EventType() string      { return TypeWebProgress }
func (KBProgress) EventType() string       { return TypeKBProgress }
func (Reflection) EventType() string       { return TypeReflection }
func (FinalAnswer) EventType() string      { return TypeFinalAnswer }
func (SessionFailed) EventType() string    { return TypeSessionFailed }
func (TunnelStatus) EventType() string     { return TypeTunnelStatus }

func (QueriesGenerated) sealed() {}
func (WebProgress) sealed()      {}
func (KBProgress) sealed()       {}
func (Reflection) sealed()       {}
func (FinalAnswer) sealed()      {}
func (SessionFailed) sealed()    {}
func (TunnelStatus) sealed()     {}

// Event is one entry of a session's append-only event stream.
type Event struct {
	SessionID string
	Seq       uint64
	Timestamp time.Time
	Payload   Payload
}

// Type returns the wire type of the payload.
func (e Event) Type() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

type wireEvent struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as {session_id, seq, timestamp, type, data}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %d has no payload", e.Seq)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		SessionID: e.SessionID,
		Seq:       e.Seq,
		Timestamp: e.Timestamp,
		Type:      e.Payload.EventType(),
		Data:      data,
	})
}

// UnmarshalJSON decodes the wire form through DecodeEvent.
func (e *Event) UnmarshalJSON(b []byte) error {
	ev, err := DecodeEvent(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// Marshal returns JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// DecodeEvent parses a wire event into its concrete payload type. Unknown
// types are rejected so no open-ended map escapes the boundary.
func DecodeEvent(b []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	p, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return Event{}, err
	}
	return Event{SessionID: w.SessionID, Seq: w.Seq, Timestamp: w.Timestamp, Payload: p}, nil
}

func decodePayload(typ string, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch typ {
	case TypeQueriesGenerated:
		var v QueriesGenerated
		err, p = unmarshalInto(data, &v), &v
	case TypeWebProgress:
		var v WebProgress
		err, p = unmarshalInto(data, &v), &v
	case TypeKBProgress:
		var v KBProgress
		err, p = unmarshalInto(data, &v), &v
	case TypeReflection:
		var v Reflection
		err, p = unmarshalInto(data, &v), &v
	case TypeFinalAnswer:
		var v FinalAnswer
		err, p = unmarshalInto(data, &v), &v
	case TypeSessionFailed:
		var v SessionFailed
		err, p = unmarshalInto(data, &v), &v
	case TypeTunnelStatus:
		var v TunnelStatus
		err, p = unmarshalInto(data, &v), &v
	default:
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return deref(p), nil
}

func unmarshalInto(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// deref returns payloads by value so decoded events compare equal to the
// ones that were published.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *QueriesGenerated:
		return *v
	case *WebProgress:
		return *v
	case *KBProgress:
		return *v
	case *Reflection:
		return *v
	case *FinalAnswer:
		return *v
	case *SessionFailed:
		return *v
	case *TunnelStatus:
		return *v
	}
	return p
}
