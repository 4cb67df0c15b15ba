// Package envelope is the single place that knows about the replay wrapper
// {"cached_at": ..., "data": ...} around queue payloads.
package envelope

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/norm-structurer/internal/model"
)

// maxDepth limits unwrapping of envelopes nested by repeated replays.
const maxDepth = 4

var (
	// ErrMalformed is returned for bodies that are not a JSON object.
	ErrMalformed = eris.New("envelope: malformed message")
	// ErrNoDocumentID is returned when neither document_id nor id decodes.
	ErrNoDocumentID = eris.New("envelope: no document id")
)

// Message is a normalized queue body.
type Message struct {
	Payload json.RawMessage
	// CachedAt is set when the body arrived wrapped. Only for logging; it
	// must not change how the payload is processed.
	CachedAt *time.Time
}

// Normalize unwraps a replay envelope if present and returns the canonical
// payload. Bare payloads pass through unchanged.
func Normalize(raw []byte) (*Message, error) {
	msg := &Message{Payload: json.RawMessage(bytes.TrimSpace(raw))}
	for depth := 0; ; depth++ {
		fields, err := object(msg.Payload)
		if err != nil {
			return nil, err
		}
		cachedAt, hasStamp := fields["cached_at"]
		data, hasData := fields["data"]
		if !hasStamp || !hasData {
			return msg, nil
		}
		if depth == maxDepth {
			return nil, eris.Wrap(ErrMalformed, "envelope nested too deep")
		}

		var ts time.Time
		if err := json.Unmarshal(cachedAt, &ts); err != nil {
			return nil, eris.Wrapf(ErrMalformed, "cached_at: %v", err)
		}
		if msg.CachedAt == nil {
			msg.CachedAt = &ts
		}
		msg.Payload = data
	}
}

func object(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || raw[0] != '{' {
		return nil, eris.Wrap(ErrMalformed, "body is not a JSON object")
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, eris.Wrapf(ErrMalformed, "%v", err)
	}
	return fields, nil
}

// DocumentID reads the document identity from a normalized payload,
// preferring document_id and falling back to id.
func DocumentID(payload json.RawMessage) (model.DocumentID, error) {
	var ids struct {
		DocumentID json.RawMessage `json:"document_id"`
		ID         json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &ids); err != nil {
		return "", eris.Wrapf(ErrMalformed, "%v", err)
	}

	for _, raw := range []json.RawMessage{ids.DocumentID, ids.ID} {
		if len(raw) == 0 {
			continue
		}
		var id model.DocumentID
		if err := json.Unmarshal(raw, &id); err != nil {
			continue
		}
		if !id.IsZero() {
			return id, nil
		}
	}
	return "", ErrNoDocumentID
}

// Wrap builds a replay envelope around payload, compacted.
func Wrap(payload []byte, cachedAt time.Time) ([]byte, error) {
	if !json.Valid(payload) {
		return nil, eris.Wrap(ErrMalformed, "payload is not valid JSON")
	}
	out, err := json.Marshal(model.Envelope{CachedAt: cachedAt.UTC(), Data: json.RawMessage(payload)})
	if err != nil {
		return nil, eris.Wrap(err, "envelope: marshal")
	}
	return out, nil
}
