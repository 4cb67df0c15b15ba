package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// DocumentID identifies a source document across every pipeline stage.
// Upstream stages emit either integers or strings; both decode here.
type DocumentID string

// UnmarshalJSON accepts a JSON string or an integral JSON number.
func (id *DocumentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = DocumentID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return eris.Wrap(err, "model: document id must be a string or integer")
	}
	if _, err := n.Int64(); err != nil {
		return eris.Errorf("model: document id %s is not an integer", n)
	}
	*id = DocumentID(n.String())
	return nil
}

// MarshalJSON emits canonical integers as JSON numbers and everything else
// as strings, so integer ids round-trip in their original form.
func (id DocumentID) MarshalJSON() ([]byte, error) {
	if id.isCanonicalInt() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id DocumentID) isCanonicalInt() bool {
	s := string(id)
	n, err := strconv.ParseInt(s, 10, 64)
	return err == nil && strconv.FormatInt(n, 10) == s
}

// String returns the id as text.
func (id DocumentID) String() string { return string(id) }

// IsZero reports whether the id is empty.
func (id DocumentID) IsZero() bool { return id == "" }
