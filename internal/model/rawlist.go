package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawList accepts a JSON field that upstream sometimes sends as a native
// array and sometimes as a JSON-encoded string (occasionally escaped more
// than once, e.g. "\"[\\\"a\\\"]\""). Unmarshal always converges on the
// canonical decoded array in Items.
type RawList struct {
	Items []json.RawMessage
}

// UnmarshalJSON implements the iterative unescape-then-parse behavior: try
// decoding as an array directly; if the payload is a string, unquote it and
// retry, up to a small fixed number of rounds to bound doubly (or more)
// escaped input. A value that never converges decodes to an empty list.
func (r *RawList) UnmarshalJSON(data []byte) error {
	r.Items = nil

	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	cur := data
	for round := 0; round < 5; round++ {
		var arr []json.RawMessage
		if err := json.Unmarshal(cur, &arr); err == nil {
			r.Items = arr
			return nil
		}

		var s string
		if err := json.Unmarshal(cur, &s); err != nil {
			// Neither an array nor a string: give up, leave empty.
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		cur = []byte(s)
	}
	return nil
}

// Strings decodes each item as a plain JSON string, skipping any item that
// isn't one. Used for outcomes and clob_token_ids.
func (r RawList) Strings() []string {
	out := make([]string, 0, len(r.Items))
	for _, raw := range r.Items {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
			continue
		}
		// Some upstream payloads encode clob token ids as bare numbers.
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			out = append(out, n.String())
		}
	}
	return out
}

// Float64s decodes each item as a float, accepting both numeric and
// string-encoded numeric JSON values (outcome_prices sometimes arrives as
// ["0.62", "0.38"]).
func (r RawList) Float64s() []float64 {
	out := make([]float64, 0, len(r.Items))
	for _, raw := range r.Items {
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			var pf float64
			if err := json.Unmarshal([]byte(`"`+s+`"`), &pf); err == nil {
				out = append(out, pf)
			} else if parsed, ok := parseFloatLenient(s); ok {
				out = append(out, parsed)
			}
		}
	}
	return out
}

// Raw decodes each item opaquely, preserved verbatim for JSONB columns such
// as tokens and events.
func (r RawList) Raw() []json.RawMessage {
	return r.Items
}

// Empty reports whether the list has no elements, the signal the
// preservation rule keys on.
func (r RawList) Empty() bool {
	return len(r.Items) == 0
}

func parseFloatLenient(s string) (float64, bool) {
	var f float64
	n, err := fmt.Sscanf(s, "%g", &f)
	if err != nil || n != 1 {
		return 0, false
	}
	return f, true
}
