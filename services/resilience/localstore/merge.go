// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package localstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// defaultConflictKey is matched when an upsert names no conflict keys.
const defaultConflictKey = "id"

// mergeRows applies op to the cached dataset current and returns the new
// dataset as a JSON array.
//
// Inserts append the payload rows. Upserts replace, in place, the first
// cached row whose conflict key values equal the new row's, and append
// rows that match nothing. Only conflict keys held by both rows are
// compared, so a row that omits the tenant column still matches. A cached
// object is treated as a one-row dataset; any other cached value is
// discarded.
func mergeRows(current json.RawMessage, op WriteOp) (json.RawMessage, error) {
	incoming, err := splitRows(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: write to %s: %v", ErrInvalidPayload, op.Target, err)
	}
	rows, err := splitRows(current)
	if err != nil {
		rows = nil
	}

	keys := op.ConflictKeys
	if len(keys) == 0 {
		keys = []string{defaultConflictKey}
	}

	for _, row := range incoming {
		if op.Operation != OpUpsert {
			rows = append(rows, row)
			continue
		}
		if i := matchRow(rows, row, keys); i >= 0 {
			rows[i] = row
		} else {
			rows = append(rows, row)
		}
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return json.Marshal(rows)
}

// splitRows returns the rows of an array, or a one-row slice for an object.
func splitRows(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		return rows, nil
	case '{':
		return []json.RawMessage{raw}, nil
	default:
		return nil, fmt.Errorf("expected object or array, got %.16s", raw)
	}
}

func matchRow(rows []json.RawMessage, row json.RawMessage, keys []string) int {
	want, ok := conflictValues(row, keys)
	if !ok {
		return -1
	}
	for i, existing := range rows {
		var fields map[string]json.RawMessage
		if json.Unmarshal(existing, &fields) != nil {
			continue
		}
		if sameValues(fields, want) {
			return i
		}
	}
	return -1
}

// conflictValues returns the compacted values of the conflict keys present
// in row. ok is false when row is not an object or holds none of them.
func conflictValues(row json.RawMessage, keys []string) (map[string][]byte, bool) {
	var fields map[string]json.RawMessage
	if json.Unmarshal(row, &fields) != nil {
		return nil, false
	}
	want := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, present := fields[k]
		if !present {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, false
		}
		want[k] = buf.Bytes()
	}
	return want, len(want) > 0
}

// sameValues reports whether every conflict key held by both rows agrees.
// At least one key must be compared.
func sameValues(fields map[string]json.RawMessage, want map[string][]byte) bool {
	compared := 0
	for k, v := range want {
		got, ok := fields[k]
		if !ok {
			continue
		}
		var buf bytes.Buffer
		if json.Compact(&buf, got) != nil || !bytes.Equal(buf.Bytes(), v) {
			return false
		}
		compared++
	}
	return compared > 0
}
