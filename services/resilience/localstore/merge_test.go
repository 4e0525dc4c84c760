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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeRows(t *testing.T) {
	tests := []struct {
		name    string
		current string
		op      WriteOp
		want    string
	}{
		{
			name: "insert into empty cache",
			op:   WriteOp{Operation: OpInsert, Payload: json.RawMessage(`{"id":1}`)},
			want: `[{"id":1}]`,
		},
		{
			name:    "insert appends array rows",
			current: `[{"id":1}]`,
			op:      WriteOp{Operation: OpInsert, Payload: json.RawMessage(`[{"id":2},{"id":3}]`)},
			want:    `[{"id":1},{"id":2},{"id":3}]`,
		},
		{
			name:    "insert keeps duplicates",
			current: `[{"id":1}]`,
			op:      WriteOp{Payload: json.RawMessage(`{"id":1}`)},
			want:    `[{"id":1},{"id":1}]`,
		},
		{
			name:    "upsert replaces in place on default key",
			current: `[{"id":1,"v":"a"},{"id":2,"v":"a"}]`,
			op:      WriteOp{Operation: OpUpsert, Payload: json.RawMessage(`{"id":1,"v":"b"}`)},
			want:    `[{"id":1,"v":"b"},{"id":2,"v":"a"}]`,
		},
		{
			name:    "upsert appends when nothing matches",
			current: `[{"id":1}]`,
			op:      WriteOp{Operation: OpUpsert, Payload: json.RawMessage(`{"id":9}`)},
			want:    `[{"id":1},{"id":9}]`,
		},
		{
			name:    "upsert ignores keys missing from the new row",
			current: `[{"company_id":"acme","provider_id":"shopify","n":1},{"company_id":"acme","provider_id":"meta","n":1}]`,
			op: WriteOp{
				Operation:    OpUpsert,
				Payload:      json.RawMessage(`{"provider_id":"meta","n":2}`),
				ConflictKeys: []string{"company_id", "provider_id"},
			},
			want: `[{"company_id":"acme","provider_id":"shopify","n":1},{"provider_id":"meta","n":2}]`,
		},
		{
			name:    "upsert compares all shared keys",
			current: `[{"a":1,"b":1}]`,
			op: WriteOp{
				Operation:    OpUpsert,
				Payload:      json.RawMessage(`{"a":1,"b":2}`),
				ConflictKeys: []string{"a", "b"},
			},
			want: `[{"a":1,"b":1},{"a":1,"b":2}]`,
		},
		{
			name:    "upsert without any conflict key appends",
			current: `[{"id":1}]`,
			op:      WriteOp{Operation: OpUpsert, Payload: json.RawMessage(`{"name":"x"}`)},
			want:    `[{"id":1},{"name":"x"}]`,
		},
		{
			name:    "cached object is one row",
			current: `{"id":1}`,
			op:      WriteOp{Operation: OpInsert, Payload: json.RawMessage(`{"id":2}`)},
			want:    `[{"id":1},{"id":2}]`,
		},
		{
			name:    "cached scalar is discarded",
			current: `42`,
			op:      WriteOp{Operation: OpInsert, Payload: json.RawMessage(`{"id":2}`)},
			want:    `[{"id":2}]`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeRows(json.RawMessage(tt.current), tt.op)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMergeRows_RejectsScalarPayload(t *testing.T) {
	_, err := mergeRows(nil, WriteOp{Target: "orders", Payload: json.RawMessage(`"row"`)})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
