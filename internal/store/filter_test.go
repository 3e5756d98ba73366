package store

import (
	"reflect"
	"testing"
)

func TestFilterClause(t *testing.T) {
	cases := []struct {
		name     string
		filter   Filter
		wantSQL  string
		wantArgs []any
	}{
		{
			name:    "empty",
			filter:  Filter{},
			wantSQL: "",
		},
		{
			name:     "token only",
			filter:   Filter{Token: "0xABCD000000000000000000000000000000000001"},
			wantSQL:  "WHERE token = $1",
			wantArgs: []any{"0xabcd000000000000000000000000000000000001"},
		},
		{
			name:     "min block only",
			filter:   Filter{MinBlock: 4000000},
			wantSQL:  "WHERE block_number >= $1",
			wantArgs: []any{int64(4000000)},
		},
		{
			name:     "since only",
			filter:   Filter{SinceMillis: 1700000000000},
			wantSQL:  "WHERE ts >= $1",
			wantArgs: []any{int64(1700000000000)},
		},
		{
			name:     "token and floor",
			filter:   Filter{Token: "0xabcd000000000000000000000000000000000001", MinBlock: 100},
			wantSQL:  "WHERE token = $1 AND block_number >= $2",
			wantArgs: []any{"0xabcd000000000000000000000000000000000001", int64(100)},
		},
		{
			name:     "all constraints",
			filter:   Filter{Token: "0xabcd000000000000000000000000000000000001", MinBlock: 100, SinceMillis: 12345},
			wantSQL:  "WHERE token = $1 AND block_number >= $2 AND ts >= $3",
			wantArgs: []any{"0xabcd000000000000000000000000000000000001", int64(100), int64(12345)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, args := tc.filter.clause()
			if sql != tc.wantSQL {
				t.Fatalf("sql mismatch:\n got %q\nwant %q", sql, tc.wantSQL)
			}
			if !reflect.DeepEqual(args, tc.wantArgs) {
				t.Fatalf("args mismatch:\n got %#v\nwant %#v", args, tc.wantArgs)
			}
		})
	}
}
