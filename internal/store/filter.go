package store

import (
	"fmt"
	"strings"
)

// Filter narrows historical queries. Zero values mean "no constraint".
type Filter struct {
	// Token restricts records to one token address (canonical lowercase).
	Token string
	// MinBlock drops records below a block-number floor.
	MinBlock uint64
	// SinceMillis drops records older than a millisecond timestamp.
	SinceMillis int64
}

// clause renders the filter as a WHERE clause with numbered placeholders
// and the matching argument list. An empty filter renders as "".
func (f Filter) clause() (string, []any) {
	conds := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if f.Token != "" {
		args = append(args, strings.ToLower(f.Token))
		conds = append(conds, fmt.Sprintf("token = $%d", len(args)))
	}
	if f.MinBlock > 0 {
		args = append(args, int64(f.MinBlock))
		conds = append(conds, fmt.Sprintf("block_number >= $%d", len(args)))
	}
	if f.SinceMillis > 0 {
		args = append(args, f.SinceMillis)
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
