package http

import (
	"context"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// CountRecords reads each owner's records and tallies them by state and kind.
//
// An owner whose records cannot be read reports -1 for every count and the
// error text, so one bad document does not hide the others.
func CountRecords(ctx context.Context, svc Service, owners []string) []OwnerCounts {
	out := make([]OwnerCounts, 0, len(owners))
	for _, owner := range owners {
		set, err := svc.GetRecords(ctx, owner)
		if err != nil {
			out = append(out, OwnerCounts{Owner: owner, Total: -1, Active: -1, Inactive: -1, Error: err.Error()})
			continue
		}
		c := OwnerCounts{Owner: owner, Total: len(set), ByKind: make(map[record.Kind]int)}
		for _, r := range set {
			if r.Active {
				c.Active++
			} else {
				c.Inactive++
			}
			c.ByKind[r.Kind]++
		}
		out = append(out, c)
	}
	return out
}
