package history

import (
	"slices"

	"github.com/kalambet/paperdesk/internal/exchange"
)

// Merge builds the visible history of a channel. The authoritative server
// batch is taken as is; local exchanges are added only when the batch does
// not contain them and they are still pending or streaming. The result is
// ordered by creation time, ties broken by arrival order.
func Merge(authoritative, local []exchange.Exchange) []exchange.Exchange {
	seen := make(map[string]struct{}, len(authoritative))
	out := make([]exchange.Exchange, 0, len(authoritative)+len(local))
	for _, ex := range authoritative {
		seen[ex.ID] = struct{}{}
		out = append(out, ex)
	}
	for _, ex := range local {
		if _, ok := seen[ex.ID]; ok {
			continue
		}
		if ex.Status != exchange.StatusPending && ex.Status != exchange.StatusStreaming {
			continue
		}
		out = append(out, ex)
	}

	slices.SortStableFunc(out, func(a, b exchange.Exchange) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.Arrival < b.Arrival:
			return -1
		case a.Arrival > b.Arrival:
			return 1
		}
		return 0
	})
	return out
}
