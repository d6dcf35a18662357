package reconcile

import (
	"cmp"
	"slices"

	"github.com/sells-group/ledger-sync/internal/model"
)

// SortLedger returns rows in replay order: OperationDate, then insertion ID.
func SortLedger(rows []model.TransactionRecord) []model.TransactionRecord {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b model.TransactionRecord) int {
		if c := a.OperationDate.Compare(b.OperationDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// RenewalChain returns the IDs from the newest row back to the original
// for the row with the given id, following RenewsID links.
func RenewalChain(rows []model.TransactionRecord, id int64) []int64 {
	byID := make(map[int64]model.TransactionRecord, len(rows))
	renewedBy := make(map[int64]int64)
	for _, r := range rows {
		byID[r.ID] = r
		if r.RenewsID != nil {
			renewedBy[*r.RenewsID] = r.ID
		}
	}

	// Walk forward to the newest renewal first.
	head := id
	for seen := map[int64]bool{head: true}; ; {
		next, ok := renewedBy[head]
		if !ok || seen[next] {
			break
		}
		seen[next] = true
		head = next
	}

	var chain []int64
	for cur, seen := head, map[int64]bool{}; !seen[cur]; {
		r, ok := byID[cur]
		if !ok {
			break
		}
		seen[cur] = true
		chain = append(chain, cur)
		if r.RenewsID == nil {
			break
		}
		cur = *r.RenewsID
	}
	return chain
}
