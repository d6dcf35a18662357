package reconcile

import (
	"slices"

	"github.com/sells-group/ledger-sync/internal/model"
)

// Direction is the chronological direction of a batch as listed by a source.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// DetectDirection infers the listing direction of batch. It is a heuristic:
// when nothing decides the question the batch is taken as ascending.
func DetectDirection(batch []model.ParsedTransaction) Direction {
	if len(batch) < 2 {
		return Ascending
	}

	first, last := batch[0].OperationDate, batch[len(batch)-1].OperationDate
	if !first.Equal(last) {
		if first.After(last) {
			return Descending
		}
		return Ascending
	}

	// Single date: read running balances backwards through each amount.
	tested := 0
	for i := 0; i+1 < len(batch); i++ {
		cur, next := batch[i].RunningBalance, batch[i+1].RunningBalance
		if cur == nil || next == nil {
			continue
		}
		tested++
		if !cur.Sub(batch[i].Amount).Equal(*next) {
			return Ascending
		}
	}
	if tested == 0 {
		return Ascending
	}
	return Descending
}

// Normalize returns a copy of batch in ascending OperationDate order. Records
// sharing a date keep their relative order after direction correction.
func Normalize(batch []model.ParsedTransaction) []model.ParsedTransaction {
	out := slices.Clone(batch)
	if DetectDirection(out) == Descending {
		slices.Reverse(out)
	}
	slices.SortStableFunc(out, func(a, b model.ParsedTransaction) int {
		return a.OperationDate.Compare(b.OperationDate)
	})
	return out
}
