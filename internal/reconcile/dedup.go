package reconcile

import (
	"iter"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ledger-sync/internal/model"
)

// KeyFunc returns the key of a record; ok=false means the record must never
// be considered equal to another.
type KeyFunc func(model.ParsedTransaction) (model.Key, bool)

// DedupTail removes from page the longest prefix that repeats, key for key,
// a suffix of accumulated. Only an exact contiguous match is trimmed; with no
// overlap the page is returned unchanged.
func DedupTail(accumulated, page []model.ParsedTransaction, key KeyFunc) []model.ParsedTransaction {
	limit := min(len(accumulated), len(page))
	if limit == 0 {
		return page
	}

	tail := keysOf(accumulated[len(accumulated)-limit:], key)
	head := keysOf(page[:limit], key)

	for n := limit; n > 0; n-- {
		if overlaps(tail[limit-n:], head[:n]) {
			return page[n:]
		}
	}
	return page
}

type optKey struct {
	key model.Key
	ok  bool
}

func keysOf(txs []model.ParsedTransaction, key KeyFunc) []optKey {
	out := make([]optKey, len(txs))
	for i, tx := range txs {
		k, ok := key(tx)
		out[i] = optKey{key: k, ok: ok}
	}
	return out
}

func overlaps(a, b []optKey) bool {
	for i := range a {
		if !a[i].ok || !b[i].ok || a[i].key != b[i].key {
			return false
		}
	}
	return true
}

// CollectStats reports what Collect did to a page stream.
type CollectStats struct {
	Pages   int
	Trimmed int
}

// Collect drains a page stream into one sequence, removing page overlap as
// it goes. The stream is consumed once; an error from it aborts collection.
func Collect(pages iter.Seq2[[]model.ParsedTransaction, error], key KeyFunc) ([]model.ParsedTransaction, CollectStats, error) {
	var (
		all   []model.ParsedTransaction
		stats CollectStats
	)
	if pages == nil {
		return nil, stats, nil
	}
	for page, err := range pages {
		if err != nil {
			return nil, stats, eris.Wrapf(err, "reconcile: read page %d", stats.Pages+1)
		}
		stats.Pages++
		unique := DedupTail(all, page, key)
		stats.Trimmed += len(page) - len(unique)
		all = append(all, unique...)
	}
	return all, stats, nil
}
