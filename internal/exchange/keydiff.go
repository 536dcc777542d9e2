package exchange

import "github.com/anthanhphan/gosdk/logger"

// Accumulator is the sum type replacing the original's untyped
// `[]` / `[N]` diff-count accumulator (spec §9 Design Notes). It starts
// at AccumulatorEmpty and holds a count (Count reports ok=true) once the
// first diff of any kind is folded in.
type Accumulator struct {
	hasCount bool
	count    int64
}

// AccumulatorEmpty is the accumulator's initial value, equivalent to
// the original's `[]`.
var AccumulatorEmpty = Accumulator{}

// Count returns the accumulated repaired-object count and whether any
// diff has been folded in yet.
func (a Accumulator) Count() (int64, bool) {
	return a.count, a.hasCount
}

// addSent folds in the object count for one replicated key. sent is
// 1+len(related) when an object was fetched and sent, 0 when the key
// was skipped; this is the overcounting behavior spec §9 Open Question
// (d) calls out and says to preserve as-is.
func (a Accumulator) addSent(sent int) Accumulator {
	if sent > 0 {
		a.count += int64(sent)
	}
	a.hasCount = true
	return a
}

// foldKeyDiffs is the default AccumulatorFunc wired into
// HashTreeService.Compare. replicate is called once per Missing/
// Different diff and returns how many objects were actually sent: 0 if
// the key was skipped (not found, or canceled by the replication
// helper), else 1 + the number of related objects sent alongside it.
func foldKeyDiffs(replicate func(KeyDiff) int) AccumulatorFunc {
	return func(acc Accumulator, diffs []KeyDiff) Accumulator {
		for _, d := range diffs {
			sent := 0
			switch d.Kind {
			case DiffMissing, DiffDifferent:
				sent = replicate(d)
			case DiffRemoteMissing:
				// remote has a key we don't: ignore, count 0.
			default:
				logger.Warnw("exchange: unrecognized diff kind, ignoring", "kind", d.Kind, "bkey", string(d.BKey))
			}
			acc = acc.addSent(sent)
		}
		return acc
	}
}
