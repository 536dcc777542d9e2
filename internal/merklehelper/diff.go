package merklehelper

import (
	"bytes"
	"context"
	"io"

	"github.com/anthanhphan/gosdk/logger"
	"github.com/google/uuid"
)

// diffFiles implements spec §4.2's diff merge-walk table over two
// sorted keyhash streams, posting one EventMerkleDiffKey per divergent
// key and a final EventDiffDone carrying the tallies.
func (h *Helper) diffFiles(ctx context.Context, ref uuid.UUID, remoteFn, ourFn string) {
	summary := &DiffSummary{ErrorHistogram: make(map[string]int)}

	remote, err := OpenKeyHashReader(remoteFn)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: err})
		return
	}
	defer remote.Close()

	local, err := OpenKeyHashReader(ourFn)
	if err != nil {
		h.onEvent(Event{Ref: ref, Kind: EventError, Err: err})
		return
	}
	defer local.Close()

	nextRemote := func() *KeyHashRecord {
		rec, err := remote.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			summary.ErrorHistogram[err.Error()]++
			return nil
		}
		summary.RemoteReadCount++
		return &rec
	}
	nextLocal := func() *KeyHashRecord {
		rec, err := local.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			summary.ErrorHistogram[err.Error()]++
			return nil
		}
		summary.LocalReadCount++
		return &rec
	}

	emitDiffering := func(bkey []byte, vclock VClock) {
		summary.DifferingCount++
		h.onEvent(Event{Ref: ref, Kind: EventMerkleDiffKey, BKey: bkey, VClock: vclock})
	}
	emitMissing := func(bkey []byte, vclock VClock) {
		summary.MissingCount++
		h.onEvent(Event{Ref: ref, Kind: EventMerkleDiffKey, BKey: bkey, VClock: vclock})
	}

	r := nextRemote()
	l := nextLocal()

	for r != nil {
		switch {
		case l == nil:
			// remote key with nothing left locally to compare against:
			// genuinely missing locally, not a hash conflict.
			emitMissing(r.BKey, FreshVClock())
			r = nextRemote()

		case bytes.Equal(r.BKey, l.BKey):
			if r.Hash != l.Hash {
				vclock, err := h.vclocks.VClockFor(ctx, l.BKey)
				if err != nil {
					summary.ErrorHistogram[err.Error()]++
					vclock = FreshVClock()
				}
				emitDiffering(l.BKey, vclock)
			}
			r = nextRemote()
			l = nextLocal()

		case bytes.Compare(r.BKey, l.BKey) < 0:
			// remote has a key the local side's sorted stream has
			// already passed: genuinely missing locally.
			emitMissing(r.BKey, FreshVClock())
			r = nextRemote()

		default:
			// local has a key the remote doesn't (possible deletion);
			// skip it and advance local only.
			l = nextLocal()
		}
	}

	logger.Infow("merklehelper: diff done",
		"differing", summary.DifferingCount,
		"missing", summary.MissingCount,
		"remote_reads", summary.RemoteReadCount,
		"local_reads", summary.LocalReadCount)
	h.onEvent(Event{Ref: ref, Kind: EventDiffDone, Summary: summary})
}
