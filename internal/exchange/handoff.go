package exchange

import (
	"context"
	"fmt"

	"github.com/anthanhphan/gosdk/logger"
)

// compareOutcome is what the comparison worker posts to the engine's
// "done" signal (spec §4.1 "the worker sends the engine a done(acc)
// message").
type compareOutcome struct {
	acc Accumulator
	err error
}

// runKeyExchange implements spec §4.1 "State: KeyExchange", including
// the socket ownership handoff of its "Socket ownership handoff"
// subsection. Exactly two signals advance the engine here: the
// worker's init callback (the "worker_pid" handoff) and its done
// message, matching the tight selective receive spec §4.1 describes.
func (e *Engine) runKeyExchange(ctx context.Context) (State, error) {
	idx, ok := e.sess.peekHead()
	if !ok {
		return StateStopped, fmt.Errorf("exchange: key exchange entered with an empty index_n queue")
	}

	workerReady := make(chan struct{}, 1)
	toWorker := make(chan *Socket, 1)
	fromWorker := make(chan *Socket, 1)
	doneCh := make(chan compareOutcome, 1)

	var workerSock *Socket // written once by cb(init), read only by the same goroutine thereafter

	cb := func(_ context.Context, kind CallbackKind, bq *BucketQuery, sq *SegmentQuery) (any, error) {
		switch kind {
		case CallbackInit:
			workerReady <- struct{}{}
			workerSock = <-toWorker
			return nil, nil
		case CallbackBucket:
			return workerSock.requestBucketHashes(*bq)
		case CallbackSegment:
			return workerSock.requestSegmentKeyHashes(*sq)
		case CallbackFinal:
			fromWorker <- workerSock
			return nil, nil
		default:
			return nil, fmt.Errorf("exchange: unknown callback kind %d", kind)
		}
	}

	fold := foldKeyDiffs(func(d KeyDiff) int {
		return e.replicateDiff(ctx, workerSock, d)
	})

	go func() {
		acc, err := e.treeSvc.Compare(ctx, e.sess.handle, idx, cb, fold)
		doneCh <- compareOutcome{acc: acc, err: err}
	}()

	owned := e.sess.sock
	select {
	case <-workerReady:
		toWorker <- owned
		e.sess.sock = nil
	case <-e.cancelCh:
		e.sendComplete()
		return StateStopped, nil
	case <-e.treeDownCh:
		e.sendComplete()
		return StateStopped, ErrTreeDown
	case <-ctx.Done():
		return StateStopped, ctx.Err()
	}

	var outcome compareOutcome
	select {
	case outcome = <-doneCh:
	case <-e.cancelCh:
		// The worker still holds the socket; frame writes are serialized
		// by the Socket's write lock, so COMPLETE goes out on it directly.
		e.sess.sock = owned
		e.sendComplete()
		return StateStopped, nil
	case <-e.treeDownCh:
		e.sess.sock = owned
		e.sendComplete()
		return StateStopped, ErrTreeDown
	case <-ctx.Done():
		return StateStopped, ctx.Err()
	}

	select {
	case e.sess.sock = <-fromWorker:
	default:
		// Compare faulted before invoking the final callback; the
		// socket never formally returned, so reclaim it directly.
		e.sess.sock = workerSock
	}

	if outcome.err != nil {
		return StateStopped, outcome.err
	}

	if count, ok := outcome.acc.Count(); ok {
		logger.Infow("exchange: repaired divergent keys", "partition", e.sess.partition, "index_n", idx.String(), "count", count)
	} else {
		logger.Debugw("exchange: segment comparison found no divergence", "partition", e.sess.partition, "index_n", idx.String())
	}

	e.sess.advance()
	e.sess.builtCount = 0
	return StateUpdateTrees, nil
}

// replicateDiff implements spec §4.1 "Diff accumulation" for a single
// Missing/Different KeyDiff: fetch the object, ask the replication
// helper whether (and with what companions) to send it, and stream
// each as PUT_OBJ over the socket currently owned by the comparison
// worker. Returns the number of objects actually sent, 0 if the key
// was skipped.
func (e *Engine) replicateDiff(ctx context.Context, sock *Socket, d KeyDiff) int {
	bucket, key := e.objHelper.UnpackBKey(d.BKey)

	obj, ok, err := e.vnodeSvc.Get(ctx, bucket, key)
	if err != nil {
		logger.Warnw("exchange: object fetch failed", "error", err.Error())
		return 0
	}
	if !ok {
		logger.Warnw("exchange: divergent key not found locally", "bucket", string(bucket), "key", string(key))
		return 0
	}

	related, sendOK := e.objHelper.ReplHelperSend(ctx, obj)
	if !sendOK {
		return 0
	}

	sent := 0
	for _, companion := range related {
		if err := e.sendPutObj(sock, companion); err != nil {
			logger.Warnw("exchange: PUT_OBJ failed for related object", "error", err.Error())
			return sent
		}
		sent++
	}
	if err := e.sendPutObj(sock, obj); err != nil {
		logger.Warnw("exchange: PUT_OBJ failed", "error", err.Error())
		return sent
	}
	sent++
	return sent
}

func (e *Engine) sendPutObj(sock *Socket, obj VnodeObject) error {
	body, err := e.objHelper.EncodeObjMsg(e.sess.wireVersion, obj)
	if err != nil {
		return err
	}
	payload, err := marshalPutObj(e.sess.wireVersion, body)
	if err != nil {
		return err
	}
	return sock.SendAsync(TagPutObj, payload)
}
