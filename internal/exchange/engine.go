// Package exchange implements the per-partition active anti-entropy
// fullsync source: a finite-state machine that locks and updates a
// local and a remote hash tree, compares them segment by segment over
// a shared socket, and streams divergent objects to the remote sink.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/anthanhphan/go-aae-fullsync/pkg/idgen"
	"github.com/anthanhphan/go-aae-fullsync/pkg/resilience"
	"github.com/anthanhphan/gosdk/logger"
)

const fullsyncSourceLockTag = "fullsync_source"

// EngineOptions configures a single partition exchange.
type EngineOptions struct {
	Partition   uint64
	RemoteAddr  string
	RemoteName  string
	Preflist    []IndexN
	WireVersion string
	DialTimeout time.Duration

	// Timeout bounds every per-state-transition synchronous call
	// (INIT, LOCK_TREE, UPDATE_TREE), per spec §6 Configuration's
	// anti_entropy_timeout. Zero disables the deadline.
	Timeout time.Duration

	TreeSvc   HashTreeService
	VnodeSvc  VnodeService
	ObjHelper ObjectHelper

	// Breaker, if set, wraps the initial dial so a remote sink that is
	// flapping or down trips the breaker instead of being hammered by
	// every partition engine the coordinator launches against it.
	Breaker *resilience.CircuitBreaker

	// IDGen, if set, replaces the socket's default per-connection
	// correlation-ID generator with one shared across every Engine a
	// coordinator runs, so IDs stay ordered process-wide rather than
	// only within one partition exchange.
	IDGen *idgen.Snowflake

	OnComplete CompletionFunc
}

// Engine is the Exchange Engine described in spec §4.1: a
// single-goroutine cooperative actor driving an explicit FSM over
// Prepare, UpdateTrees, KeyExchange, and the terminal Stopped state.
type Engine struct {
	sess      *session
	treeSvc   HashTreeService
	vnodeSvc  VnodeService
	objHelper ObjectHelper

	remoteAddr  string
	dialTimeout time.Duration
	timeout     time.Duration
	breaker     *resilience.CircuitBreaker
	idGen       *idgen.Snowflake

	cancelCh   chan struct{}
	cancelOnce sync.Once

	treeDownCh  chan struct{}
	monitorStop chan struct{}

	completeOnce sync.Once

	statusMu sync.RWMutex
	status   Status

	done chan struct{}
}

// NewEngine constructs an Engine for one partition exchange. Start
// must be called to begin the FSM.
func NewEngine(opts EngineOptions) *Engine {
	sess := newSession(opts.Partition, opts.RemoteName, opts.WireVersion, opts.Preflist, opts.OnComplete)

	e := &Engine{
		sess:        sess,
		treeSvc:     opts.TreeSvc,
		vnodeSvc:    opts.VnodeSvc,
		objHelper:   opts.ObjHelper,
		remoteAddr:  opts.RemoteAddr,
		dialTimeout: opts.DialTimeout,
		timeout:     opts.Timeout,
		breaker:     opts.Breaker,
		idGen:       opts.IDGen,
		cancelCh:    make(chan struct{}),
		treeDownCh:  make(chan struct{}, 1),
		monitorStop: make(chan struct{}),
		done:        make(chan struct{}),
	}
	e.setState(StatePrepare)
	return e
}

// Start dials the remote sink and runs the FSM to completion in a new
// goroutine. It returns immediately; use Done to wait for termination.
func (e *Engine) Start(ctx context.Context) {
	go e.run(ctx)
}

// Done is closed once the engine reaches StateStopped and has invoked
// its completion callback.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Cancel delivers cancel_fullsync: the engine sends COMPLETE and stops
// normally at its next suspension point, per spec §4.1/§7.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelCh) })
}

// Status answers the synchronous status query of spec §4.1 without
// mutating engine state. Once the engine has reached StateStopped it
// returns ErrStopped alongside the final snapshot, so a caller that
// polls Status after Done() is closed can tell "stopped" apart from
// any other state without racing Done itself.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	if e.status.State == StateStopped {
		return e.status, ErrStopped
	}
	return e.status, nil
}

func (e *Engine) setState(s State) {
	e.statusMu.Lock()
	e.status = e.sess.snapshot(s)
	e.statusMu.Unlock()
}

func (e *Engine) run(ctx context.Context) {
	var finalErr error

	sock, err := e.dial(ctx)
	if err != nil {
		finalErr = fmt.Errorf("%w: %v", ErrTransport, err)
		e.setState(StateStopped)
		e.finish(finalErr)
		return
	}
	sock.SetIDGen(e.idGen)
	sock.SetTimeout(e.timeout)
	e.sess.sock = sock
	defer func() {
		close(e.monitorStop)
		_ = sock.Close()
	}()

	state := StatePrepare
	for state != StateStopped {
		e.setState(state)
		switch state {
		case StatePrepare:
			state, finalErr = e.runPrepare(ctx)
		case StateUpdateTrees:
			state, finalErr = e.runUpdateTrees(ctx)
		case StateKeyExchange:
			state, finalErr = e.runKeyExchange(ctx)
		default:
			state, finalErr = StateStopped, fmt.Errorf("exchange: unreachable state %v", state)
		}
	}
	e.setState(StateStopped)
	e.finish(finalErr)
}

// dial opens the remote sink, tripping e.breaker (if configured) on
// repeated failure instead of retrying a dead peer on every call.
func (e *Engine) dial(ctx context.Context) (*Socket, error) {
	if e.breaker == nil {
		return Dial(e.remoteAddr, e.dialTimeout)
	}

	var sock *Socket
	err := e.breaker.Execute(ctx, func(_ context.Context) error {
		s, err := Dial(e.remoteAddr, e.dialTimeout)
		if err != nil {
			return err
		}
		sock = s
		return nil
	})
	return sock, err
}

func (e *Engine) finish(err error) {
	if e.sess.onComplete != nil {
		e.sess.onComplete(e.sess.partition, err)
	}
	close(e.done)
}

// sendComplete emits the single COMPLETE frame every partition
// exchange sends before terminating (spec §8 invariant). Guarded by
// sync.Once so every termination path may call it unconditionally.
func (e *Engine) sendComplete() {
	e.completeOnce.Do(func() {
		if e.sess.sock == nil {
			return
		}
		if err := e.sess.sock.SendAsync(TagComplete, nil); err != nil {
			logger.Warnw("exchange: failed to send COMPLETE", "partition", e.sess.partition, "error", err.Error())
		}
	})
}

func (e *Engine) signalTreeDown() {
	select {
	case e.treeDownCh <- struct{}{}:
	default:
	}
}

// syncCall runs a blocking transport call on its own goroutine so the
// engine can still react to cancel_fullsync or a tree-down signal
// while the call is in flight, per spec §5's suspension-point model.
func (e *Engine) syncCall(fn func() ([]byte, error)) ([]byte, error) {
	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := fn()
		ch <- result{body, err}
	}()

	select {
	case r := <-ch:
		return r.body, r.err
	case <-e.cancelCh:
		return nil, ErrCanceled
	case <-e.treeDownCh:
		return nil, ErrTreeDown
	}
}

// runPrepare implements spec §4.1 "State: Prepare".
func (e *Engine) runPrepare(ctx context.Context) (State, error) {
	handle, err := e.treeSvc.Handle(ctx, e.sess.partition)
	if err != nil {
		e.sendComplete()
		return StateStopped, fmt.Errorf("%w: %v", ErrLockFailed, err)
	}
	e.sess.handle = handle
	go e.treeSvc.Watch(handle, e.monitorStop, e.signalTreeDown)

	if err := e.treeSvc.GetLock(ctx, handle, fullsyncSourceLockTag); err != nil {
		e.sendComplete()
		return StateStopped, fmt.Errorf("%w: local get_lock: %v", ErrLockFailed, err)
	}

	initCID := e.sess.sock.nextCID()
	initPayload, err := cbor.Marshal(InitPayload{Partition: e.sess.partition, CID: initCID})
	if err != nil {
		return StateStopped, err
	}
	initBody, err := e.syncCall(func() ([]byte, error) {
		return e.sess.sock.RequestReply(TagInit, initPayload)
	})
	if err != nil {
		return e.stoppedFor(err)
	}
	var initReply OkReply
	if err := cbor.Unmarshal(initBody, &initReply); err == nil && !checkCID(initCID, initReply.CID) {
		logger.Warnw("exchange: INIT reply correlation ID mismatch", "sent", initCID, "got", initReply.CID)
	}

	lockCID := e.sess.sock.nextCID()
	lockPayload, err := cbor.Marshal(LockTreePayload{CID: lockCID})
	if err != nil {
		return StateStopped, err
	}
	lockBody, err := e.syncCall(func() ([]byte, error) {
		return e.sess.sock.RequestReply(TagLockTree, lockPayload)
	})
	if err != nil {
		return e.stoppedFor(err)
	}

	var lockReply OkReply
	if err := cbor.Unmarshal(lockBody, &lockReply); err != nil {
		return StateStopped, fmt.Errorf("%w: decode LOCK_TREE reply: %v", ErrTransport, err)
	}
	if !checkCID(lockCID, lockReply.CID) {
		logger.Warnw("exchange: LOCK_TREE reply correlation ID mismatch", "sent", lockCID, "got", lockReply.CID)
	}
	if !lockReply.OK {
		e.sendComplete()
		return StateStopped, &RemoteLockError{Reason: lockReply.Reason}
	}

	e.sess.builtCount = 0
	return StateUpdateTrees, nil
}

// stoppedFor maps a syncCall error into the right termination, sending
// COMPLETE for cancellation/tree-down/timeout but not for a raw
// transport fault (the socket is presumably already broken).
func (e *Engine) stoppedFor(err error) (State, error) {
	switch {
	case errors.Is(err, ErrCanceled):
		e.sendComplete()
		return StateStopped, nil
	case errors.Is(err, ErrTreeDown):
		e.sendComplete()
		return StateStopped, ErrTreeDown
	case errors.Is(err, ErrTimeout):
		e.sendComplete()
		return StateStopped, err
	default:
		return StateStopped, err
	}
}

type updateSignal struct {
	evt TreeBuiltEvent
	err error
}

// runUpdateTrees implements spec §4.1 "State: UpdateTrees".
func (e *Engine) runUpdateTrees(ctx context.Context) (State, error) {
	idx, ok := e.sess.peekHead()
	if !ok {
		e.sendComplete()
		return StateStopped, nil
	}

	signals := make(chan updateSignal, 2)

	e.treeSvc.Update(ctx, e.sess.handle, idx, func(evt TreeBuiltEvent) {
		signals <- updateSignal{evt: evt}
	})

	go func() {
		cid := e.sess.sock.nextCID()
		payload, err := cbor.Marshal(UpdateTreePayload{Index: idx.Index, N: idx.N, CID: cid})
		if err != nil {
			signals <- updateSignal{err: err}
			return
		}
		body, err := e.sess.sock.RequestReply(TagUpdateTree, payload)
		if err != nil {
			signals <- updateSignal{err: err}
			return
		}
		var reply UpdateTreeReply
		if err := cbor.Unmarshal(body, &reply); err != nil {
			signals <- updateSignal{err: fmt.Errorf("%w: decode UPDATE_TREE reply: %v", ErrTransport, err)}
			return
		}
		if !checkCID(cid, reply.CID) {
			logger.Warnw("exchange: UPDATE_TREE reply correlation ID mismatch", "sent", cid, "got", reply.CID)
		}
		signals <- updateSignal{evt: TreeBuiltEvent{Partition: e.sess.partition, Index: idx, Responsible: reply.Responsible}}
	}()

	for {
		select {
		case <-e.cancelCh:
			e.sendComplete()
			return StateStopped, nil
		case <-e.treeDownCh:
			e.sendComplete()
			return StateStopped, ErrTreeDown
		case <-ctx.Done():
			return StateStopped, ctx.Err()
		case sig := <-signals:
			if sig.err != nil {
				return e.stoppedFor(sig.err)
			}
			if !sig.evt.Responsible {
				e.sendComplete()
				return StateStopped, &NotResponsibleError{Partition: e.sess.partition, IndexN: idx}
			}
			e.sess.builtCount++
			e.setState(StateUpdateTrees)
			if e.sess.builtCount >= 2 {
				return StateKeyExchange, nil
			}
		}
	}
}
