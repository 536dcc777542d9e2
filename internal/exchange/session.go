package exchange

// State names the Exchange Engine's finite-state-machine position,
// per spec §4.1.
type State int

const (
	StatePrepare State = iota
	StateUpdateTrees
	StateKeyExchange
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePrepare:
		return "prepare"
	case StateUpdateTrees:
		return "update_trees"
	case StateKeyExchange:
		return "key_exchange"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CompletionFunc is the owner's fullsync-complete callback, invoked
// exactly once when the engine reaches StateStopped, carrying the
// terminal error (nil on a clean finish).
type CompletionFunc func(partition uint64, err error)

// session is the mutable state described in spec §3 "Session state":
// partition, remaining IndexN queue, tree handle, transport+socket,
// remote cluster name, wire version, built-acknowledgement counter,
// and the owner's completion callback.
type session struct {
	partition   uint64
	remoteName  string
	wireVersion string

	queue []IndexN
	head  IndexN

	handle TreeHandle
	sock   *Socket

	builtCount int // in {0,1,2}; resets to 0 once it reaches 2

	onComplete CompletionFunc
}

func newSession(partition uint64, remoteName, wireVersion string, queue []IndexN, onComplete CompletionFunc) *session {
	return &session{
		partition:   partition,
		remoteName:  remoteName,
		wireVersion: wireVersion,
		queue:       queue,
		onComplete:  onComplete,
	}
}

// peekHead returns the queue's head IndexN without removing it. Per
// spec §4.1 KeyExchange, the head is only popped once its segment
// comparison has fully completed.
func (s *session) peekHead() (IndexN, bool) {
	if len(s.queue) == 0 {
		return IndexN{}, false
	}
	return s.queue[0], true
}

// advance removes the head of the IndexN queue. The queue strictly
// shrinks per spec §3's invariant.
func (s *session) advance() {
	if len(s.queue) > 0 {
		s.head = s.queue[0]
		s.queue = s.queue[1:]
	}
}

// Status is the synchronous, non-mutating query exposed by spec
// §4.1 "Status query".
type Status struct {
	State       State
	Partition   uint64
	WireVersion string
	BuiltCount  int
}

func (s *session) snapshot(state State) Status {
	return Status{
		State:       state,
		Partition:   s.partition,
		WireVersion: s.wireVersion,
		BuiltCount:  s.builtCount,
	}
}
