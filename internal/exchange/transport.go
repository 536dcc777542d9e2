package exchange

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	cbor "github.com/fxamacker/cbor/v2"

	"github.com/anthanhphan/go-aae-fullsync/pkg/idgen"
	"github.com/anthanhphan/gosdk/logger"
)

// ErrFrameTooLarge guards against a corrupt or hostile length prefix.
var ErrFrameTooLarge = errors.New("exchange: frame exceeds max size")

const maxFrameBytes = 64 << 20

// Socket is the concrete Transport of spec §6: 4-byte big-endian
// length-prefixed framing, a 1-byte header token (the Tag) split off
// the frame body, TCP_NODELAY, keepalive, and single-shot receive
// activation. Exactly one goroutine may call its read methods at a
// time; ownership of that right is what KeyExchange hands between the
// engine and the comparison worker (see handoff.go).
type Socket struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	writeMu sync.Mutex

	// oneShot models Erlang's {active, once}: after each ReadFrame the
	// socket must be explicitly re-armed before the next read may
	// proceed. Since this protocol is strictly single-reader and
	// strictly request/reply, re-arming is implicit at the top of
	// ReadFrame; the flag only documents the intent for a future
	// multiplexed rewrite.
	oneShot bool

	// ids mints the correlation ID stamped on every synchronous
	// request, echoed back by the sink on the matching REPLY. Defaults
	// to a per-socket generator; SetIDGen overrides it with the
	// process-wide one so IDs stay time-ordered across every Engine a
	// coordinator runs, per pkg/idgen.Snowflake's doc comment.
	ids *idgen.Snowflake

	// timeout bounds every RequestReply round-trip, per spec §6
	// Configuration's per-state-transition anti_entropy_timeout. Zero
	// means no deadline.
	timeout time.Duration
}

// Dial opens addr with the framing options spec §4.1 Prepare step 1
// requires: keepalive enabled, no Nagle delay (TCP_NODELAY), and a
// 4-byte length-prefixed frame format with a 1-byte header split.
func Dial(addr string, timeout time.Duration) (*Socket, error) {
	d := &net.Dialer{
		Timeout: timeout,
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			if err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
			}); err != nil {
				return err
			}
			return ctrlErr
		},
	}

	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("exchange: dial %s: %w", addr, err)
	}
	return newSocket(conn), nil
}

// WrapConn adapts an already-accepted net.Conn (the sink side) into a
// Socket with the same framing options.
func WrapConn(conn net.Conn) *Socket {
	return newSocket(conn)
}

func newSocket(conn net.Conn) *Socket {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(30 * time.Second)
	}
	defaultIDs, _ := idgen.New(0, nil) // nodeID 0 always validates; err is always nil here.
	return &Socket{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 32<<10),
		w:       bufio.NewWriterSize(conn, 32<<10),
		oneShot: true,
		ids:     defaultIDs,
	}
}

// SetIDGen overrides the socket's correlation-ID generator, used by
// Engine to share one Snowflake (optionally Redis-clocked) across
// every socket it dials instead of each Socket minting IDs from its
// own unsynchronized generator.
func (s *Socket) SetIDGen(g *idgen.Snowflake) {
	if g != nil {
		s.ids = g
	}
}

// SetTimeout bounds every subsequent RequestReply round-trip by d. A
// connected-but-silent remote (accepts INIT, then never answers
// LOCK_TREE) fails RequestReply with ErrTimeout once d elapses instead
// of blocking forever. Zero or negative disables the deadline.
func (s *Socket) SetTimeout(d time.Duration) {
	s.timeout = d
}

// nextCID mints the correlation ID stamped on the next synchronous
// request. Falls back to 0 (no correlation ID, matched unconditionally
// by checkCID) if the generator is unset or returns an error (its clock
// moved backwards).
func (s *Socket) nextCID() int64 {
	if s.ids == nil {
		return 0
	}
	id, err := s.ids.Next()
	if err != nil {
		return 0
	}
	return id
}

// Close releases the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendAsync writes a tag+payload frame and does not wait for a REPLY,
// per spec §4.1's PUT_OBJ/COMPLETE rows.
func (s *Socket) SendAsync(tag Tag, payload []byte) error {
	return s.writeFrame(tag, payload)
}

// RequestReply writes a tag+payload frame and blocks for the matching
// REPLY frame, per spec §4.1 "synchronous sends block until a REPLY
// frame arrives or the transport fails".
func (s *Socket) RequestReply(tag Tag, payload []byte) ([]byte, error) {
	if s.timeout > 0 {
		if err := s.conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.writeFrame(tag, payload); err != nil {
		return nil, wrapTransportErr(err)
	}

	gotTag, body, err := s.ReadFrame()
	if err != nil {
		return nil, wrapTransportErr(err)
	}
	if gotTag != TagReply {
		return nil, fmt.Errorf("%w: expected REPLY, got %s", ErrTransport, gotTag)
	}
	return body, nil
}

// wrapTransportErr distinguishes a deadline expiry (ErrTimeout) from
// every other transport fault (ErrTransport), so the FSM can map a
// silent-but-connected peer to a distinct, diagnosable termination.
func wrapTransportErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// ReadFrame blocks for the next frame and returns its header tag and
// body. Re-arms for the following read on return, matching the
// {active, once} semantics spec §4.1/§6 describe.
func (s *Socket) ReadFrame() (Tag, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("exchange: empty frame")
	}
	if n > maxFrameBytes {
		return 0, nil, ErrFrameTooLarge
	}

	var tagBuf [1]byte
	if _, err := io.ReadFull(s.r, tagBuf[:]); err != nil {
		return 0, nil, err
	}

	body := make([]byte, n-1)
	if len(body) > 0 {
		if _, err := io.ReadFull(s.r, body); err != nil {
			return 0, nil, err
		}
	}
	return Tag(tagBuf[0]), body, nil
}

func (s *Socket) writeFrame(tag Tag, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)+1))

	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte{byte(tag)}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

// requestBucketHashes issues GET_AAE_BUCKET for q and decodes the
// BucketHashesReply, used by the comparison worker once it owns the
// socket.
func (s *Socket) requestBucketHashes(q BucketQuery) ([]string, error) {
	cid := s.nextCID()
	payload, err := cbor.Marshal(BucketQueryPayload{Level: q.Level, Bucket: q.Bucket, Index: q.Index.Index, N: q.Index.N, CID: cid})
	if err != nil {
		return nil, err
	}
	body, err := s.RequestReply(TagGetAAEBucket, payload)
	if err != nil {
		return nil, err
	}
	var reply BucketHashesReply
	if err := cbor.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode bucket reply: %v", ErrTransport, err)
	}
	if !checkCID(cid, reply.CID) {
		logger.Warnw("exchange: GET_AAE_BUCKET reply correlation ID mismatch", "sent", cid, "got", reply.CID)
	}
	return reply.Hashes, nil
}

// requestSegmentKeyHashes issues GET_AAE_SEGMENT for q and decodes the
// SegmentKeyHashesReply.
func (s *Socket) requestSegmentKeyHashes(q SegmentQuery) ([]KeyHashPair, error) {
	cid := s.nextCID()
	payload, err := cbor.Marshal(SegmentQueryPayload{Segment: q.Segment, Index: q.Index.Index, N: q.Index.N, CID: cid})
	if err != nil {
		return nil, err
	}
	body, err := s.RequestReply(TagGetAAESegment, payload)
	if err != nil {
		return nil, err
	}
	var reply SegmentKeyHashesReply
	if err := cbor.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode segment reply: %v", ErrTransport, err)
	}
	if !checkCID(cid, reply.CID) {
		logger.Warnw("exchange: GET_AAE_SEGMENT reply correlation ID mismatch", "sent", cid, "got", reply.CID)
	}

	out := make([]KeyHashPair, len(reply.Keys))
	for i := range reply.Keys {
		out[i] = KeyHashPair{BKey: reply.Keys[i], Hash: reply.Hashes[i]}
	}
	return out, nil
}

// KeyHashPair is the decoded form of one entry in a GET_AAE_SEGMENT reply.
type KeyHashPair struct {
	BKey BKey
	Hash string
}
