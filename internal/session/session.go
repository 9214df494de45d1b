// Package session implements the per-thread execution context an engine
// operation runs under: a stable identity across process restarts (Guid),
// a strictly increasing operation counter (SerialNum), and the pending/retry
// bookkeeping the operation engine's non-terminal statuses feed into.
//
// Serial number generation follows the same atomic-counter discipline the
// corpus's local, non-distributed store uses for its write index.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Phase mirrors the global system-state phase a session has cooperatively
// advanced to; sessions lag the global phase until their next operation or
// explicit Refresh.
type Phase uint32

const (
	PhaseREST Phase = iota
	PhasePrepIndexCheckpoint
	PhaseIndexCheckpoint
	PhasePrepare
	PhaseInProgress
	PhaseWaitPending
	PhaseWaitFlush
	PhasePersistenceCallback
)

func (p Phase) String() string {
	switch p {
	case PhaseREST:
		return "REST"
	case PhasePrepIndexCheckpoint:
		return "PREP_INDEX_CHECKPOINT"
	case PhaseIndexCheckpoint:
		return "INDEX_CHECKPOINT"
	case PhasePrepare:
		return "PREPARE"
	case PhaseInProgress:
		return "IN_PROGRESS"
	case PhaseWaitPending:
		return "WAIT_PENDING"
	case PhaseWaitFlush:
		return "WAIT_FLUSH"
	case PhasePersistenceCallback:
		return "PERSISTENCE_CALLBACK"
	default:
		return "UNKNOWN"
	}
}

// PendingRequest is one outstanding asynchronous I/O, keyed by a monotonic
// request id local to the session that issued it (per spec's design note:
// a global id allocator would just add contention for no benefit).
type PendingRequest struct {
	ID        uint64
	SerialNum uint64
	Key       any
	Op        OpKind
}

// OpKind names which of the four operations a pending request belongs to.
type OpKind uint8

const (
	OpRead OpKind = iota
	OpUpsert
	OpRMW
	OpDelete
)

// CommitPoint is the durable record of how far a session had progressed as
// of a checkpoint: its last serial number, plus any serial numbers that were
// excluded from that checkpoint because RelaxedCPR let their pending I/O
// slip past WAIT_PENDING.
type CommitPoint struct {
	SerialNum        uint64
	ExcludedSerialNums []uint64
}

// Session is the per-thread execution context. All fields besides the
// request-id counters and pending maps are set once at StartSession/
// ContinueSession and read thereafter without synchronization by the
// owning thread; the pending/retry maps are guarded by mu because
// CompletePending can be driven from a different goroutine than the one
// that issued the original operation (the device callback).
type Session struct {
	Guid string

	version atomic.Uint64
	phase   atomic.Uint32

	serialNum   atomic.Uint64
	nextRequest atomic.Uint64

	mu              sync.Mutex
	ioPending       map[uint64]PendingRequest
	retryRequests   []PendingRequest
	prevCtxPending  map[uint64]PendingRequest
}

// New creates a fresh session with a random guid and serial number 0.
func New(version uint64) *Session {
	s := &Session{
		Guid:      uuid.NewString(),
		ioPending: make(map[uint64]PendingRequest),
	}
	s.version.Store(version)
	return s
}

// Resume recreates a session context for an existing guid, seeding its
// serial number from a persisted commit point (ContinueSession).
func Resume(guid string, version uint64, commit CommitPoint) *Session {
	s := &Session{
		Guid:      guid,
		ioPending: make(map[uint64]PendingRequest),
	}
	s.version.Store(version)
	s.serialNum.Store(commit.SerialNum)
	return s
}

func (s *Session) Version() uint64 { return s.version.Load() }
func (s *Session) Phase() Phase    { return Phase(s.phase.Load()) }

func (s *Session) SetVersion(v uint64) { s.version.Store(v) }
func (s *Session) SetPhase(p Phase)    { s.phase.Store(uint32(p)) }

// NextSerialNum increments and returns the session's operation counter.
func (s *Session) NextSerialNum() uint64 { return s.serialNum.Add(1) }

// LastSerialNum returns the most recently issued serial number without
// incrementing it.
func (s *Session) LastSerialNum() uint64 { return s.serialNum.Load() }

// NextRequestID returns a monotonic id unique to this session, used to key
// io_pending_requests.
func (s *Session) NextRequestID() uint64 { return s.nextRequest.Add(1) }

// AddPending records a newly issued asynchronous I/O.
func (s *Session) AddPending(r PendingRequest) {
	s.mu.Lock()
	s.ioPending[r.ID] = r
	s.mu.Unlock()
}

// CompletePendingOne moves a pending request to the retry queue once its
// device I/O has completed. A request started before a CPR version shift
// lives in prevCtxPending rather than ioPending by the time it completes,
// so both are checked — otherwise a request in flight at shift time would
// never clear prevCtxPending and PrevContextDrained would never report
// true, leaving waitPendingDrained spinning forever.
func (s *Session) CompletePendingOne(id uint64) (PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.ioPending[id]; ok {
		delete(s.ioPending, id)
		s.retryRequests = append(s.retryRequests, r)
		return r, true
	}
	if r, ok := s.prevCtxPending[id]; ok {
		delete(s.prevCtxPending, id)
		s.retryRequests = append(s.retryRequests, r)
		return r, true
	}
	return PendingRequest{}, false
}

// DrainRetries removes and returns every request currently queued for retry.
func (s *Session) DrainRetries() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.retryRequests
	s.retryRequests = nil
	return out
}

// PendingCount reports outstanding I/O plus queued retries, across both the
// current and (if a version shift is in flight) the previous version's
// context.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ioPending) + len(s.retryRequests) + len(s.prevCtxPending)
}

// GetPendingRequests enumerates the serial numbers of every outstanding or
// previous-version pending entry.
func (s *Session) GetPendingRequests() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint64, 0, len(s.ioPending)+len(s.prevCtxPending))
	for _, r := range s.ioPending {
		out = append(out, r.SerialNum)
	}
	for _, r := range s.prevCtxPending {
		out = append(out, r.SerialNum)
	}
	return out
}

// BeginVersionShift snapshots the current io_pending set as prev_ctx ahead
// of a CPR version bump, so WAIT_PENDING can tell which requests belong to
// the version being checkpointed.
func (s *Session) BeginVersionShift() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prevCtxPending = s.ioPending
	s.ioPending = make(map[uint64]PendingRequest)
}

// PrevContextDrained reports whether the pre-shift pending set is empty,
// i.e. this session is ready to leave WAIT_PENDING.
func (s *Session) PrevContextDrained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prevCtxPending) == 0
}

// CommitPoint snapshots this session's durable checkpoint state.
func (s *Session) CommitPoint() CommitPoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := CommitPoint{SerialNum: s.serialNum.Load()}
	for _, r := range s.prevCtxPending {
		cp.ExcludedSerialNums = append(cp.ExcludedSerialNums, r.SerialNum)
	}
	return cp
}
