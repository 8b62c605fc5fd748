// Package session owns the per-call state machine shared by the bridge
// core and its collaborators: call status, media format, and the
// single-active-response invariant that the rest of the bridge depends on.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a position in the call lifecycle. Transitions are monotonic:
// Initializing -> Active -> Closing -> Closed, no back-transitions.
type Status int

const (
	Initializing Status = iota
	Active
	Closing
	Closed
)

func (s Status) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrIllegalTransition is returned when Transition is asked to move to a
// status that doesn't follow the current one.
var ErrIllegalTransition = errors.New("session: illegal status transition")

// MediaFormat is the audio format negotiated for a call; invariant once
// set at negotiation time.
type MediaFormat struct {
	Encoding string // "pcm16" or "mulaw"
	Rate     int
	Channels int
}

// Call is the per-bridge record of lifecycle, negotiated format, and the
// response-generation guard. All mutation goes through its methods, which
// serialize access behind a mutex; Snapshot returns a consistent copy for
// callers that only need to read.
type Call struct {
	mu sync.RWMutex

	id                   uuid.UUID
	peerSessionID        string
	status               Status
	mediaFormat          MediaFormat
	telephonyStreamID    string
	telephonyMediaStream string
	responseActive       bool
	activeOutputStreamID string
	createdAt            time.Time
	lastActivityAt       time.Time

	onStatusChange []func(Status)
}

// New creates a Call in Initializing status with a freshly generated ID.
func New() *Call {
	now := time.Now()
	return &Call{
		id:             uuid.New(),
		status:         Initializing,
		createdAt:      now,
		lastActivityAt: now,
	}
}

// ID returns the call's immutable identifier.
func (c *Call) ID() uuid.UUID {
	return c.id
}

// Status returns the current lifecycle status.
func (c *Call) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// OnStatusChange registers a callback fired (on its own goroutine, so it
// never blocks the caller) whenever Transition succeeds.
func (c *Call) OnStatusChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatusChange = append(c.onStatusChange, fn)
}

var legalTransitions = map[Status]Status{
	Initializing: Active,
	Active:       Closing,
	Closing:      Closed,
}

// Transition advances the call to to, enforcing the monotonic lifecycle.
func (c *Call) Transition(to Status) error {
	c.mu.Lock()
	from := c.status
	// Closing is reachable from Active or, for a negotiation failure,
	// directly from Initializing.
	ok := legalTransitions[from] == to || (from == Initializing && to == Closing)
	if !ok {
		c.mu.Unlock()
		return ErrIllegalTransition
	}
	c.status = to
	c.lastActivityAt = time.Now()
	callbacks := append([]func(Status){}, c.onStatusChange...)
	c.mu.Unlock()

	for _, cb := range callbacks {
		go cb(to)
	}
	return nil
}

// SetPeerSessionID records the session id assigned by the model peer.
func (c *Call) SetPeerSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peerSessionID = id
}

// PeerSessionID returns the model peer's session id, if negotiated.
func (c *Call) PeerSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerSessionID
}

// SetMediaFormat records the negotiated audio format.
func (c *Call) SetMediaFormat(f MediaFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mediaFormat = f
}

// MediaFormat returns the negotiated audio format.
func (c *Call) MediaFormat() MediaFormat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mediaFormat
}

// SetTelephonyStreamIDs records the opaque ids assigned by the telephony
// peer for this call's signaling and media streams.
func (c *Call) SetTelephonyStreamIDs(streamID, mediaStreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.telephonyStreamID = streamID
	c.telephonyMediaStream = mediaStreamID
}

// TryStartResponse sets responseActive if no response is already in
// flight. It returns false (and makes no change) if one already is - the
// core uses this to enforce "at most one active response" without a
// separate check-then-act race.
func (c *Call) TryStartResponse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responseActive {
		return false
	}
	c.responseActive = true
	return true
}

// EndResponse clears the in-flight response flag and any open output
// stream id. Idempotent.
func (c *Call) EndResponse() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseActive = false
	c.activeOutputStreamID = ""
}

// ResponseActive reports whether a model response is currently in flight.
func (c *Call) ResponseActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.responseActive
}

// OpenOutputStream records streamID as the in-flight playback stream
// toward telephony.
func (c *Call) OpenOutputStream(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOutputStreamID = streamID
}

// ActiveOutputStreamID returns the open playback stream id, or "" if none.
func (c *Call) ActiveOutputStreamID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeOutputStreamID
}

// Touch updates the last-activity timestamp. The ingress inactivity
// timeout in streamhandler keeps its own timer and does not read it.
func (c *Call) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivityAt = time.Now()
}

// Snapshot is a consistent, mutex-free copy of a Call's fields for
// read-only consumers (status endpoints, recording metadata).
type Snapshot struct {
	ID                   uuid.UUID
	PeerSessionID        string
	Status               Status
	MediaFormat          MediaFormat
	ResponseActive       bool
	ActiveOutputStreamID string
	CreatedAt            time.Time
	LastActivityAt       time.Time
}

// Snapshot returns a consistent point-in-time copy of the call's state.
func (c *Call) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		ID:                   c.id,
		PeerSessionID:        c.peerSessionID,
		Status:               c.status,
		MediaFormat:          c.mediaFormat,
		ResponseActive:       c.responseActive,
		ActiveOutputStreamID: c.activeOutputStreamID,
		CreatedAt:            c.createdAt,
		LastActivityAt:       c.lastActivityAt,
	}
}
