// Package room maps session ids to the set of live connections subscribed
// to them and fans processed audio out to every member. Each room is
// drained by a single worker goroutine, so dispatches within one session
// are delivered in submission order while distinct sessions run fully in
// parallel.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxlink/voicechat/internal/observability"
	"github.com/voxlink/voicechat/internal/pipeline"
	"github.com/voxlink/voicechat/internal/protocol"
	"github.com/voxlink/voicechat/internal/session"
)

// ErrSessionNotActive means the targeted session exists but already
// reached a terminal state. Distinct from session.ErrNotFound so clients
// can tell "ended" from "never existed".
var ErrSessionNotActive = errors.New("session not active")

const dispatchQueueSize = 64

// Conn is a weak handle to a member's transport. The broadcaster never
// closes it; a failed Send marks the member dead and it is dropped from
// the room.
type Conn interface {
	ID() string
	Send(v any) error
}

// Unit is one inbound audio chunk. Not persisted; the sequence number is
// informational, ordering is implied by arrival order per session.
type Unit struct {
	SessionID string
	Seq       int
	Payload   []byte
}

type job struct {
	unit      Unit
	submitted time.Time
}

type room struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	members map[string]Conn
	// dead marks a room whose teardown is committed. Set under mu before
	// the room leaves the broadcaster's map, so a joiner holding a stale
	// pointer can tell the room will never deliver again.
	dead bool

	work chan job
}

// Broadcaster owns all rooms. Membership bookkeeping is keyed by
// connection id; a connection belongs to at most one room at a time.
type Broadcaster struct {
	store   session.Store
	adapter pipeline.Transcriber
	metrics *observability.Metrics

	ctx context.Context

	mu     sync.RWMutex
	rooms  map[string]*room
	byConn map[string]string
}

func NewBroadcaster(ctx context.Context, store session.Store, adapter pipeline.Transcriber, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{
		store:   store,
		adapter: adapter,
		metrics: metrics,
		ctx:     ctx,
		rooms:   make(map[string]*room),
		byConn:  make(map[string]string),
	}
}

// Join registers conn under the session's room and notifies all members,
// the new one included. A connection already in another room implicitly
// leaves it first.
func (b *Broadcaster) Join(ctx context.Context, sessionID string, conn Conn) error {
	for {
		s, err := b.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.Status != session.StatusActive {
			return ErrSessionNotActive
		}

		b.mu.Lock()
		prev, hadPrev := b.byConn[conn.ID()]
		if hadPrev && prev == sessionID {
			b.mu.Unlock()
			return nil
		}
		r := b.getOrCreateLocked(sessionID)
		b.byConn[conn.ID()] = sessionID
		b.mu.Unlock()

		if hadPrev {
			b.leaveRoom(ctx, prev, conn.ID(), true)
		}

		r.mu.Lock()
		if r.dead {
			// The room drained and committed teardown between the map
			// lookup and this lock. Undo the byConn claim and revalidate
			// against the store, which teardown is about to close.
			r.mu.Unlock()
			b.mu.Lock()
			if b.byConn[conn.ID()] == sessionID {
				delete(b.byConn, conn.ID())
			}
			b.mu.Unlock()
			continue
		}
		r.members[conn.ID()] = conn
		count := len(r.members)
		deadConns := r.broadcastLocked(protocol.Joined{
			Type:      protocol.TypeJoined,
			SessionID: sessionID,
			Status:    string(session.StatusActive),
			Members:   count,
		})
		r.mu.Unlock()
		b.reapDead(ctx, r, deadConns)

		if err := b.store.Refresh(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Warn().Err(err).Str("module", "room").Str("session_id", sessionID).Msg("refresh on join failed")
		}
		b.metrics.RoomEvents.WithLabelValues("join").Inc()
		log.Info().Str("module", "room").Str("session_id", sessionID).Str("conn", conn.ID()).Int("members", count).Msg("member joined")
		return nil
	}
}

// Leave removes conn from the session's room. Idempotent: a conn that is
// not a member is a no-op. Draining the member set closes the session.
func (b *Broadcaster) Leave(ctx context.Context, sessionID string, conn Conn) error {
	b.leaveRoom(ctx, sessionID, conn.ID(), false)
	return nil
}

// Disconnect handles a dropped connection as an implicit leave of
// whichever room it was in.
func (b *Broadcaster) Disconnect(ctx context.Context, conn Conn) {
	b.mu.RLock()
	sessionID, ok := b.byConn[conn.ID()]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.metrics.RoomEvents.WithLabelValues("disconnect").Inc()
	b.leaveRoom(ctx, sessionID, conn.ID(), false)
}

// Dispatch validates the session, refreshes its TTL and queues the unit
// for the room's worker. The worker transcribes and broadcasts the result
// to every current member, sender included.
func (b *Broadcaster) Dispatch(ctx context.Context, unit Unit) error {
	s, err := b.store.Get(ctx, unit.SessionID)
	if err != nil {
		return err
	}
	if s.Status != session.StatusActive {
		return ErrSessionNotActive
	}
	if err := b.store.Refresh(ctx, unit.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return err
	}

	b.mu.RLock()
	r := b.rooms[unit.SessionID]
	b.mu.RUnlock()
	if r == nil {
		// No members yet; process the unit so the adapter contract holds,
		// with nobody to deliver to.
		b.process(ctx, nil, job{unit: unit, submitted: time.Now()})
		return nil
	}

	select {
	case r.work <- job{unit: unit, submitted: time.Now()}:
		b.metrics.RoomEvents.WithLabelValues("dispatch").Inc()
		return nil
	case <-r.ctx.Done():
		return ErrSessionNotActive
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EvictSession tears down the room for a session that reached a terminal
// state outside the room's own lifecycle (TTL expiry). Members are told
// the terminal status before the room goes away.
func (b *Broadcaster) EvictSession(sessionID string, status session.Status) {
	b.mu.Lock()
	r, ok := b.rooms[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.rooms, sessionID)
	b.mu.Unlock()

	r.mu.Lock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	r.broadcastLocked(protocol.Left{
		Type:      protocol.TypeLeft,
		SessionID: sessionID,
		Status:    string(status),
		Members:   0,
	})
	r.members = make(map[string]Conn)
	r.dead = true
	r.mu.Unlock()

	b.mu.Lock()
	for _, id := range ids {
		if b.byConn[id] == sessionID {
			delete(b.byConn, id)
		}
	}
	b.mu.Unlock()

	r.cancel()
	b.metrics.OpenRooms.Set(float64(b.roomCount()))
	b.metrics.RoomEvents.WithLabelValues("evict").Inc()
	log.Info().Str("module", "room").Str("session_id", sessionID).Str("status", string(status)).Msg("room evicted")
}

// StartReconciler periodically re-reads each open room's session and
// evicts rooms whose session went terminal without the expire hook
// firing. The redis store has no per-key expiry callback, so this sweep
// is what tells members their session timed out.
func (b *Broadcaster) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reconcile(ctx)
			}
		}
	}()
}

func (b *Broadcaster) reconcile(ctx context.Context) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.rooms))
	for id := range b.rooms {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		s, err := b.store.Get(ctx, id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			// Evicted past the grace window; expiry is the only way an
			// open room's record disappears.
			b.EvictSession(id, session.StatusExpired)
		case err != nil:
			log.Warn().Err(err).Str("module", "room").Str("session_id", id).Msg("reconcile lookup failed")
		case s.Terminal():
			b.EvictSession(id, s.Status)
		}
	}
}

// MemberCount reports the current size of a session's room.
func (b *Broadcaster) MemberCount(sessionID string) int {
	b.mu.RLock()
	r := b.rooms[sessionID]
	b.mu.RUnlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// getOrCreateLocked requires b.mu held.
func (b *Broadcaster) getOrCreateLocked(sessionID string) *room {
	if r, ok := b.rooms[sessionID]; ok {
		return r
	}
	ctx, cancel := context.WithCancel(b.ctx)
	r := &room{
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		members:   make(map[string]Conn),
		work:      make(chan job, dispatchQueueSize),
	}
	b.rooms[sessionID] = r
	go b.run(r)
	b.metrics.OpenRooms.Set(float64(len(b.rooms)))
	return r
}

func (b *Broadcaster) run(r *room) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case j := <-r.work:
			b.process(r.ctx, r, j)
		}
	}
}

func (b *Broadcaster) process(ctx context.Context, r *room, j job) {
	res, err := b.adapter.Transcribe(ctx, j.unit.Payload)

	var msg any
	if err != nil {
		b.metrics.AdapterErrors.WithLabelValues("transcribe").Inc()
		log.Warn().Err(err).Str("module", "room").Str("session_id", j.unit.SessionID).Int("seq", j.unit.Seq).Msg("transcription failed")
		var adapterErr *pipeline.AdapterError
		retryable := errors.As(err, &adapterErr) && adapterErr.Retryable
		msg = protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: j.unit.SessionID,
			Code:      "adapter_error",
			Retryable: retryable,
			Detail:    err.Error(),
		}
	} else {
		msg = protocol.Processed{
			Type:       protocol.TypeProcessed,
			SessionID:  j.unit.SessionID,
			Transcript: res.Transcript,
			Confidence: res.Confidence,
			Status:     "processed",
		}
	}

	if r == nil {
		return
	}
	r.mu.Lock()
	dead := r.broadcastLocked(msg)
	r.mu.Unlock()
	b.reapDead(ctx, r, dead)
	b.metrics.ObserveDispatchLatency(time.Since(j.submitted))
}

// broadcastLocked requires r.mu held. Delivery failure to one member never
// aborts delivery to the rest; the dead ids are returned for removal.
func (r *room) broadcastLocked(v any) []string {
	var dead []string
	for id, c := range r.members {
		if err := c.Send(v); err != nil {
			log.Warn().Err(err).Str("module", "room").Str("session_id", r.sessionID).Str("conn", id).Msg("delivery failed, dropping member")
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(r.members, id)
	}
	return dead
}

func (b *Broadcaster) reapDead(ctx context.Context, r *room, dead []string) {
	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, id := range dead {
		if b.byConn[id] == r.sessionID {
			delete(b.byConn, id)
		}
	}
	b.mu.Unlock()
	b.metrics.DroppedMembers.Add(float64(len(dead)))

	r.mu.Lock()
	empty := len(r.members) == 0
	r.mu.Unlock()
	if empty {
		b.teardown(ctx, r)
	}
}

// leaveRoom removes the conn id from the given session's room. When
// implicit is set the conn is switching rooms and byConn already points at
// the new one, so it is left untouched.
func (b *Broadcaster) leaveRoom(ctx context.Context, sessionID, connID string, implicit bool) {
	b.mu.Lock()
	r, ok := b.rooms[sessionID]
	if !implicit && b.byConn[connID] == sessionID {
		delete(b.byConn, connID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	if _, member := r.members[connID]; !member {
		r.mu.Unlock()
		return
	}
	delete(r.members, connID)
	remaining := len(r.members)
	status := session.StatusActive
	if remaining == 0 {
		status = session.StatusClosed
	}
	dead := r.broadcastLocked(protocol.Left{
		Type:      protocol.TypeLeft,
		SessionID: sessionID,
		Status:    string(status),
		Members:   remaining,
	})
	r.mu.Unlock()
	b.reapDead(ctx, r, dead)

	b.metrics.RoomEvents.WithLabelValues("leave").Inc()
	log.Info().Str("module", "room").Str("session_id", sessionID).Str("conn", connID).Int("members", remaining).Msg("member left")

	if remaining == 0 {
		b.teardown(ctx, r)
	}
}

// teardown runs when a member set drains: the room is destroyed and the
// session transitions to closed unless a timeout already ended it. The
// drain is re-verified under the room lock, so a joiner that slipped in
// since the caller observed zero members keeps the room alive.
func (b *Broadcaster) teardown(ctx context.Context, r *room) {
	r.mu.Lock()
	if r.dead || len(r.members) > 0 {
		r.mu.Unlock()
		return
	}
	r.dead = true
	r.mu.Unlock()

	b.mu.Lock()
	if b.rooms[r.sessionID] == r {
		delete(b.rooms, r.sessionID)
	}
	count := len(b.rooms)
	b.mu.Unlock()

	r.cancel()
	b.metrics.OpenRooms.Set(float64(count))

	if err := b.store.Close(ctx, r.sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn().Err(err).Str("module", "room").Str("session_id", r.sessionID).Msg("close on drain failed")
	}
	log.Info().Str("module", "room").Str("session_id", r.sessionID).Msg("room drained, session closed")
}

func (b *Broadcaster) roomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
