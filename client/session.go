package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/clock"
	"pkt.systems/editlock/internal/ids"
)

var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("editlock: session closed")
	// ErrNoResource is returned when the session has no resource selected.
	ErrNoResource = errors.New("editlock: session has no resource")
)

// Session tracks the lock state of one editing session. Its fields are a
// cache of the last server answer; nothing is changed optimistically.
//
// Subscribers run synchronously on the goroutine that caused the change and
// must not call back into the session.
type Session struct {
	cli    *Client
	id     string
	clock  clock.Clock
	logger pslog.Base

	mu       sync.Mutex
	resource string
	locked   bool
	hasLock  bool
	owner    *api.Lock
	since    time.Time
	epoch    uint64
	stopBeat chan struct{}
	closed   bool
	subs     map[int]func(Snapshot)
	nextSub  int

	emitMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession returns a session with no resource selected.
func (c *Client) NewSession() *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cli:    c,
		id:     ids.NewSession(),
		clock:  c.clock,
		logger: c.logger,
		since:  c.clock.Now(),
		subs:   make(map[int]func(Snapshot)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Open starts a session on resourceID and checks its current state. The
// session is returned even when the check fails; its state then reads as
// unlocked until the next successful call.
func (c *Client) Open(ctx context.Context, resourceID string) (*Session, error) {
	s := c.NewSession()
	if resourceID == "" {
		return s, nil
	}
	return s, s.SetResource(ctx, resourceID)
}

// ID is the session identifier sent with every lock request.
func (s *Session) ID() string { return s.id }

// Resource returns the selected resource.
func (s *Session) Resource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resource
}

// Locked reports whether anyone holds the lock, as last seen.
func (s *Session) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// LockOwner returns the lock as last returned by the server.
func (s *Session) LockOwner() *api.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// HasLock reports whether this session owns the lock.
func (s *Session) HasLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLock
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked("")
}

// Subscribe registers fn for every state change. The returned func removes
// the subscription.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || fn == nil {
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// SetResource switches the session to resourceID. A lock held on the
// previous resource is released in the background. An empty id deselects.
func (s *Session) SetResource(ctx context.Context, resourceID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if resourceID == s.resource {
		s.mu.Unlock()
		return nil
	}
	prev, held := s.resource, s.hasLock
	s.dropLocked()
	s.resource = resourceID
	s.locked = false
	s.owner = nil
	s.since = s.clock.Now()
	s.mu.Unlock()
	if held {
		s.releaseInBackground(prev)
	}
	if resourceID == "" {
		return nil
	}
	return s.Refresh(ctx)
}

// Refresh re-reads the lock state from the server.
func (s *Session) Refresh(ctx context.Context) error {
	resource, epoch, err := s.current()
	if err != nil {
		return err
	}
	res, err := s.cli.Check(ctx, resource)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		return nil
	}
	reason := ReasonChecked
	if s.hasLock && !s.ownsLocked(res.Lock) {
		s.dropLocked()
		reason = ReasonLost
	}
	s.setHolderLocked(res.Lock)
	s.publishAndUnlock(reason)
	return nil
}

// AcquireLock tries to take the lock for the selected resource. On success
// the heartbeat timer starts; on conflict the response carries the holder.
func (s *Session) AcquireLock(ctx context.Context) (*api.AcquireResponse, error) {
	resource, epoch, err := s.current()
	if err != nil {
		return nil, err
	}
	res, err := s.cli.Acquire(ctx, resource, s.id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		if res.Success {
			s.releaseInBackground(resource)
		}
		return res, nil
	}
	if res.Success {
		s.gainLocked(res.Lock, res.Lease)
		s.publishAndUnlock(ReasonAcquired)
		return res, nil
	}
	s.dropLocked()
	s.setHolderLocked(res.Lock)
	s.publishAndUnlock(ReasonConflict)
	return res, nil
}

// TakeoverLock seizes the lock for the selected resource. A refusal by the
// server's takeover policy is reported in the response, not as an error.
func (s *Session) TakeoverLock(ctx context.Context) (*api.TakeoverResponse, error) {
	resource, epoch, err := s.current()
	if err != nil {
		return nil, err
	}
	res, err := s.cli.Takeover(ctx, resource, s.id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		if res.Success {
			s.releaseInBackground(resource)
		}
		return res, nil
	}
	if res.Success {
		s.gainLocked(res.Lock, res.Lease)
		s.publishAndUnlock(ReasonTakeover)
		return res, nil
	}
	s.dropLocked()
	s.setHolderLocked(res.Lock)
	s.publishAndUnlock(ReasonConflict)
	return res, nil
}

// ReleaseLock releases the lock and clears local ownership whatever the
// server answers.
func (s *Session) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	resource := s.resource
	if resource == "" {
		s.mu.Unlock()
		return ErrNoResource
	}
	held := s.hasLock
	s.dropLocked()
	epoch := s.epoch
	s.mu.Unlock()

	_, err := s.cli.Release(ctx, resource, s.id)

	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		return err
	}
	if held {
		s.setHolderLocked(nil)
	}
	s.publishAndUnlock(ReasonReleased)
	return err
}

// Follow subscribes to the server's event stream for the selected resource
// so the cached state tracks other editors without polling. The stream
// stops when ctx is cancelled, the resource changes or the session closes.
func (s *Session) Follow(ctx context.Context) error {
	resource, _, err := s.current()
	if err != nil {
		return err
	}
	w, err := s.cli.Watch(ctx, resource)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		for {
			select {
			case <-s.ctx.Done():
				return
			case evt, ok := <-w.Events():
				if !ok {
					if err := w.Err(); err != nil {
						s.logger.Debug("client.session.watch_ended", "resource", resource, "error", err)
					}
					return
				}
				if !s.observe(resource, evt) {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the heartbeat timer and, if the lock is held, releases it in
// the background. Close never blocks on the network.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	held, resource := s.hasLock, s.resource
	s.dropLocked()
	s.closed = true
	s.subs = map[int]func(Snapshot){}
	s.mu.Unlock()
	s.cancel()
	if held && resource != "" {
		s.releaseInBackground(resource)
	}
	return nil
}

func (s *Session) current() (string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", 0, ErrSessionClosed
	}
	if s.resource == "" {
		return "", 0, ErrNoResource
	}
	return s.resource, s.epoch, nil
}

func (s *Session) validLocked(resource string, epoch uint64) bool {
	return !s.closed && s.resource == resource && s.epoch == epoch
}

func (s *Session) gainLocked(lock *api.Lock, lease *api.Lease) {
	s.stopHeartbeatLocked()
	s.hasLock = true
	s.epoch++
	s.setHolderLocked(lock)
	stop := make(chan struct{})
	s.stopBeat = stop
	s.wg.Add(1)
	go s.heartbeatLoop(stop, s.resource, s.epoch, s.cli.renewInterval(lease))
}

// ownsLocked reports whether lock was installed by this session.
func (s *Session) ownsLocked(lock *api.Lock) bool {
	return lock != nil && lock.SessionID == s.id
}

func (s *Session) dropLocked() {
	s.stopHeartbeatLocked()
	s.hasLock = false
	s.epoch++
}

func (s *Session) setHolderLocked(lock *api.Lock) {
	s.owner = lock
	s.locked = lock != nil
	if lock != nil {
		s.since = lock.AcquiredAt
	} else {
		s.since = s.clock.Now()
	}
}

func (s *Session) stopHeartbeatLocked() {
	if s.stopBeat != nil {
		close(s.stopBeat)
		s.stopBeat = nil
	}
}

func (s *Session) snapshotLocked(reason string) Snapshot {
	return Snapshot{
		Resource: s.resource,
		Locked:   s.locked,
		HasLock:  s.hasLock,
		Owner:    s.owner,
		Since:    s.since,
		Reason:   reason,
	}
}

// publishAndUnlock releases s.mu after handing the snapshot to subscribers
// in change order.
func (s *Session) publishAndUnlock(reason string) {
	snap := s.snapshotLocked(reason)
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *Session) heartbeatLoop(stop <-chan struct{}, resource string, epoch uint64, interval time.Duration) {
	defer s.wg.Done()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		select {
		case <-stop:
			return
		default:
		}
		if !s.beat(resource, epoch) {
			return
		}
	}
}

func (s *Session) beat(resource string, epoch uint64) bool {
	res, err := s.cli.Heartbeat(s.ctx, resource, s.id)
	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		return false
	}
	if err == nil && res.Success && s.ownsLocked(res.Lock) {
		s.setHolderLocked(res.Lock)
		s.publishAndUnlock(ReasonHeartbeat)
		return true
	}
	switch {
	case err != nil:
		s.logger.Warn("client.session.heartbeat_failed", "resource", resource, "session", s.id, "error", err)
	case res.Success:
		s.logger.Info("client.session.lock_lost", "resource", resource, "session", s.id, "code", "session_superseded")
	default:
		s.logger.Info("client.session.lock_lost", "resource", resource, "session", s.id, "code", res.Error)
	}
	s.dropLocked()
	if res != nil {
		s.setHolderLocked(res.Lock)
	} else {
		s.setHolderLocked(nil)
	}
	epoch = s.epoch
	s.mu.Unlock()

	check, cerr := s.cli.Check(s.ctx, resource)
	s.mu.Lock()
	if !s.validLocked(resource, epoch) {
		s.mu.Unlock()
		return false
	}
	if cerr == nil {
		s.setHolderLocked(check.Lock)
	} else {
		s.logger.Warn("client.session.recheck_failed", "resource", resource, "error", cerr)
	}
	s.publishAndUnlock(ReasonLost)
	return false
}

// observe applies a watch event. It reports false once the stream is no
// longer relevant to the session.
func (s *Session) observe(resource string, evt api.LockEvent) bool {
	s.mu.Lock()
	if s.closed || s.resource != resource {
		s.mu.Unlock()
		return false
	}
	if evt.ResourceID != resource {
		s.mu.Unlock()
		return true
	}
	switch evt.Type {
	case api.EventAcquired, api.EventHeartbeat, api.EventTakeover:
		if s.ownsLocked(evt.Lock) {
			s.mu.Unlock()
			return true
		}
		reason := ReasonWatch
		if s.hasLock {
			s.dropLocked()
			reason = ReasonLost
		}
		s.setHolderLocked(evt.Lock)
		s.publishAndUnlock(reason)
	case api.EventReleased, api.EventExpired:
		if s.hasLock {
			// A re-acquire of our own stale lock also emits expired for the
			// old record; only the lock currently held counts.
			if !s.ownsLocked(evt.Previous) || s.owner == nil || !evt.Previous.AcquiredAt.Equal(s.owner.AcquiredAt) {
				s.mu.Unlock()
				return true
			}
			s.dropLocked()
			s.setHolderLocked(nil)
			s.publishAndUnlock(ReasonLost)
			return true
		}
		s.setHolderLocked(nil)
		s.publishAndUnlock(ReasonWatch)
	default:
		s.mu.Unlock()
	}
	return true
}

func (s *Session) releaseInBackground(resource string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cli.httpTimeout+time.Second)
		defer cancel()
		if _, err := s.cli.Release(ctx, resource, s.id); err != nil {
			s.logger.Warn("client.session.release_failed", "resource", resource, "session", s.id, "error", err)
			return
		}
		s.logger.Debug("client.session.released", "resource", resource, "session", s.id)
	}()
}
