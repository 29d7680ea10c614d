package channels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dayuer/inboxd/internal/broadcast"
	"github.com/dayuer/inboxd/internal/bus"
	"github.com/dayuer/inboxd/internal/errs"
	"github.com/dayuer/inboxd/internal/metrics"
	"github.com/dayuer/inboxd/internal/model"
	"github.com/dayuer/inboxd/internal/presence"
	"github.com/dayuer/inboxd/internal/store"
)

// DefaultPairingTimeout bounds how long a channel waits for its pairing
// payload to be scanned.
const DefaultPairingTimeout = 60 * time.Second

// PairingCache holds the current pairing payload per channel.
type PairingCache interface {
	SetPairing(ctx context.Context, channelID, payload string, ttl time.Duration) error
	Pairing(ctx context.Context, channelID string) (string, bool)
	ClearPairing(ctx context.Context, channelID string)
}

// Publisher fans an event out to connected agents.
type Publisher interface {
	Publish(evt broadcast.Event, aud broadcast.Audience) (delivered, dropped int)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store          store.Store
	Bus            *bus.MessageBus
	Cache          PairingCache
	Hub            Publisher // optional
	Clock          Clock     // default RealClock
	PairingTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// InitSpec describes a channel to connect.
type InitSpec struct {
	ExternalID  string
	Name        string
	Phone       string
	Credentials model.Credentials
}

type live struct {
	sess     Session
	gen      uint64
	watchdog Timer
}

// Manager owns the adapter sessions. At most one session exists per
// channel; status changes for one channel are serialized under that
// channel's lock.
type Manager struct {
	store   store.Store
	bus     *bus.MessageBus
	cache   PairingCache
	hub     Publisher
	clock   Clock
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger

	adapters map[model.Platform]Adapter

	mu       sync.Mutex
	sessions map[string]*live
	locks    map[string]*sync.Mutex

	gen atomic.Uint64
	sf  singleflight.Group
}

// NewManager creates a manager and subscribes it to lifecycle events on the
// bus.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultPairingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		store:    cfg.Store,
		bus:      cfg.Bus,
		cache:    cfg.Cache,
		hub:      cfg.Hub,
		clock:    cfg.Clock,
		timeout:  cfg.PairingTimeout,
		metrics:  cfg.Metrics,
		log:      cfg.Logger.Named("channels"),
		adapters: make(map[model.Platform]Adapter),
		sessions: make(map[string]*live),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, t := range bus.LifecycleEvents {
		m.bus.Subscribe(t, m.handleLifecycle)
	}
	return m
}

// Register sets the adapter for a platform.
func (m *Manager) Register(p model.Platform, a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[p] = a
}

func (m *Manager) adapter(p model.Platform) Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapters[p]
}

// --- operator actions ---

// Init creates or revives the channel keyed on (platform, external id) and
// connects it.
func (m *Manager) Init(ctx context.Context, platform model.Platform, spec InitSpec) (model.Channel, error) {
	if !platform.Valid() {
		return model.Channel{}, errs.Validation("unsupported platform %q", platform)
	}
	if m.adapter(platform) == nil {
		return model.Channel{}, errs.Validation("platform %s is not enabled", platform)
	}

	creds := spec.Credentials
	if platform.UsesPairing() {
		// device credentials only ever come from a completed pairing
		creds = model.Credentials{}
	} else {
		if creds.Meta == nil || creds.Meta.AccessToken == "" {
			return model.Channel{}, errs.Validation("access_token is required for %s", platform)
		}
		if creds.Meta.PageID == "" {
			meta := *creds.Meta
			meta.PageID = spec.ExternalID
			creds.Meta = &meta
		}
	}

	ch, err := m.store.InitChannel(ctx, model.Channel{
		ExternalID:  spec.ExternalID,
		Platform:    platform,
		Name:        spec.Name,
		Phone:       spec.Phone,
		Credentials: creds,
	})
	if err != nil {
		return model.Channel{}, err
	}
	m.metrics.ChannelTransition(string(model.ChannelPending))
	m.log.Info("channel initialised",
		zap.String("channel_id", ch.ID), zap.String("platform", string(platform)), zap.String("external_id", ch.ExternalID))

	return m.Connect(ctx, ch.ID)
}

// Connect opens a session for the channel: resumed sessions go active,
// others start pairing. Concurrent calls for one channel share one attempt.
func (m *Manager) Connect(ctx context.Context, channelID string) (model.Channel, error) {
	v, err, _ := m.sf.Do(channelID, func() (any, error) {
		unlock := m.lockChannel(channelID)
		defer unlock()
		return m.connectLocked(ctx, channelID, false)
	})
	ch, _ := v.(model.Channel)
	return ch, err
}

// Reconnect is the operator action for a disconnected or failed channel.
func (m *Manager) Reconnect(ctx context.Context, channelID string) (model.Channel, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	switch ch.Status {
	case model.ChannelDisconnected, model.ChannelError, model.ChannelPending:
		return m.Connect(ctx, channelID)
	}
	return ch, errs.Conflict("channel %s is %s", channelID, ch.Status)
}

func (m *Manager) connectLocked(ctx context.Context, channelID string, resumeOnly bool) (model.Channel, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	if ch.Status == model.ChannelRemoved {
		return ch, errs.Conflict("channel %s was removed", channelID)
	}
	if m.liveSession(channelID) != nil && ch.Status.Busy() {
		return ch, errs.Conflict("channel %s is already %s", channelID, ch.Status)
	}
	a := m.adapter(ch.Platform)
	if a == nil {
		return ch, errs.Validation("platform %s is not enabled", ch.Platform)
	}

	// a session left over from an earlier connection is never reused
	m.dropSession(ctx, channelID, false)

	gen := m.gen.Add(1)
	// a failed resume leaves the channel disconnected, a failed fresh
	// connect puts it back to pending; neither is retried
	fallback := model.ChannelPending
	if resumeOnly {
		fallback = model.ChannelDisconnected
	}

	sess, err := a.Open(ctx, ch, m.sinkFor(ch, gen))
	if err != nil {
		return m.failConnect(ctx, ch, fallback, err)
	}
	m.putSession(channelID, &live{sess: sess, gen: gen})

	resumed, err := sess.Connect(ctx)
	if err != nil {
		m.dropSession(ctx, channelID, false)
		return m.failConnect(ctx, ch, fallback, err)
	}

	if resumed {
		return m.setStatus(ctx, channelID, model.ChannelActive, "")
	}
	if resumeOnly {
		m.dropSession(ctx, channelID, false)
		return m.setStatus(ctx, channelID, model.ChannelDisconnected, "stored session is no longer valid")
	}

	ch, err = m.setStatus(ctx, channelID, model.ChannelAwaitingPairing, "")
	if err != nil {
		return ch, err
	}
	m.armWatchdog(channelID, gen)
	m.log.Info("awaiting pairing", zap.String("channel_id", channelID))
	return ch, nil
}

func (m *Manager) failConnect(ctx context.Context, ch model.Channel, to model.ChannelStatus, cause error) (model.Channel, error) {
	m.log.Warn("connect failed", zap.String("channel_id", ch.ID), zap.Error(cause))
	if errs.KindOf(cause) == errs.KindValidation {
		return ch, cause
	}
	updated, err := m.setStatus(ctx, ch.ID, to, cause.Error())
	if err == nil {
		ch = updated
	}
	return ch, errs.Upstream(cause, "connect %s channel", ch.Platform)
}

// Remove releases the channel's session, forgets its pairing payload and
// credentials, and marks it removed.
func (m *Manager) Remove(ctx context.Context, channelID string) (model.Channel, error) {
	unlock := m.lockChannel(channelID)
	defer unlock()

	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	if ch.Status == model.ChannelRemoved {
		return ch, nil
	}

	if l := m.takeSession(channelID); l != nil {
		m.stopWatchdog(l)
		if err := l.sess.Release(ctx); err != nil {
			m.log.Warn("release session", zap.String("channel_id", channelID), zap.Error(err))
		}
	} else if !ch.Credentials.Empty() {
		m.releaseStored(ctx, ch)
	}
	m.cache.ClearPairing(ctx, channelID)
	if err := m.store.SetChannelCredentials(ctx, channelID, model.Credentials{}); err != nil {
		return ch, err
	}

	ch, err = m.setStatus(ctx, channelID, model.ChannelRemoved, "removed by operator")
	if err != nil {
		return ch, err
	}
	m.publish(broadcast.TypeSessionDisconnected, broadcast.ChannelPayload{Channel: ch, Reason: ch.StatusReason})
	m.log.Info("channel removed", zap.String("channel_id", channelID))
	return ch, nil
}

// releaseStored opens a throwaway session so the platform side forgets
// credentials that no live session holds.
func (m *Manager) releaseStored(ctx context.Context, ch model.Channel) {
	a := m.adapter(ch.Platform)
	if a == nil {
		return
	}
	sess, err := a.Open(ctx, ch, SinkFunc(func(bus.Event) {}))
	if err != nil {
		m.log.Warn("open session for release", zap.String("channel_id", ch.ID), zap.Error(err))
		return
	}
	if err := sess.Release(ctx); err != nil {
		m.log.Warn("release stored session", zap.String("channel_id", ch.ID), zap.Error(err))
	}
}

// Send delivers content through the channel's live session.
func (m *Manager) Send(ctx context.Context, channelID, contactID string, content model.Content) (string, error) {
	l := m.liveSession(channelID)
	if l == nil {
		return "", errs.Upstream(nil, "channel %s has no live session", channelID)
	}
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if ch.Status != model.ChannelActive {
		return "", errs.Upstream(nil, "channel %s is %s", channelID, ch.Status)
	}

	externalID, err := l.sess.Send(ctx, contactID, content)
	if err != nil {
		if IsTokenExpired(err) {
			// status change goes through the bus so it is ordered with the
			// channel's other lifecycle events
			m.emit(bus.Event{
				Type:       bus.EventSessionError,
				ChannelID:  channelID,
				Platform:   ch.Platform,
				Reason:     "access token expired or revoked",
				Generation: l.gen,
			})
		}
		return "", errs.Upstream(err, "send via %s", ch.Platform)
	}
	return externalID, nil
}

// PairingPayload returns the channel's current pairing payload.
func (m *Manager) PairingPayload(ctx context.Context, channelID string) (string, error) {
	if p, ok := m.cache.Pairing(ctx, channelID); ok {
		return p, nil
	}
	return "", errs.NotFound("pairing payload not available")
}

// Channel returns one channel.
func (m *Manager) Channel(ctx context.Context, channelID string) (model.Channel, error) {
	return m.store.GetChannel(ctx, channelID)
}

// Channels lists channels.
func (m *Manager) Channels(ctx context.Context, f store.ChannelFilter) ([]model.Channel, error) {
	return m.store.ListChannels(ctx, f)
}

// hasSession reports whether the channel holds a live session.
func (m *Manager) hasSession(channelID string) bool {
	return m.liveSession(channelID) != nil
}

// Restore rebuilds sessions after a restart. Active channels with stored
// credentials are resumed; anything interrupted mid-pairing goes back to
// pending. Returns the number of resumed channels.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	chs, err := m.store.ListChannels(ctx, store.ChannelFilter{})
	if err != nil {
		return 0, fmt.Errorf("restore channels: %w", err)
	}

	restored := 0
	for _, ch := range chs {
		switch ch.Status {
		case model.ChannelAwaitingPairing:
			if _, err := m.setStatus(ctx, ch.ID, model.ChannelPending, "pairing interrupted by restart"); err != nil {
				m.log.Warn("restore: set pending", zap.String("channel_id", ch.ID), zap.Error(err))
			}

		case model.ChannelActive:
			if ch.Credentials.Empty() {
				if _, err := m.setStatus(ctx, ch.ID, model.ChannelDisconnected, "no stored credentials"); err != nil {
					m.log.Warn("restore: set disconnected", zap.String("channel_id", ch.ID), zap.Error(err))
				}
				continue
			}
			v, err, _ := m.sf.Do(ch.ID, func() (any, error) {
				unlock := m.lockChannel(ch.ID)
				defer unlock()
				return m.connectLocked(ctx, ch.ID, true)
			})
			if err != nil {
				m.log.Warn("restore failed", zap.String("channel_id", ch.ID), zap.Error(err))
				continue
			}
			if got, _ := v.(model.Channel); got.Status == model.ChannelActive {
				restored++
			}
		}
	}
	m.log.Info("sessions restored", zap.Int("restored", restored), zap.Int("channels", len(chs)))
	return restored, nil
}

// Shutdown closes every session without releasing credentials, so Restore
// can resume them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*live)
	m.mu.Unlock()

	for id, l := range all {
		m.stopWatchdog(l)
		if err := l.sess.Close(ctx); err != nil {
			m.log.Warn("close session", zap.String("channel_id", id), zap.Error(err))
		}
	}
	m.metrics.SetSessions(0)
}

// --- lifecycle ---

func (m *Manager) handleLifecycle(ctx context.Context, evt bus.Event) {
	unlock := m.lockChannel(evt.ChannelID)
	defer unlock()

	log := m.log.With(zap.String("channel_id", evt.ChannelID), zap.String("event", string(evt.Type)))

	l := m.liveSession(evt.ChannelID)
	if evt.Generation != 0 && (l == nil || l.gen != evt.Generation) {
		log.Debug("ignoring event from replaced session")
		return
	}

	ch, err := m.store.GetChannel(ctx, evt.ChannelID)
	if err != nil {
		log.Warn("load channel", zap.Error(err))
		return
	}
	if ch.Status == model.ChannelRemoved {
		return
	}

	switch evt.Type {
	case bus.EventPairingPayload:
		if ch.Status != model.ChannelAwaitingPairing {
			if ch, err = m.setStatus(ctx, ch.ID, model.ChannelAwaitingPairing, ""); err != nil {
				log.Warn("set awaiting_pairing", zap.Error(err))
				return
			}
		}
		if err := m.cache.SetPairing(ctx, ch.ID, evt.Payload, m.timeout); err != nil {
			log.Warn("store pairing payload", zap.Error(err))
		}
		m.publish(broadcast.TypePairingPayload, broadcast.ChannelPayload{Channel: ch, Payload: evt.Payload})

	case bus.EventSessionReady:
		if l != nil {
			m.stopWatchdog(l)
		}
		if evt.Credentials != nil && !evt.Credentials.Empty() {
			if err := m.store.SetChannelCredentials(ctx, ch.ID, *evt.Credentials); err != nil {
				log.Error("persist credentials", zap.Error(err))
			}
		}
		m.cache.ClearPairing(ctx, ch.ID)
		if ch, err = m.setStatus(ctx, ch.ID, model.ChannelActive, ""); err != nil {
			log.Warn("set active", zap.Error(err))
			return
		}
		m.publish(broadcast.TypeSessionReady, broadcast.ChannelPayload{Channel: ch, Phone: evt.Phone})
		log.Info("session ready", zap.String("phone", evt.Phone))

	case bus.EventSessionDisconnected:
		m.dropSession(ctx, ch.ID, true)
		m.cache.ClearPairing(ctx, ch.ID)
		if ch, err = m.setStatus(ctx, ch.ID, model.ChannelDisconnected, evt.Reason); err != nil {
			log.Warn("set disconnected", zap.Error(err))
			return
		}
		m.publish(broadcast.TypeSessionDisconnected, broadcast.ChannelPayload{Channel: ch, Reason: evt.Reason})
		log.Info("session disconnected", zap.String("reason", evt.Reason))

	case bus.EventSessionError:
		m.dropSession(ctx, ch.ID, true)
		m.cache.ClearPairing(ctx, ch.ID)
		if evt.Credentials != nil {
			if err := m.store.SetChannelCredentials(ctx, ch.ID, *evt.Credentials); err != nil {
				log.Warn("reset credentials", zap.Error(err))
			}
		}
		if ch, err = m.setStatus(ctx, ch.ID, model.ChannelError, evt.Reason); err != nil {
			log.Warn("set error", zap.Error(err))
			return
		}
		m.publish(broadcast.TypeSessionError, broadcast.ChannelPayload{Channel: ch, Reason: evt.Reason})
		log.Warn("session error", zap.String("reason", evt.Reason))

	case bus.EventPairingTimeout:
		if ch.Status != model.ChannelAwaitingPairing {
			return
		}
		m.dropSession(ctx, ch.ID, true)
		m.cache.ClearPairing(ctx, ch.ID)
		if ch, err = m.setStatus(ctx, ch.ID, model.ChannelPending, "pairing timed out"); err != nil {
			log.Warn("set pending", zap.Error(err))
			return
		}
		m.publish(broadcast.TypePairingTimeout, broadcast.ChannelPayload{Channel: ch, Reason: ch.StatusReason})
		log.Info("pairing timed out")
	}
}

func (m *Manager) armWatchdog(channelID string, gen uint64) {
	t := m.clock.AfterFunc(m.timeout, func() {
		m.emit(bus.Event{Type: bus.EventPairingTimeout, ChannelID: channelID, Generation: gen})
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if l := m.sessions[channelID]; l != nil && l.gen == gen {
		l.watchdog = t
		return
	}
	t.Stop()
}

func (m *Manager) stopWatchdog(l *live) {
	m.mu.Lock()
	t := l.watchdog
	l.watchdog = nil
	m.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// --- helpers ---

func (m *Manager) setStatus(ctx context.Context, channelID string, status model.ChannelStatus, reason string) (model.Channel, error) {
	ch, err := m.store.GetChannel(ctx, channelID)
	if err != nil {
		return model.Channel{}, err
	}
	if !CanTransition(ch.Status, status) {
		return ch, errs.Conflict("channel %s cannot move from %s to %s", channelID, ch.Status, status)
	}
	ch, err = m.store.SetChannelStatus(ctx, channelID, status, reason)
	if err != nil {
		return ch, err
	}
	m.metrics.ChannelTransition(string(status))
	return ch, nil
}

func (m *Manager) publish(t broadcast.Type, payload broadcast.ChannelPayload) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(broadcast.NewEvent(t, payload), broadcast.Audience(presence.Holders(presence.ActionManageChannels)))
}

func (m *Manager) emit(evt bus.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.clock.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.Publish(ctx, evt); err != nil {
		m.log.Error("event dropped, bus is full",
			zap.String("channel_id", evt.ChannelID), zap.String("event", string(evt.Type)), zap.Error(err))
	}
}

func (m *Manager) sinkFor(ch model.Channel, gen uint64) Sink {
	return SinkFunc(func(evt bus.Event) {
		evt.ChannelID = ch.ID
		evt.Platform = ch.Platform
		evt.Generation = gen
		m.emit(evt)
	})
}

func (m *Manager) lockChannel(channelID string) func() {
	m.mu.Lock()
	l, ok := m.locks[channelID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channelID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) liveSession(channelID string) *live {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[channelID]
}

func (m *Manager) putSession(channelID string, l *live) {
	m.mu.Lock()
	m.sessions[channelID] = l
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)
}

func (m *Manager) takeSession(channelID string) *live {
	m.mu.Lock()
	l := m.sessions[channelID]
	delete(m.sessions, channelID)
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetSessions(n)
	return l
}

// dropSession closes and forgets the channel's session, if any.
func (m *Manager) dropSession(ctx context.Context, channelID string, logErr bool) {
	l := m.takeSession(channelID)
	if l == nil {
		return
	}
	m.stopWatchdog(l)
	if err := l.sess.Close(ctx); err != nil && logErr {
		m.log.Warn("close session", zap.String("channel_id", channelID), zap.Error(err))
	}
}
