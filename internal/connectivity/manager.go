// Package connectivity tracks network reachability and transport session
// state, derives sendability, drives the room-join protocol, and gates
// the outbox processor.
package connectivity

import (
	"sync"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// Processor is the outbox processor surface the manager gates.
type Processor interface {
	Start()
	Stop(resetRetries bool)
}

// Joiner announces room membership over the transport.
type Joiner interface {
	Join(wire.JoinPayload) (*wire.JoinResult, error)
}

// RoomSource provides the ids of the rooms the session belongs to.
type RoomSource interface {
	RoomIDs() []string
}

// ManagerConfig tunes the connectivity manager.
type ManagerConfig struct {
	UserID      int
	SettleDelay time.Duration // pause between a successful join and processor start
}

// Manager owns the isOnline/socketOpen pair, computes sendability, and
// runs the join protocol exactly once per became-sendable transition.
type Manager struct {
	cfg       ManagerConfig
	bus       *bus.Bus
	transport Joiner
	processor Processor
	rooms     RoomSource
	logger    *zap.Logger

	mu          sync.Mutex
	isOnline    bool
	socketOpen  bool
	outboxReady bool
	// transition counters, so restore notices are suppressed for the
	// initial connection and only shown after a prior loss
	wentOfflineTimes int
	socketOpenTimes  int

	join *JoinMachine

	done  chan struct{}
	unsub func()
}

// NewManager creates a connectivity manager. Run must be called to start
// consuming bus events.
func NewManager(cfg ManagerConfig, b *bus.Bus, transport Joiner, processor Processor, rooms RoomSource, logger *zap.Logger) *Manager {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 300 * time.Millisecond
	}
	return &Manager{
		cfg:       cfg,
		bus:       b,
		transport: transport,
		processor: processor,
		rooms:     rooms,
		logger:    logger,
		join:      NewJoinMachine(),
	}
}

// Run subscribes to network and socket lifecycle events and dispatches
// them until Close is called.
func (m *Manager) Run() {
	netCh, unsubNet := m.bus.Subscribe("net.", 16)
	sockCh, unsubSock := m.bus.Subscribe("socket.", 16)
	m.unsub = func() {
		unsubNet()
		unsubSock()
	}
	m.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev := <-netCh:
				m.SetOnline(ev.Kind == bus.KindNetUp)
			case ev := <-sockCh:
				m.SetSocketOpen(ev.Kind == bus.KindSocketOpen)
			case <-m.done:
				return
			}
		}
	}()
}

// Close stops event dispatch.
func (m *Manager) Close() {
	if m.unsub != nil {
		m.unsub()
	}
	if m.done != nil {
		close(m.done)
	}
}

// CanSendNow reports whether outbound transmission is currently possible:
// the host network is reachable and the transport session is open.
func (m *Manager) CanSendNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOnline && m.socketOpen
}

// OutboxReady reports whether the first join attempt has completed
// (successfully or not). User sends are refused until then.
func (m *Manager) OutboxReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outboxReady
}

// JoinState returns the current join protocol state.
func (m *Manager) JoinState() JoinState {
	return m.join.Current()
}

// SetOnline records a host network transition.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.isOnline == online {
		m.mu.Unlock()
		return
	}
	was := m.isOnline && m.socketOpen
	m.isOnline = online
	now := m.isOnline && m.socketOpen
	if !online {
		m.wentOfflineTimes++
	}
	restored := online && m.wentOfflineTimes >= 1
	m.mu.Unlock()

	if !online {
		// stop immediately, without waiting for the socket to close
		m.processor.Stop(false)
		m.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeError,
			Text:     "You're offline. Messages will be sent when back online.",
			Sticky:   true,
		})
	} else if restored {
		m.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeSuccess,
			Text:     "Back online.",
		})
	}

	m.onSendableChange(was, now)
}

// SetSocketOpen records a transport session transition.
func (m *Manager) SetSocketOpen(open bool) {
	m.mu.Lock()
	if m.socketOpen == open {
		m.mu.Unlock()
		return
	}
	was := m.isOnline && m.socketOpen
	m.socketOpen = open
	now := m.isOnline && m.socketOpen
	if open {
		m.socketOpenTimes++
	}
	openTimes := m.socketOpenTimes
	m.mu.Unlock()

	if open && openTimes >= 2 {
		// restored from a disconnection, not the initial connection
		m.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeSuccess,
			Text:     "Connected to server.",
		})
	}
	if !open && openTimes >= 1 {
		m.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeError,
			Text:     "Not connected to server. Messages will be sent when connection's restored.",
			Sticky:   true,
		})
	}

	m.onSendableChange(was, now)
}

func (m *Manager) onSendableChange(was, now bool) {
	switch {
	case was && !now:
		m.processor.Stop(false)
		m.join.Reset()
	case !was && now:
		go m.EnsureJoined()
	}
}

// EnsureJoined runs the join protocol if the session is sendable and not
// already joined: announce room membership, settle, then start the
// processor. Join failures are logged and retried on the next sendable
// transition; they never block local queuing.
func (m *Manager) EnsureJoined() {
	if !m.CanSendNow() {
		return
	}
	roomIDs := m.rooms.RoomIDs()
	if len(roomIDs) == 0 {
		return
	}
	if err := m.join.Transition(Joining); err != nil {
		return // already joining or joined
	}
	defer m.markOutboxReady()

	_, err := m.transport.Join(wire.JoinPayload{RoomIDs: roomIDs, SenderID: m.cfg.UserID})
	if err != nil {
		m.logger.Error("failed to join rooms", zap.Error(err))
		m.join.Reset()
		return
	}
	if err := m.join.Transition(Joined); err != nil {
		// sendability was lost while the join was in flight
		return
	}

	time.Sleep(m.cfg.SettleDelay)
	m.processor.Start()
	m.logger.Info("joined rooms, outbox processing started",
		zap.Strings("room_ids", roomIDs))
}

func (m *Manager) markOutboxReady() {
	m.mu.Lock()
	m.outboxReady = true
	m.mu.Unlock()
}
