package connectivity

import (
	"net"
	"time"

	"github.com/chatify/core/internal/bus"
	"go.uber.org/zap"
)

const probeTimeout = 3 * time.Second

// Watcher probes server reachability on an interval and publishes
// net.up/net.down on the bus when it changes. The first probe result is
// always published so the manager starts from an observed state.
type Watcher struct {
	addr     string // host:port of the server to probe
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	done     chan struct{}
}

// NewWatcher creates a network watcher probing addr every interval.
func NewWatcher(addr string, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Watcher {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		addr:     addr,
		interval: interval,
		bus:      b,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins probing in the background.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends probing.
func (w *Watcher) Stop() {
	close(w.done)
}

func (w *Watcher) loop() {
	last := w.probe()
	w.publish(last)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			up := w.probe()
			if up != last {
				last = up
				w.publish(up)
			}
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) probe() bool {
	conn, err := net.DialTimeout("tcp", w.addr, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (w *Watcher) publish(up bool) {
	if up {
		w.bus.Emit(bus.KindNetUp, nil)
		return
	}
	w.logger.Warn("server unreachable", zap.String("addr", w.addr))
	w.bus.Emit(bus.KindNetDown, nil)
}
