package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"sendqueue/internal/constants"

	"github.com/sirupsen/logrus"
)

// DialFunc opens a connection to address. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Monitor keeps a Switch in step with a periodic TCP reachability check of
// the backend host. It only dials; it never calls the backend API.
type Monitor struct {
	sw            *Switch
	address       string
	checkInterval time.Duration
	dialTimeout   time.Duration
	dial          DialFunc
	logger        *logrus.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewMonitor(sw *Switch, address string, checkInterval, dialTimeout time.Duration, logger *logrus.Logger) *Monitor {
	if checkInterval <= 0 {
		checkInterval = time.Duration(constants.DefaultConnectivityCheckSec) * time.Second
	}
	if dialTimeout <= 0 {
		dialTimeout = time.Duration(constants.DefaultDialTimeoutMs) * time.Millisecond
	}
	dialer := &net.Dialer{}
	return &Monitor{
		sw:            sw,
		address:       address,
		checkInterval: checkInterval,
		dialTimeout:   dialTimeout,
		dial:          dialer.DialContext,
		logger:        logger,
	}
}

// WithDialer replaces the dial function, mainly for tests.
func (m *Monitor) WithDialer(dial DialFunc) *Monitor {
	m.dial = dial
	return m
}

// Start probes once immediately, then on every tick until ctx ends or Stop
// is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Connectivity monitor is already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.monitorLoop(ctx, stopCh, doneCh)
	m.logger.WithFields(logrus.Fields{
		"address":  m.address,
		"interval": m.checkInterval.String(),
	}).Info("Connectivity monitor started")
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	doneCh := m.doneCh
	m.mu.Unlock()

	<-doneCh
	m.logger.Info("Connectivity monitor stopped")
}

func (m *Monitor) monitorLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.Check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check dials the backend once and updates the switch. It returns the
// observed state.
func (m *Monitor) Check(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	online := true
	conn, err := m.dial(dialCtx, "tcp", m.address)
	if err != nil {
		online = false
		m.logger.WithError(err).WithField("address", m.address).Debug("Backend unreachable")
	} else {
		_ = conn.Close()
	}

	if m.sw.Set(online) {
		m.logger.WithField("online", online).Info("Connectivity changed")
	}
	return online
}
