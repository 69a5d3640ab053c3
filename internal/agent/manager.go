/*
 * Package agent implements the connection manager: the single thread of
 * control that establishes and repairs the server connection, drives
 * enrollment, drains the outbox to the server and feeds server responses
 * into the inbox. All network I/O and envelope verification happens here;
 * producers and consumers only ever touch the two queues and the identity
 * store's read accessors.
 */
package agent

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvusec/palisade/agent/internal/config"
	"github.com/corvusec/palisade/agent/internal/queue"
	"github.com/corvusec/palisade/agent/internal/wire"
	"github.com/corvusec/palisade/agent/pkg/debug"
)

const (
	// One control POST carries at most this many messages / payload
	// bytes from the outbox.
	maxBatchMessages = 1000
	maxBatchBytes    = 1 << 20

	maxResponseBytes = 8 << 20

	failureBackoffInitial = 1 * time.Second

	// Idle polling starts fast and decays while nothing is flowing.
	pollBaseDelay = 200 * time.Millisecond
	pollGrowth    = 1.05

	serverCertPath = "/server.pem"
	enrollPath     = "/enroll"
	controlQuery   = "?api=1"
)

// errEnrollmentRequired marks a control exchange the server refused
// because it does not (yet) trust this client.
var errEnrollmentRequired = errors.New("agent: server requires enrollment")

// Manager owns the conversation with the control server. Run loops
// until Stop; failures inside the loop never propagate out, they are
// absorbed into state transitions and backoff.
type Manager struct {
	cfg    *config.ClientConfig
	inbox  *queue.Queue
	outbox *queue.Queue

	state atomic.Int32

	// The fields below are touched only by the Run goroutine.
	conn           *connection
	pending        []wire.Message
	idleCount      int
	failureDelay   time.Duration
	lastEnrollment time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a connection manager that drains outbox to the
// server and feeds received messages into inbox.
func NewManager(cfg *config.ClientConfig, inbox, outbox *queue.Queue) *Manager {
	return &Manager{
		cfg:    cfg,
		inbox:  inbox,
		outbox: outbox,
		done:   make(chan struct{}),
	}
}

// State reports the manager's current state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		debug.Info("Connection manager state: %s -> %s", prev, s)
	}
}

// Stop asks Run to return at its next suspension point. Run otherwise
// loops forever; process teardown is the only other way out.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// sleep waits for d or until Stop; it returns false when stopping.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.done:
		return false
	case <-timer.C:
		return true
	}
}

// Run enters the connection manager loop. It does not return until Stop
// is called.
func (m *Manager) Run() {
	debug.Info("Connection manager starting (client id %q)", m.cfg.ClientID())
	defer m.setState(StateDisconnected)

	for {
		if m.stopped() {
			return
		}
		if m.conn == nil {
			if !m.establish() {
				return
			}
		}

		switch err := m.exchange(); {
		case err == nil:
			if !m.sleep(m.pollDelay()) {
				return
			}
		case errors.Is(err, errEnrollmentRequired):
			debug.Info("Server requested enrollment")
			m.setState(StateEnrolling)
			m.maybeEnroll()
			m.teardown()
			m.setState(StateBackingOff)
			if !m.sleep(m.nextFailureDelay()) {
				return
			}
		default:
			debug.Warning("Exchange failed: %v", err)
			m.teardown()
			m.setState(StateBackingOff)
			if !m.sleep(m.nextFailureDelay()) {
				return
			}
		}
	}
}

// establish loops until a connection exists, enrolling first when the
// identity store has no key yet. It returns false only when stopping.
func (m *Manager) establish() bool {
	for {
		if m.stopped() {
			return false
		}
		if m.cfg.Key() == nil {
			m.setState(StateEnrolling)
			m.maybeEnroll()
		}
		m.setState(StateConnecting)

		conn, err := m.tryEstablishConnection()
		if err == nil {
			m.conn = conn
			m.failureDelay = 0
			m.setState(StateConnected)
			return true
		}
		debug.Warning("Connection attempt failed: %v", err)
		m.setState(StateBackingOff)
		if !m.sleep(m.nextFailureDelay()) {
			return false
		}
	}
}

// tryEstablishConnection walks the configured control URLs and proxies
// (direct connection last), fetches and verifies the server certificate
// and runs its serial through the anti-rollback check. A rejected serial
// aborts the whole attempt: it is a security failure, not a reason to try
// the next endpoint.
func (m *Manager) tryEstablishConnection() (*connection, error) {
	key := m.cfg.Key()
	if key == nil {
		return nil, errors.New("no client key")
	}
	caCert := m.cfg.CACert()
	if caCert == nil {
		return nil, errors.New("no CA certificate configured")
	}
	controlURLs := m.cfg.ControlURLs()
	if len(controlURLs) == 0 {
		return nil, errors.New("no control urls configured")
	}
	proxies := append(m.cfg.ProxyURLs(), "")

	lastErr := errors.New("no control url reachable")
	for _, controlURL := range controlURLs {
		base := config.URLDirname(controlURL)
		if base == "" {
			debug.Warning("Skipping malformed control url %q", controlURL)
			continue
		}
		for _, proxy := range proxies {
			client := newHTTPClient(proxy, m.cfg.HTTPTimeout())

			cert, err := fetchServerCert(client, base+serverCertPath)
			if err != nil {
				lastErr = err
				continue
			}
			if err := cert.CheckSignatureFrom(caCert); err != nil {
				lastErr = fmt.Errorf("server certificate not signed by our CA: %w", err)
				continue
			}
			serial := cert.SerialNumber.Int64()
			if !m.cfg.CheckUpdateServerSerial(serial) {
				return nil, fmt.Errorf("server certificate serial %d rejected as rollback", serial)
			}
			pub, ok := cert.PublicKey.(*rsa.PublicKey)
			if !ok {
				lastErr = errors.New("server certificate does not carry an RSA key")
				continue
			}

			debug.Info("Connected to %s (proxy %q, server serial %d)", controlURL, proxy, serial)
			return &connection{
				session:      wire.NewSession(m.cfg.ClientID(), key, pub),
				controlURL:   controlURL,
				proxyURL:     proxy,
				client:       client,
				serverSerial: serial,
			}, nil
		}
	}
	return nil, lastErr
}

// exchange performs one control round-trip: drain a batch from the
// outbox, seal and POST it, then verify, open and enqueue the response.
// A batch is retained across failures and only cleared once the server
// has accepted it, so a message is delivered exactly once and never
// duplicated by retries.
func (m *Manager) exchange() error {
	if len(m.pending) == 0 {
		m.pending = m.outbox.DequeueBatch(maxBatchMessages, maxBatchBytes)
	}

	nonce, err := makeNonce()
	if err != nil {
		return err
	}
	body, err := m.conn.session.Seal(m.pending, nonce)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, m.conn.controlURL+controlQuery, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.conn.client.Do(req)
	if err != nil {
		return fmt.Errorf("control request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotAcceptable {
		return errEnrollmentRequired
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control server returned status %d", resp.StatusCode)
	}

	// The server has accepted the batch; whatever happens to the
	// response, these messages must not be sent again.
	sent := len(m.pending)
	m.pending = nil

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read control response: %w", err)
	}
	messages, got, err := m.conn.session.Open(data)
	if err != nil {
		return err
	}
	if got != nonce {
		return fmt.Errorf("%w: response nonce %d does not echo request nonce %d", wire.ErrEnvelope, got, nonce)
	}

	for _, msg := range messages {
		if err := m.inbox.Enqueue(msg); err != nil {
			return fmt.Errorf("inbox rejected message: %w", err)
		}
	}

	if sent == 0 && len(messages) == 0 {
		m.idleCount++
	} else {
		m.idleCount = 0
	}
	debug.Debug("Exchange complete: sent %d, received %d messages", sent, len(messages))
	return nil
}

// teardown discards the current connection. Pending messages are kept
// for the next successful exchange.
func (m *Manager) teardown() {
	m.conn = nil
}

// nextFailureDelay grows the reconnect backoff: fixed initial delay,
// doubling up to the configured cap. Reset on a successful connection.
func (m *Manager) nextFailureDelay() time.Duration {
	max := m.cfg.FailureBackoffMax()
	if m.failureDelay == 0 {
		m.failureDelay = failureBackoffInitial
	} else {
		m.failureDelay *= 2
	}
	if m.failureDelay > max {
		m.failureDelay = max
	}
	return m.failureDelay
}

// pollDelay is the pause between successful exchanges, growing gently
// with inactivity and capped by the config.
func (m *Manager) pollDelay() time.Duration {
	d := time.Duration(float64(pollBaseDelay) * math.Pow(pollGrowth, float64(m.idleCount)))
	// d overflows to a non-positive value once idleCount is large enough.
	if max := m.cfg.PollMaxDelay(); d <= 0 || d > max {
		d = max
	}
	return d
}
