package agent

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvusec/palisade/agent/internal/auth"
	"github.com/corvusec/palisade/agent/internal/config"
	"github.com/corvusec/palisade/agent/internal/queue"
	"github.com/corvusec/palisade/agent/internal/wire"
)

// testPKI carries the CA and server identities a control server test
// double presents to the agent.
type testPKI struct {
	caKey  *auth.Key
	caCert *x509.Certificate
	caPEM  string

	serverKey  *auth.Key
	serverCert *x509.Certificate
	serverPEM  string
}

func certToPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func newTestPKI(t *testing.T, serverSerial int64) *testPKI {
	t.Helper()

	caKey, err := auth.Generate()
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Palisade Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caKey.Public(), caKey.Signer())
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	serverKey, err := auth.Generate()
	require.NoError(t, err)
	p := &testPKI{caKey: caKey, caCert: caCert, caPEM: certToPEM(caDER), serverKey: serverKey}
	p.serverCert, p.serverPEM = p.issue(t, "control", serverSerial, serverKey.Public())
	return p
}

// issue signs a certificate for pub with the test CA.
func (p *testPKI) issue(t *testing.T, cn string, serial int64, pub *rsa.PublicKey) (*x509.Certificate, string) {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, p.caCert, pub, p.caKey.Signer())
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, certToPEM(der)
}

// controlServer is an in-process stand-in for the control server: it
// serves the server certificate, handles enrollment and runs sealed
// exchanges against the agent under test.
type controlServer struct {
	t   *testing.T
	pki *testPKI
	srv *httptest.Server

	// pendingOnly makes enrollment answer 202 and never admit the client.
	pendingOnly bool

	mu          sync.Mutex
	enrolled    bool
	clientID    string
	clientPub   *rsa.PublicKey
	enrollCount int
	received    []wire.Message
	outgoing    []wire.Message
	okExchanges int
	rejected    int
}

func newControlServer(t *testing.T, pki *testPKI) *controlServer {
	s := &controlServer{t: t, pki: pki}

	mux := http.NewServeMux()
	mux.HandleFunc("/server.pem", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, pki.serverPEM)
	})
	mux.HandleFunc("/enroll", s.handleEnroll)
	mux.HandleFunc("/control", s.handleControl)

	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *controlServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil {
		http.Error(w, "bad csr", http.StatusBadRequest)
		return
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil || csr.CheckSignature() != nil {
		http.Error(w, "bad csr", http.StatusBadRequest)
		return
	}
	pub, ok := csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		http.Error(w, "not an rsa key", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.enrollCount++
	pending := s.pendingOnly
	if !pending {
		s.enrolled = true
		s.clientID = req.ClientID
		s.clientPub = pub
	}
	s.mu.Unlock()

	if pending {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_, certPEM := s.pki.issue(s.t, req.ClientID, 100, pub)
	json.NewEncoder(w).Encode(EnrollmentResponse{Certificate: certPEM})
}

func (s *controlServer) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	if !s.enrolled {
		s.rejected++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	session := wire.NewSession(s.clientID, s.pki.serverKey, s.clientPub)
	s.mu.Unlock()

	messages, nonce, err := session.Open(body)
	if err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.received = append(s.received, messages...)
	out := s.outgoing
	s.outgoing = nil
	s.okExchanges++
	s.mu.Unlock()

	resp, err := session.Seal(out, nonce)
	if err != nil {
		http.Error(w, "seal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(resp)
}

// adopt marks the client as already enrolled, as if approved in an
// earlier session.
func (s *controlServer) adopt(clientID string, pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolled = true
	s.clientID = clientID
	s.clientPub = pub
}

func (s *controlServer) send(msgs ...wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outgoing = append(s.outgoing, msgs...)
}

func (s *controlServer) enrollments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enrollCount
}

func (s *controlServer) exchanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.okExchanges
}

func (s *controlServer) rejections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *controlServer) deliveries(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.ID == id {
			n++
		}
	}
	return n
}

func (s *controlServer) receivedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// writeTestConfig writes an operator config pointing at the test server
// and returns a loaded identity store.
func writeTestConfig(t *testing.T, serverURL, caPEM string, enrollRetrySecs int) *config.ClientConfig {
	t.Helper()
	content := fmt.Sprintf(`control_urls = ["%s/control"]
enroll_retry_interval_secs = %d
failure_backoff_max_secs = 1
poll_max_delay_secs = 1
http_timeout_secs = 5
ca_cert_pem = '''
%s'''
`, serverURL, enrollRetrySecs, caPEM)

	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := config.NewClientConfig(path)
	require.True(t, cfg.ReadConfig())
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerEnrollsAndExchanges(t *testing.T) {
	pki := newTestPKI(t, 1)
	server := newControlServer(t, pki)
	cfg := writeTestConfig(t, server.srv.URL, pki.caPEM, 1)
	require.Nil(t, cfg.Key(), "the agent starts without an identity")

	inbox := queue.New(100, 1<<20)
	outbox := queue.New(100, 1<<20)

	status := wire.NewMessage("status", []byte("all quiet"))
	require.NoError(t, outbox.Enqueue(status))

	task1 := wire.NewMessage("task", []byte("collect"))
	task2 := wire.NewMessage("task", []byte("report"))
	server.send(task1, task2)

	m := NewManager(cfg, inbox, outbox)
	go m.Run()
	defer m.Stop()

	waitFor(t, 10*time.Second, func() bool { return m.State() == StateConnected },
		"manager never reached the connected state")

	assert.Equal(t, 1, server.enrollments())
	assert.NotEmpty(t, cfg.ClientID())

	// Server messages arrive on the inbox in framing order.
	got1, ok := inbox.Dequeue(5 * time.Second)
	require.True(t, ok)
	got2, ok := inbox.Dequeue(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, task1.ID, got1.ID)
	assert.Equal(t, task2.ID, got2.ID)

	// Let several idle exchanges go by, then check the outbox message was
	// delivered exactly once.
	waitFor(t, 10*time.Second, func() bool { return server.exchanges() >= 3 },
		"expected further polling exchanges")
	assert.Equal(t, 1, server.deliveries(status.ID), "retained batches must not duplicate messages")

	// The server certificate serial was accepted and persisted.
	var wb struct {
		Serial *int64 `toml:"last_server_cert_serial_number"`
	}
	_, err := toml.DecodeFile(cfg.WritebackPath(), &wb)
	require.NoError(t, err)
	require.NotNil(t, wb.Serial)
	assert.Equal(t, int64(1), *wb.Serial)

	m.Stop()
	waitFor(t, 5*time.Second, func() bool { return m.State() == StateDisconnected },
		"manager did not stop")
}

func TestManagerThrottlesEnrollmentWhilePending(t *testing.T) {
	pki := newTestPKI(t, 1)
	server := newControlServer(t, pki)
	server.pendingOnly = true
	cfg := writeTestConfig(t, server.srv.URL, pki.caPEM, 3600)

	inbox := queue.New(100, 1<<20)
	outbox := queue.New(100, 1<<20)

	m := NewManager(cfg, inbox, outbox)
	go m.Run()
	defer m.Stop()

	// The agent generates a key, enrolls once and then keeps getting 406
	// from the control endpoint. The retry interval must prevent an
	// enrollment storm.
	waitFor(t, 10*time.Second, func() bool { return server.rejections() >= 2 },
		"expected repeated control rejections while unapproved")

	assert.Equal(t, 1, server.enrollments(), "pending enrollment must be throttled, not retried per rejection")
	assert.Zero(t, server.receivedCount(), "no message may be accepted before approval")
	assert.NotNil(t, cfg.Key(), "the enrollment key must be generated and kept")
}

func TestManagerRejectsSerialRollback(t *testing.T) {
	pki := newTestPKI(t, 1)
	server := newControlServer(t, pki)
	cfg := writeTestConfig(t, server.srv.URL, pki.caPEM, 1)

	// An identity from an earlier life with a higher serial watermark.
	require.True(t, cfg.ResetKey())
	require.True(t, cfg.CheckUpdateServerSerial(5))
	server.adopt(cfg.ClientID(), cfg.Key().Public())

	inbox := queue.New(100, 1<<20)
	outbox := queue.New(100, 1<<20)

	m := NewManager(cfg, inbox, outbox)
	go m.Run()
	defer m.Stop()

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NotEqual(t, StateConnected, m.State(),
			"a rolled-back server certificate must never yield a connection")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Zero(t, server.exchanges())
	assert.False(t, cfg.CheckUpdateServerSerial(4), "the watermark must survive the rejected attempts")
}

func TestManagerStopsPromptly(t *testing.T) {
	// No server at all: the manager sits in connect/backoff cycles.
	pki := newTestPKI(t, 1)
	cfg := writeTestConfig(t, "http://127.0.0.1:1", pki.caPEM, 1)
	require.True(t, cfg.ResetKey())

	m := NewManager(cfg, queue.New(10, 1<<20), queue.New(10, 1<<20))

	done := make(chan struct{})
	go func() {
		m.Run()
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	m.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, StateDisconnected, m.State())
}

func TestNextFailureDelayDoublesToCap(t *testing.T) {
	pki := newTestPKI(t, 1)
	cfg := writeTestConfig(t, "http://127.0.0.1:1/control", pki.caPEM, 1)

	m := NewManager(cfg, queue.New(10, 1<<20), queue.New(10, 1<<20))

	assert.Equal(t, 1*time.Second, m.nextFailureDelay())
	// failure_backoff_max_secs is 1 in the test config, so doubling is
	// capped immediately.
	assert.Equal(t, 1*time.Second, m.nextFailureDelay())

	// A successful connection resets the progression.
	m.failureDelay = 0
	assert.Equal(t, 1*time.Second, m.nextFailureDelay())
}

func TestPollDelayGrowsWithIdleness(t *testing.T) {
	pki := newTestPKI(t, 1)
	cfg := writeTestConfig(t, "http://127.0.0.1:1/control", pki.caPEM, 1)

	m := NewManager(cfg, queue.New(10, 1<<20), queue.New(10, 1<<20))

	base := m.pollDelay()
	assert.Equal(t, 200*time.Millisecond, base)

	m.idleCount = 10
	grown := m.pollDelay()
	assert.Greater(t, grown, base)

	m.idleCount = 100000
	assert.Equal(t, cfg.PollMaxDelay(), m.pollDelay(), "idle delay must respect the configured cap")
}
