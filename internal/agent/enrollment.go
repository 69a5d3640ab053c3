package agent

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/corvusec/palisade/agent/internal/config"
	"github.com/corvusec/palisade/agent/internal/version"
	"github.com/corvusec/palisade/agent/pkg/debug"
)

// EnrollmentRequest is the distinguished request a client sends to obtain
// server trust for a freshly generated key.
type EnrollmentRequest struct {
	ClientID string `json:"client_id"`
	CSRPEM   string `json:"csr_pem"`
	Version  string `json:"version"`
}

// EnrollmentResponse is the server's acknowledgment: the certificate it
// issued for the client's key.
type EnrollmentResponse struct {
	Certificate string `json:"certificate"`
}

// maybeEnroll attempts enrollment unless an attempt was made within the
// configured retry interval. Throttling prevents enrollment storms
// against a server that is deliberately rejecting us (e.g. pending
// manual approval).
func (m *Manager) maybeEnroll() {
	if !m.lastEnrollment.IsZero() {
		if since := time.Since(m.lastEnrollment); since < m.cfg.EnrollRetryInterval() {
			debug.Debug("Enrollment throttled (last attempt %v ago)", since)
			return
		}
	}
	m.lastEnrollment = time.Now()
	if err := m.enroll(); err != nil {
		debug.Warning("Enrollment attempt failed: %v", err)
	}
}

// enroll generates a key when none exists, then sends a certificate
// signing request to the control servers. A 202 means the server has the
// request but has not approved the client yet; that is a normal state,
// not a failure.
func (m *Manager) enroll() error {
	if m.cfg.Key() == nil {
		debug.Info("No client key present, generating one for enrollment")
		if !m.cfg.ResetKey() {
			return errors.New("key generation failed")
		}
	}
	key := m.cfg.Key()

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: m.cfg.ClientID()},
	}, key.Signer())
	if err != nil {
		return fmt.Errorf("failed to create CSR: %w", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	body, err := json.Marshal(EnrollmentRequest{
		ClientID: m.cfg.ClientID(),
		CSRPEM:   string(csrPEM),
		Version:  version.GetVersion(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode enrollment request: %w", err)
	}

	proxies := append(m.cfg.ProxyURLs(), "")
	lastErr := errors.New("no enrollment endpoint reachable")
	for _, controlURL := range m.cfg.ControlURLs() {
		base := config.URLDirname(controlURL)
		if base == "" {
			continue
		}
		for _, proxy := range proxies {
			client := newHTTPClient(proxy, m.cfg.HTTPTimeout())
			done, err := m.postEnrollment(client, base+enrollPath, body)
			if done {
				return err
			}
			lastErr = err
		}
	}
	return lastErr
}

// postEnrollment sends one enrollment request. done is true when the
// server gave a definitive answer (acknowledged or pending) and no
// further endpoints should be tried.
func (m *Manager) postEnrollment(client *http.Client, enrollURL string, body []byte) (done bool, err error) {
	debug.Info("Sending enrollment request to %s", enrollURL)
	resp, err := client.Post(enrollURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("enrollment request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ack EnrollmentResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxCertBytes)).Decode(&ack); err != nil {
			return false, fmt.Errorf("failed to decode enrollment acknowledgment: %w", err)
		}
		cert, err := config.ParseCertificatePEM(ack.Certificate)
		if err != nil {
			return false, fmt.Errorf("enrollment acknowledgment carries a bad certificate: %w", err)
		}
		if ca := m.cfg.CACert(); ca != nil {
			if err := cert.CheckSignatureFrom(ca); err != nil {
				return false, fmt.Errorf("enrollment certificate not signed by our CA: %w", err)
			}
		}
		debug.Info("Enrollment acknowledged, issued certificate serial %d", cert.SerialNumber.Int64())
		return true, nil
	case http.StatusAccepted:
		debug.Info("Enrollment pending server approval")
		return true, nil
	default:
		return false, fmt.Errorf("enrollment returned status %d", resp.StatusCode)
	}
}
