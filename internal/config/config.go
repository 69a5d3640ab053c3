/*
 * Package config implements the agent's identity store: the durable
 * client identity (private key, derived client id, anti-rollback server
 * certificate serial) plus the operator-supplied bootstrap settings
 * (control URLs, proxies, timing).
 *
 * The operator config file is TOML and is never mutated by the agent.
 * Mutable identity state is written back to a sibling writeback file as a
 * complete snapshot on every successful mutation, so a crash can never
 * leave memory and disk observably inconsistent.
 */
package config

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/corvusec/palisade/agent/internal/auth"
	"github.com/corvusec/palisade/agent/pkg/debug"
)

const (
	// WritebackSuffix is appended to the config path to name the
	// writeback file.
	WritebackSuffix = ".writeback"

	clientIDPrefix = "P."

	defaultEnrollRetryInterval = 10 * time.Minute
	defaultFailureBackoffMax   = 10 * time.Minute
	defaultPollMaxDelay        = 10 * time.Minute
	defaultHTTPTimeout         = 30 * time.Second
)

// configFile is the TOML shape shared by the operator config and the
// writeback snapshot. Identity fields are optional; a file without a key
// is the normal pre-enrollment state.
type configFile struct {
	ControlURLs []string `toml:"control_urls,omitempty"`
	ProxyURLs   []string `toml:"proxy_urls,omitempty"`
	CACertPEM   string   `toml:"ca_cert_pem,omitempty"`

	ClientPrivateKeyPEM        string `toml:"client_private_key_pem,omitempty"`
	LastServerCertSerialNumber *int64 `toml:"last_server_cert_serial_number,omitempty"`

	EnrollRetryIntervalSecs int `toml:"enroll_retry_interval_secs,omitempty"`
	FailureBackoffMaxSecs   int `toml:"failure_backoff_max_secs,omitempty"`
	PollMaxDelaySecs        int `toml:"poll_max_delay_secs,omitempty"`
	HTTPTimeoutSecs         int `toml:"http_timeout_secs,omitempty"`
	HeartbeatIntervalSecs   int `toml:"heartbeat_interval_secs,omitempty"`
}

// ClientConfig is the process-wide identity store. All methods are safe
// for concurrent use; mutations are serialized by the connection manager
// and readers never observe a partially written state.
type ClientConfig struct {
	configPath    string
	writebackPath string

	mu sync.Mutex

	key       *auth.Key
	clientID  string
	caCert    *x509.Certificate
	caCertPEM string

	hasSerial  bool
	lastSerial int64

	controlURLs []string
	proxyURLs   []string

	enrollRetryInterval time.Duration
	failureBackoffMax   time.Duration
	pollMaxDelay        time.Duration
	httpTimeout         time.Duration
	heartbeatInterval   time.Duration
}

// NewClientConfig creates an identity store backed by the file at path.
// Call ReadConfig before first use.
func NewClientConfig(path string) *ClientConfig {
	return &ClientConfig{
		configPath:    path,
		writebackPath: path + WritebackSuffix,
	}
}

// ReadConfig parses the backing config file and, when present, the
// writeback overlay. It returns false on any read or parse failure and
// leaves the in-memory state untouched. A well-formed file without a
// private key succeeds; that is the expected pre-enrollment state.
func (c *ClientConfig) ReadConfig() bool {
	var parsed configFile
	if _, err := toml.DecodeFile(c.configPath, &parsed); err != nil {
		debug.Error("Failed to read config %s: %v", c.configPath, err)
		return false
	}

	// The writeback snapshot overrides identity fields from the config.
	if _, err := os.Stat(c.writebackPath); err == nil {
		var wb configFile
		if _, err := toml.DecodeFile(c.writebackPath, &wb); err != nil {
			debug.Error("Failed to read writeback %s: %v", c.writebackPath, err)
			return false
		}
		if wb.ClientPrivateKeyPEM != "" {
			parsed.ClientPrivateKeyPEM = wb.ClientPrivateKeyPEM
		}
		if wb.LastServerCertSerialNumber != nil {
			parsed.LastServerCertSerialNumber = wb.LastServerCertSerialNumber
		}
	}

	// Validate everything before committing any state.
	var key *auth.Key
	var clientID string
	if parsed.ClientPrivateKeyPEM != "" {
		k, err := auth.FromPEM(parsed.ClientPrivateKeyPEM)
		if err != nil {
			debug.Error("Config contains an unparseable private key: %v", err)
			return false
		}
		id, err := deriveClientID(k)
		if err != nil {
			debug.Error("Failed to derive client id: %v", err)
			return false
		}
		key, clientID = k, id
	}

	var caCert *x509.Certificate
	if parsed.CACertPEM != "" {
		cert, err := ParseCertificatePEM(parsed.CACertPEM)
		if err != nil {
			debug.Error("Config contains an unparseable CA certificate: %v", err)
			return false
		}
		caCert = cert
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.clientID = clientID
	c.caCert = caCert
	c.caCertPEM = parsed.CACertPEM
	c.controlURLs = parsed.ControlURLs
	c.proxyURLs = parsed.ProxyURLs
	if parsed.LastServerCertSerialNumber != nil {
		c.hasSerial = true
		c.lastSerial = *parsed.LastServerCertSerialNumber
	} else {
		c.hasSerial = false
		c.lastSerial = 0
	}
	c.enrollRetryInterval = secsOrDefault(parsed.EnrollRetryIntervalSecs, defaultEnrollRetryInterval)
	c.failureBackoffMax = secsOrDefault(parsed.FailureBackoffMaxSecs, defaultFailureBackoffMax)
	c.pollMaxDelay = secsOrDefault(parsed.PollMaxDelaySecs, defaultPollMaxDelay)
	c.httpTimeout = secsOrDefault(parsed.HTTPTimeoutSecs, defaultHTTPTimeout)
	c.heartbeatInterval = time.Duration(parsed.HeartbeatIntervalSecs) * time.Second

	debug.Info("Loaded config from %s (client id %q, %d control urls)",
		c.configPath, c.clientID, len(c.controlURLs))
	return true
}

// ClientID returns the identifier derived from the client key, or the
// empty string before a key exists.
func (c *ClientConfig) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Key returns the signing/decryption capability, or nil before
// enrollment.
func (c *ClientConfig) Key() *auth.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// CACert returns the certificate used to authenticate servers, or nil if
// the operator config does not carry one.
func (c *ClientConfig) CACert() *x509.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caCert
}

// ResetKey generates a new private key, recomputes the client id and
// durably persists the new identity before returning. Calling it on an
// enrolled client deliberately discards that identity.
func (c *ClientConfig) ResetKey() bool {
	key, err := auth.Generate()
	if err != nil {
		debug.Error("Key generation failed: %v", err)
		return false
	}
	id, err := deriveClientID(key)
	if err != nil {
		debug.Error("Failed to derive client id: %v", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prevKey, prevID := c.key, c.clientID
	c.key = key
	c.clientID = id
	if !c.writeBackLocked() {
		c.key, c.clientID = prevKey, prevID
		return false
	}
	debug.Info("Generated new client key, client id is now %s", id)
	return true
}

// CheckUpdateServerSerial implements the anti-rollback watermark for the
// server certificate serial. It accepts serial iff no previously accepted
// value exceeds it, persisting on accept. A rejection means the server
// presented an older certificate than one we have already seen.
func (c *ClientConfig) CheckUpdateServerSerial(serial int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasSerial && serial < c.lastSerial {
		debug.Warning("Rejected server certificate serial %d (watermark is %d)", serial, c.lastSerial)
		return false
	}

	prevHas, prevSerial := c.hasSerial, c.lastSerial
	c.hasSerial = true
	c.lastSerial = serial
	if !c.writeBackLocked() {
		c.hasSerial, c.lastSerial = prevHas, prevSerial
		return false
	}
	return true
}

// WritebackPath returns the location of the writeback snapshot.
func (c *ClientConfig) WritebackPath() string {
	return c.writebackPath
}

// ControlURLs returns the operator-configured control server URLs.
func (c *ClientConfig) ControlURLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.controlURLs...)
}

// ProxyURLs returns the operator-configured proxy servers.
func (c *ClientConfig) ProxyURLs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.proxyURLs...)
}

// EnrollRetryInterval is the minimum spacing between enrollment attempts.
func (c *ClientConfig) EnrollRetryInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enrollRetryInterval
}

// FailureBackoffMax caps the reconnect backoff delay.
func (c *ClientConfig) FailureBackoffMax() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failureBackoffMax
}

// PollMaxDelay caps the idle polling delay between exchanges.
func (c *ClientConfig) PollMaxDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pollMaxDelay
}

// HTTPTimeout bounds a single HTTP round-trip.
func (c *ClientConfig) HTTPTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpTimeout
}

// HeartbeatInterval is the built-in heartbeat producer's period; zero
// disables it.
func (c *ClientConfig) HeartbeatInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeatInterval
}

// writeBackLocked serializes the complete mutable identity state to the
// writeback file. Caller holds the lock. The snapshot is written to a
// temp file and renamed into place so readers only ever see a whole
// state.
func (c *ClientConfig) writeBackLocked() bool {
	snapshot := configFile{}
	if c.key != nil {
		snapshot.ClientPrivateKeyPEM = c.key.ToPEM()
	}
	if c.hasSerial {
		serial := c.lastSerial
		snapshot.LastServerCertSerialNumber = &serial
	}

	data, err := toml.Marshal(snapshot)
	if err != nil {
		debug.Error("Failed to encode writeback: %v", err)
		return false
	}

	tempPath := c.writebackPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		debug.Error("Failed to write temp writeback file: %v", err)
		return false
	}
	if err := os.Rename(tempPath, c.writebackPath); err != nil {
		os.Remove(tempPath)
		debug.Error("Failed to rename writeback file: %v", err)
		return false
	}
	return true
}

// ParseCertificatePEM decodes a single PEM-encoded X.509 certificate.
func ParseCertificatePEM(data string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("config: not a PEM-encoded certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// deriveClientID computes the stable identifier for a key: the prefixed
// hex of the leading 8 bytes of the public key fingerprint.
func deriveClientID(key *auth.Key) (string, error) {
	fp, err := key.Fingerprint()
	if err != nil {
		return "", err
	}
	return clientIDPrefix + hex.EncodeToString(fp[:8]), nil
}

func secsOrDefault(secs int, def time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
