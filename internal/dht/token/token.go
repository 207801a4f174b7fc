// Package token implements the rolling-secret announce_peer write-token
// discipline described in spec.md §3, §4.5.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"
)

// RotateInterval is how often the current secret is rotated; the previous
// secret remains valid for one more interval, giving a token a 10-20
// minute validity window (spec.md §3, invariant 5).
const RotateInterval = 10 * time.Minute

// SecretLength is the size of each rolling secret.
const SecretLength = 20

// Manager holds the current and previous secrets and derives/validates
// tokens from them.
type Manager struct {
	mu       sync.Mutex
	current  [SecretLength]byte
	previous [SecretLength]byte
	issued   time.Time
}

// New returns a Manager with a freshly generated current secret.
func New() *Manager {
	m := &Manager{issued: time.Now()}
	m.newSecret(&m.current)
	m.previous = m.current
	return m
}

func (m *Manager) newSecret(b *[SecretLength]byte) {
	_, _ = rand.Read(b[:])
}

// Token derives the announce-authorisation token for endpoint under the
// current secret.
func (m *Manager) Token(endpoint net.Addr) []byte {
	m.mu.Lock()
	secret := m.current
	m.mu.Unlock()
	return derive(endpoint, secret)
}

// Valid reports whether token is valid for endpoint under either the
// current or previous secret.
func (m *Manager) Valid(endpoint net.Addr, token []byte) bool {
	m.mu.Lock()
	cur, prev := m.current, m.previous
	m.mu.Unlock()
	return hmac.Equal(token, derive(endpoint, cur)) || hmac.Equal(token, derive(endpoint, prev))
}

// RotateIfDue copies current into previous and regenerates current once
// RotateInterval has elapsed since the last rotation.
func (m *Manager) RotateIfDue(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.issued) < RotateInterval {
		return
	}
	m.previous = m.current
	m.newSecret(&m.current)
	m.issued = now
}

func derive(endpoint net.Addr, secret [SecretLength]byte) []byte {
	h := hmac.New(sha1.New, secret[:])
	h.Write([]byte(addrKey(endpoint)))
	sum := h.Sum(nil)
	out := make([]byte, 16)
	hex.Encode(out, sum[:8])
	return out
}

func addrKey(addr net.Addr) string {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return net.JoinHostPort(udp.IP.String(), strconv.Itoa(udp.Port))
	}
	return addr.String()
}
