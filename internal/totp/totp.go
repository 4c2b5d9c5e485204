// Package totp implements RFC 6238 time-based one-time passwords for
// authenticator-app enrollment and verification.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	secretBytes = 20
	digits      = 6
	period      = 30
	// skew is the drift tolerance in whole periods on each side of now.
	skew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Engine generates secrets, builds otpauth enrollment URIs, and verifies
// codes. The issuer is fixed at construction (the product name shown in
// authenticator apps).
type Engine struct {
	issuer string
	now    func() time.Time
}

func New(issuer string) *Engine {
	return &Engine{issuer: issuer, now: time.Now}
}

// NewAt is like New but with an injectable clock, for tests.
func NewAt(issuer string, now func() time.Time) *Engine {
	return &Engine{issuer: issuer, now: now}
}

// GenerateSecret returns a fresh base32-encoded 160-bit secret.
func (e *Engine) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return b32.EncodeToString(raw), nil
}

// EnrollmentURI builds the standard otpauth:// URI for QR-code enrollment.
func (e *Engine) EnrollmentURI(secret, account string) string {
	label := url.PathEscape(e.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", e.issuer)
	v.Set("period", strconv.Itoa(period))
	v.Set("digits", strconv.Itoa(digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Verify checks a 6-digit code against the current time window and one
// adjacent window on each side. Any internal failure (malformed secret
// included) yields false; callers cannot distinguish a wrong code from an
// engine error.
func (e *Engine) Verify(code, secret string) bool {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != digits || !isNumeric(trimmed) {
		return false
	}

	key, err := decodeSecret(secret)
	if err != nil || len(key) == 0 {
		return false
	}

	baseCounter := e.now().Unix() / period
	for step := int64(-skew); step <= skew; step++ {
		counter := baseCounter + step
		if counter < 0 {
			continue
		}
		generated := hotpCode(key, counter)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true
		}
	}

	return false
}

// CodeAt derives the code for an arbitrary instant. Exposed for tests and
// for the setup confirmation flow's diagnostics.
func CodeAt(secret string, at time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	return hotpCode(key, at.Unix()/period), nil
}

func decodeSecret(secret string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secret))
	normalized = strings.TrimRight(normalized, "=")
	return b32.DecodeString(normalized)
}

func hotpCode(key []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
