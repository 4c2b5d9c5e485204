// Package backup manages single-use 2FA recovery codes. Codes are handed to
// the user exactly once in plaintext; only SHA-256 digests are persisted,
// and a consumed entry keeps its digest with a UsedAt stamp so the audit
// trail survives consumption.
package backup

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"
	"time"
)

// Alphabet excludes easily-confused characters (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// DefaultCount is the batch size created at 2FA confirmation.
	DefaultCount = 8
	codeLength   = 8
)

// Entry is a stored backup code: digest plus optional consumption time.
// UsedAt set means the code can never match again.
type Entry struct {
	CodeHash string     `json:"codeHash"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`
}

// Generate produces count fixed-width high-entropy codes. count <= 0 falls
// back to DefaultCount.
func Generate(count int) ([]string, error) {
	if count <= 0 {
		count = DefaultCount
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var b strings.Builder
		b.Grow(codeLength)
		for j := 0; j < codeLength; j++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(Alphabet))))
			if err != nil {
				return nil, err
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

// Hash normalizes (trim, uppercase) before digesting so presentation
// formatting never causes a false negative.
func Hash(code string) string {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// NewEntries hashes a freshly generated batch for storage.
func NewEntries(codes []string) []Entry {
	entries := make([]Entry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, Entry{CodeHash: Hash(code)})
	}
	return entries
}

// Consume scans the unused entries for a constant-time digest match and
// returns the matched index, or -1 when no unused entry matches. The caller
// must set that entry's UsedAt and persist it before treating the code as
// spent.
func Consume(presented string, entries []Entry) int {
	digest := []byte(Hash(presented))
	matched := -1
	for i, entry := range entries {
		if entry.UsedAt != nil {
			continue
		}
		if subtle.ConstantTimeCompare(digest, []byte(entry.CodeHash)) == 1 && matched == -1 {
			matched = i
		}
	}
	return matched
}
