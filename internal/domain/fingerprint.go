package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// QueryFingerprint identifies a query within its conversational context.
// It is the result cache key.
type QueryFingerprint string

// NormalizeQuery applies NFKC, lowercases and collapses whitespace.
func NormalizeQuery(q string) string {
	q = norm.NFKC.String(q)
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// NewFingerprint hashes the normalized query, the conversation ID and a digest
// of the recent turns. Callers pass only the bounded window of turns that
// should influence the key; any change inside that window changes the result.
func NewFingerprint(query, conversationID string, recent []Turn) QueryFingerprint {
	h := sha256.New()
	h.Write([]byte("fp1\x00"))
	h.Write([]byte(conversationID))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeQuery(query)))
	h.Write([]byte{0})
	h.Write(turnsDigest(recent))
	return QueryFingerprint(hex.EncodeToString(h.Sum(nil)))
}

// turnsDigest chains per-turn hashes so reordering turns changes the digest.
func turnsDigest(turns []Turn) []byte {
	var acc [sha256.Size]byte
	for _, t := range turns {
		h := sha256.New()
		h.Write(acc[:])
		h.Write([]byte(NormalizeQuery(t.Query)))
		h.Write([]byte{0})
		h.Write([]byte(t.Answer))
		copy(acc[:], h.Sum(nil))
	}
	return acc[:]
}
