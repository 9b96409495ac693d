package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
)

// Signer produces MEXC request signatures. Authenticated requests carry the
// parameters plus timestamp and recvWindow, sorted lexicographically, rendered
// as a URL-encoded query string and signed with HMAC-SHA256. Signing the same
// (params, timestamp) twice yields the same digest.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer for the given secret key.
func NewSigner(secretKey string) *Signer {
	return &Signer{secret: []byte(secretKey)}
}

// Canonicalize renders params as a deterministic URL-encoded query string with
// keys in lexicographic order.
func Canonicalize(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	return q.Encode()
}

// Sign augments params with timestamp and recvWindow (ms), canonicalizes and
// returns the query string plus its hex-lowercase HMAC-SHA256 signature.
func (s *Signer) Sign(params map[string]string, timestampMs int64, recvWindowMs int64) (query, signature string) {
	augmented := make(map[string]string, len(params)+2)
	for k, v := range params {
		augmented[k] = v
	}
	augmented["timestamp"] = strconv.FormatInt(timestampMs, 10)
	if recvWindowMs > 0 {
		augmented["recvWindow"] = strconv.FormatInt(recvWindowMs, 10)
	}

	query = Canonicalize(augmented)
	return query, s.SignQuery(query)
}

// SignQuery signs an already-canonical query string.
func (s *Signer) SignQuery(query string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature for query and compares in constant time.
func (s *Signer) Verify(query, signature string) bool {
	expected := s.SignQuery(query)
	return hmac.Equal([]byte(expected), []byte(signature))
}
