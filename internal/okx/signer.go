// Package okx speaks the OKX copy-trading public API: request signing,
// server clock alignment, query normalization and response parsing.
package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// OKX authentication headers.
const (
	HeaderAccessKey  = "OK-ACCESS-KEY"
	HeaderSign       = "OK-ACCESS-SIGN"
	HeaderTimestamp  = "OK-ACCESS-TIMESTAMP"
	HeaderPassphrase = "OK-ACCESS-PASSPHRASE"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Credentials are the API key triple issued by OKX.
type Credentials struct {
	AccessKey  string
	SecretKey  string
	Passphrase string
}

// Empty reports whether no key is configured. Public endpoints work unsigned.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == ""
}

// Signer produces OK-ACCESS-* headers. The timestamp is shifted by a fixed
// configured offset plus the offset measured against the server clock.
type Signer struct {
	creds        Credentials
	fixedOffset  time.Duration
	serverOffset atomic.Int64
}

// NewSigner creates a Signer.
func NewSigner(creds Credentials, fixedOffset time.Duration) *Signer {
	return &Signer{creds: creds, fixedOffset: fixedOffset}
}

// Enabled reports whether requests will be signed.
func (s *Signer) Enabled() bool {
	return s != nil && !s.creds.Empty()
}

// SetServerOffset stores server time minus local time.
func (s *Signer) SetServerOffset(d time.Duration) {
	s.serverOffset.Store(int64(d))
}

// Offset is the total shift applied to local time.
func (s *Signer) Offset() time.Duration {
	return s.fixedOffset + time.Duration(s.serverOffset.Load())
}

// Timestamp renders now, shifted by Offset, as ISO-8601 UTC with milliseconds.
func (s *Signer) Timestamp(now time.Time) string {
	return now.Add(s.Offset()).UTC().Format(timestampLayout)
}

// Headers signs one request. requestPath is the escaped path plus "?query"
// when a query is present. The body only takes part for POST, PUT and PATCH.
func (s *Signer) Headers(method, requestPath string, body []byte, now time.Time) http.Header {
	method = strings.ToUpper(method)
	ts := s.Timestamp(now)
	payload := ""
	if mayHaveBody(method) {
		payload = string(body)
	}

	h := http.Header{}
	h.Set(HeaderAccessKey, s.creds.AccessKey)
	h.Set(HeaderSign, Sign(s.creds.SecretKey, ts+method+requestPath+payload))
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderPassphrase, s.creds.Passphrase)
	h.Set("Content-Type", "application/json")
	return h
}

// Sign returns Base64(HMAC-SHA256(secret, prehash)).
func Sign(secret, prehash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// RequestPath joins an escaped path and raw query the way OKX signs them.
func RequestPath(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func mayHaveBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	default:
		return false
	}
}
