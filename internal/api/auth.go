package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ignite/leadflow/internal/config"
)

// Authenticator validates ingest credentials. Two schemes are accepted
// per source: a static API key (X-API-Key, stored as its SHA-256 hex so
// config files never hold the raw key) and an HMAC-SHA-256 signature of
// the raw request body (X-Webhook-Signature, hex).
//
// Precedence when both headers are present: the API key decides alone.
// A wrong key is rejected even if the signature would have verified,
// so a leaked signature can never mask a revoked key.
type Authenticator struct {
	apiKeys     map[string]string
	hmacSecrets map[string]string
}

// NewAuthenticator builds an authenticator from the ingest config.
func NewAuthenticator(cfg config.IngestConfig) *Authenticator {
	return &Authenticator{
		apiKeys:     cfg.APIKeys,
		hmacSecrets: cfg.HMACSecrets,
	}
}

// Authenticate checks the credentials a request presented for the given
// source. body is the raw request body the signature was computed over.
func (a *Authenticator) Authenticate(source, apiKey, signature string, body []byte) bool {
	if apiKey != "" {
		return a.checkAPIKey(source, apiKey)
	}
	if signature != "" {
		return a.checkSignature(source, signature, body)
	}
	return false
}

func (a *Authenticator) checkAPIKey(source, key string) bool {
	want, ok := a.apiKeys[source]
	if !ok {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	got := hex.EncodeToString(sum[:])
	return hmac.Equal([]byte(got), []byte(strings.ToLower(want)))
}

func (a *Authenticator) checkSignature(source, signature string, body []byte) bool {
	secret, ok := a.hmacSecrets[source]
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(want))
}
