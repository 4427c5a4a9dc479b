// Package csrf derives per-session CSRF tokens and guards state-changing
// requests with them.
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// TokenLength is the length of every token handed to clients.
const TokenLength = 32

// NoSession stands in for the session id when a request has none.
const NoSession = "no-session"

// ComputeToken derives the token for a session. It is a pure function of its
// inputs: the same session and secret always give the same token.
func ComputeToken(sessionId string, secret string) string {
	if sessionId == "" {
		sessionId = NoSession
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionId))
	mac.Write([]byte("-csrf"))
	return hex.EncodeToString(mac.Sum(nil))[:TokenLength]
}

// Codec holds the current secret plus any previous secrets still honoured
// during a rotation.
type Codec struct {
	secrets []string
}

func NewCodec(secret string, previous ...string) *Codec {
	secrets := make([]string, 0, len(previous)+1)
	secrets = append(secrets, secret)
	for _, p := range previous {
		if p != "" {
			secrets = append(secrets, p)
		}
	}
	return &Codec{secrets: secrets}
}

// Token returns the token clients should submit for sessionId.
func (c *Codec) Token(sessionId string) string {
	return ComputeToken(sessionId, c.secrets[0])
}

// Verify reports whether submitted matches the token of sessionId under any
// configured secret. Every secret is checked so timing does not reveal which
// one matched.
func (c *Codec) Verify(sessionId string, submitted string) bool {
	if len(submitted) != TokenLength {
		return false
	}
	match := 0
	for _, secret := range c.secrets {
		match |= subtle.ConstantTimeCompare([]byte(ComputeToken(sessionId, secret)), []byte(submitted))
	}
	return match == 1
}
