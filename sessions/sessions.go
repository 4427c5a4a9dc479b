package sessions

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CookieName is the cookie carrying the signed session identifier.
const CookieName = "sessionid"

func newSessionId() SessionId {
	uid := uuid.New()
	return SessionId(uid.String())
}

func signature(sessionId string, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionId))
	return mac.Sum(nil)
}

func signSessionId(sessionId string, secret string) string {
	return fmt.Sprintf("%s.%s", sessionId, base64.URLEncoding.EncodeToString(signature(sessionId, secret)))
}

func newCookie(signedSessionId string, d time.Duration, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    signedSessionId,
		Path:     "/",
		MaxAge:   int(d.Seconds()),
		Expires:  time.Now().Add(d),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// VerifySessionId checks a signed session id against every given secret and
// returns the bare id when one of them produced the signature. The first
// secret is the current one; the rest are accepted while keys rotate.
func VerifySessionId(requestCookieSessionId string, secrets []string) (string, error) {

	requestSessionId, encodedSignature, err := splitSignedSessionId(requestCookieSessionId)
	if err != nil {
		return "", err
	}
	decodedSignature, err := base64.URLEncoding.DecodeString(encodedSignature)
	if err != nil {
		return "", err
	}

	for _, secret := range secrets {
		if hmac.Equal(decodedSignature, signature(requestSessionId, secret)) {
			return requestSessionId, nil
		}
	}

	return "", ErrInvalidSessionSignature
}

func splitSignedSessionId(signedSessionId string) (string, string, error) {
	parts := strings.Split(signedSessionId, ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", ErrSignedSessionIdIncorrectLength
	}
	return parts[0], parts[1], nil
}

// Returns the raw signed cookie value from the request, or "" when absent.
func RequestSessionCookie(r *http.Request) string {
	requestCookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return requestCookie.Value
}
