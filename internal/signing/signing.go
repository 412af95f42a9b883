// Package signing implements the shared-secret request authentication used
// on every state-changing HTTP call between the orchestrator, the workers,
// and the upstream coordinator.
//
// Each request carries three headers derived from a shared symmetric secret:
//
//	X-Agent-Timestamp: decimal unix seconds
//	X-Agent-Nonce:     16 random bytes, hex-encoded
//	X-Agent-Signature: HMAC_SHA256(secret, timestamp || nonce || method || path || SHA256(body)).hex()
//
// Verification rejects requests outside a small clock-skew window and
// replayed nonces.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/concierge/internal/log"
)

// Header names shared by all components.
const (
	HeaderTimestamp = "X-Agent-Timestamp"
	HeaderNonce     = "X-Agent-Nonce"
	HeaderSignature = "X-Agent-Signature"
)

// DefaultSkew is the maximum accepted clock difference between signer and
// verifier.
const DefaultSkew = 60 * time.Second

// Signer produces the three authentication headers for outbound requests.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer from the shared symmetric secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign adds the authentication headers to req. The body bytes must be the
// exact payload the request will carry (nil for empty bodies).
func (s *Signer) Sign(req *http.Request, body []byte) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonceHex := hex.EncodeToString(nonce)
	sig := compute(s.secret, ts, nonceHex, req.Method, req.URL.Path, body)

	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderNonce, nonceHex)
	req.Header.Set(HeaderSignature, sig)
	return nil
}

// compute derives the hex signature for the given request parts.
func compute(secret []byte, timestamp, nonceHex, method, path string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonceHex))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(hex.EncodeToString(bodyHash[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verifier checks inbound request signatures.
type Verifier struct {
	secret []byte
	skew   time.Duration
	// seen holds nonces for twice the skew window; a replayed nonce inside
	// the window is rejected, and anything older fails the skew check anyway.
	seen *gocache.Cache
}

// NewVerifier creates a Verifier with the default skew window.
func NewVerifier(secret string) *Verifier {
	return NewVerifierWithSkew(secret, DefaultSkew)
}

// NewVerifierWithSkew creates a Verifier with a custom skew window.
func NewVerifierWithSkew(secret string, skew time.Duration) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		skew:   skew,
		seen:   gocache.New(2*skew, skew),
	}
}

// Verify checks the three headers against the request parts. The body must
// already have been read by the caller.
func (v *Verifier) Verify(req *http.Request, body []byte) error {
	ts := req.Header.Get(HeaderTimestamp)
	nonce := req.Header.Get(HeaderNonce)
	sig := req.Header.Get(HeaderSignature)
	if ts == "" || nonce == "" || sig == "" {
		return fmt.Errorf("missing signature headers")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	age := time.Since(time.Unix(unix, 0))
	if age > v.skew || age < -v.skew {
		return fmt.Errorf("timestamp outside skew window")
	}

	if _, replayed := v.seen.Get(nonce); replayed {
		return fmt.Errorf("replayed nonce")
	}

	expected := compute(v.secret, ts, nonce, req.Method, req.URL.Path, body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return fmt.Errorf("signature mismatch")
	}

	v.seen.SetDefault(nonce, struct{}{})
	return nil
}

// maxSignedBody bounds how much request body the middleware will buffer.
const maxSignedBody = 1 << 20

// Middleware wraps an http.Handler with signature verification. The request
// body is buffered and restored for the inner handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r, maxSignedBody)
		if err != nil {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		if err := v.Verify(r, body); err != nil {
			log.Warn(log.CatHTTP, "Rejected unsigned request",
				"method", r.Method, "path", r.URL.Path, "reason", err.Error())
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		r.Body = newReplayReader(body)
		next.ServeHTTP(w, r)
	})
}
