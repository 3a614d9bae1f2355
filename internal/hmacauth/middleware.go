// Package hmacauth verifies HMAC-SHA256 signed requests.
//
// A signature is hex(HMAC-SHA256(secret, timestamp || body)) where timestamp
// is the decimal unix time sent alongside it.
package hmacauth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "X-Request-Signature"
	DefaultTimestampHeader = "X-Request-Timestamp"
	DefaultMaxBodyBytes    = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrBodyTooLarge     = errors.New("request body too large")
)

// Verifier rejects requests whose signature does not match. An empty Secret
// disables verification.
type Verifier struct {
	Secret          string
	MaxSkew         time.Duration
	Now             func() time.Time
	SignatureHeader string
	TimestampHeader string
	MaxBodyBytes    int64
	// OnReject writes the rejection; defaults to a plain 401.
	OnReject func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Enabled() bool {
	return v != nil && v.Secret != ""
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.verify(r); err != nil {
			if v.OnReject != nil {
				v.OnReject(w, r, err)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Sign returns the signature headers for body at now, for clients and tests.
func Sign(secret string, now time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(now.Unix(), 10)
	return timestamp, computeSignature(secret, timestamp, body)
}

func (v *Verifier) verify(r *http.Request) error {
	if !v.Enabled() {
		return nil
	}

	sig := r.Header.Get(v.signatureHeader())
	if sig == "" {
		return ErrMissingSignature
	}
	tsHeader := r.Header.Get(v.timestampHeader())
	if tsHeader == "" {
		return ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return ErrStaleTimestamp
	}

	bodyBytes, err := v.readBody(r)
	if err != nil {
		return err
	}

	expected := computeSignature(v.Secret, tsHeader, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

func (v *Verifier) signatureHeader() string {
	if v.SignatureHeader != "" {
		return v.SignatureHeader
	}
	return DefaultSignatureHeader
}

func (v *Verifier) timestampHeader() string {
	if v.TimestampHeader != "" {
		return v.TimestampHeader
	}
	return DefaultTimestampHeader
}

func computeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// readBody buffers the body and puts it back for the next handler.
func (v *Verifier) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	limit := v.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
