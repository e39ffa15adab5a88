// Package signature implements the webhook payload signing contract.
//
// The signed material is "<unix-seconds>.<raw-body>" keyed with the
// endpoint's secret. The timestamp is part of the signed material and is
// freshly generated per attempt, so retries of an unchanged body still
// produce distinct signatures. Receivers are expected to reject timestamps
// outside a tolerance window to prevent replay.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// HeaderPrefix precedes the hex digest in the signature header.
const HeaderPrefix = "sha256="

var (
	ErrMissing   = errors.New("missing signature or timestamp")
	ErrTimestamp = errors.New("invalid or stale timestamp")
	ErrMismatch  = errors.New("signature mismatch")
)

// Sign computes the lowercase-hex HMAC-SHA256 of the canonical signing
// string for body at the given unix-seconds timestamp.
func Sign(secret []byte, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches Sign(secret, timestamp, body).
// The comparison is constant-time.
func Verify(secret []byte, timestamp int64, body []byte, sig string) bool {
	want := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(sig), []byte(want))
}

// VerifyRequest validates the header values of an incoming webhook request:
// timestamp parses, is within leeway of now, and the signature (with or
// without the "sha256=" prefix) matches. This is the receiver-side half of
// the contract; Mailhook itself uses it in the fake receiver and tests.
func VerifyRequest(secret []byte, tsHeader, sigHeader string, body []byte, leeway time.Duration, now time.Time) error {
	if tsHeader == "" || sigHeader == "" {
		return ErrMissing
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrTimestamp
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return ErrTimestamp
	}
	sig := sigHeader
	if len(sig) > len(HeaderPrefix) && sig[:len(HeaderPrefix)] == HeaderPrefix {
		sig = sig[len(HeaderPrefix):]
	}
	if !Verify(secret, ts, body, sig) {
		return ErrMismatch
	}
	return nil
}
