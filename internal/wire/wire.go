// Package wire implements the HMAC-authenticated message format shared by
// the coordinator, its agents, and M2M clients.
//
// Message format: ASCII text, three fields separated by "|":
//
//	<timestamp>|<command>|<hmac_hex>
//
// timestamp is a decimal integer, seconds since the Unix epoch, UTC.
// command is an opaque non-empty ASCII token without "|". hmac_hex is the
// lowercase hex encoding of HMAC-SHA256(key=secret, msg="<timestamp>|<command>").
package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Window is the maximum allowed clock skew between signer and verifier,
// closed on both ends.
const Window = 30 * time.Second

// ErrorKind enumerates the ways verification can fail.
type ErrorKind int

const (
	// ErrNone indicates success; never returned as an error.
	ErrNone ErrorKind = iota
	ErrMalformedFraming
	ErrNonUTF8
	ErrTimestampOutOfWindow
	ErrBadSignature
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformedFraming:
		return "MalformedFraming"
	case ErrNonUTF8:
		return "NonUtf8"
	case ErrTimestampOutOfWindow:
		return "TimestampOutOfWindow"
	case ErrBadSignature:
		return "BadSignature"
	default:
		return "None"
	}
}

// VerifyError wraps an ErrorKind so callers can classify failures with
// errors.As while still getting a useful message.
type VerifyError struct {
	Kind ErrorKind
}

func (e *VerifyError) Error() string { return e.Kind.String() }

// Is supports errors.Is(err, ErrBadSignature) style checks against the
// package-level sentinels below.
func (e *VerifyError) Is(target error) bool {
	t, ok := target.(*VerifyError)
	return ok && t.Kind == e.Kind
}

var (
	// Sentinels for errors.Is comparisons.
	ErrMalformedFramingSentinel  = &VerifyError{Kind: ErrMalformedFraming}
	ErrNonUTF8Sentinel           = &VerifyError{Kind: ErrNonUTF8}
	ErrTimestampOutOfWindowSentinel = &VerifyError{Kind: ErrTimestampOutOfWindow}
	ErrBadSignatureSentinel      = &VerifyError{Kind: ErrBadSignature}
)

// Sign produces the wire-format message for command, signed with secret,
// timestamped at now.
func Sign(secret []byte, command string, now time.Time) []byte {
	ts := now.UTC().Unix()
	signed := signedPayload(ts, command)
	sig := computeHMAC(secret, signed)
	return []byte(fmt.Sprintf("%s|%s", signed, hex.EncodeToString(sig)))
}

// Verify parses and authenticates a wire message, returning the command on
// success. now is the verifier's current time; the window is [-30s, +30s]
// around it, closed on both ends.
func Verify(secret []byte, msg []byte, now time.Time) (string, error) {
	if !utf8.Valid(msg) {
		return "", ErrNonUTF8Sentinel
	}

	// A message is at minimum <timestamp>|<command>|<hmac_hex>. Some callers
	// (the C11 announce datagram) sign a multi-field payload joined by "|"
	// in the middle position, so split generously and rejoin everything
	// between the first and last field as the signed command/payload.
	parts := strings.Split(string(msg), "|")
	if len(parts) < 3 {
		return "", ErrMalformedFramingSentinel
	}

	tsStr := parts[0]
	hmacHex := parts[len(parts)-1]
	command := strings.Join(parts[1:len(parts)-1], "|")
	if command == "" {
		return "", ErrMalformedFramingSentinel
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", ErrMalformedFramingSentinel
	}

	expected, err := hex.DecodeString(hmacHex)
	if err != nil {
		return "", ErrMalformedFramingSentinel
	}

	signed := signedPayload(ts, command)
	want := computeHMAC(secret, signed)
	if !hmac.Equal(expected, want) {
		return "", ErrBadSignatureSentinel
	}

	// Signature check happens before the timestamp check so a forged
	// timestamp cannot be used to probe the window independent of the MAC,
	// but a stale, correctly-signed message is still rejected here.
	delta := now.UTC().Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(Window/time.Second) {
		return "", ErrTimestampOutOfWindowSentinel
	}

	return command, nil
}

func signedPayload(ts int64, command string) string {
	return fmt.Sprintf("%d|%s", ts, command)
}

func computeHMAC(secret []byte, payload string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Kind extracts the ErrorKind from an error returned by Verify, or ErrNone
// if err is nil or not a *VerifyError.
func Kind(err error) ErrorKind {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return ErrNone
}
