package wire

import (
	"errors"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("s3cr3t")
	now := time.Unix(1700000000, 0)

	msg := Sign(secret, "status", now)
	cmd, err := Verify(secret, msg, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if cmd != "status" {
		t.Errorf("cmd = %q, want status", cmd)
	}
}

func TestVerifyAcceptsBoundaryTimestamps(t *testing.T) {
	secret := []byte("s3cr3t")
	signedAt := time.Unix(1700000000, 0)

	for _, delta := range []time.Duration{30 * time.Second, -30 * time.Second} {
		now := signedAt.Add(delta)
		msg := Sign(secret, "status", signedAt)
		if _, err := Verify(secret, msg, now); err != nil {
			t.Errorf("delta %v: expected accept, got %v", delta, err)
		}
	}
}

func TestVerifyRejectsOutsideWindow(t *testing.T) {
	secret := []byte("s3cr3t")
	signedAt := time.Unix(1700000000, 0)
	now := signedAt.Add(31 * time.Second)

	msg := Sign(secret, "status", signedAt)
	_, err := Verify(secret, msg, now)
	if !errors.Is(err, ErrTimestampOutOfWindowSentinel) {
		t.Errorf("err = %v, want TimestampOutOfWindow", err)
	}
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	secret := []byte("s3cr3t")
	now := time.Unix(1700000000, 0)

	msg := Sign([]byte("wrong-secret"), "status", now)
	_, err := Verify(secret, msg, now)
	if !errors.Is(err, ErrBadSignatureSentinel) {
		t.Errorf("err = %v, want BadSignature", err)
	}
}

func TestVerifyRejectsMalformedFraming(t *testing.T) {
	secret := []byte("s3cr3t")
	now := time.Unix(1700000000, 0)

	if _, err := Verify(secret, []byte("not-enough-fields"), now); !errors.Is(err, ErrMalformedFramingSentinel) {
		t.Errorf("err = %v, want MalformedFraming", err)
	}
}

func TestVerifyRejectsNonUTF8(t *testing.T) {
	secret := []byte("s3cr3t")
	now := time.Unix(1700000000, 0)

	bad := []byte{0xff, 0xfe, 0xfd}
	if _, err := Verify(secret, bad, now); !errors.Is(err, ErrNonUTF8Sentinel) {
		t.Errorf("err = %v, want NonUtf8", err)
	}
}

func TestVerifyMultiFieldPayload(t *testing.T) {
	secret := []byte("host-secret")
	now := time.Unix(1700000000, 0)

	msg := Sign(secret, "announce|alpha|10.0.0.99|9090", now)
	payload, err := Verify(secret, msg, now)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if payload != "announce|alpha|10.0.0.99|9090" {
		t.Errorf("payload = %q", payload)
	}
}
