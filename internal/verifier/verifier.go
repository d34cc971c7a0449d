// Package verifier authenticates incoming M2M lease requests against the
// registered-client table in the live config snapshot.
package verifier

import (
	"fmt"
	"time"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/wire"
)

// ErrorKind classifies why a request was rejected.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrUnknownClient
	ErrUnauthorized
	ErrStaleRequest
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnknownClient:
		return "UnknownClient"
	case ErrUnauthorized:
		return "Unauthorized"
	case ErrStaleRequest:
		return "StaleRequest"
	default:
		return "None"
	}
}

// VerifyError reports a rejected M2M request.
type VerifyError struct {
	Kind ErrorKind
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verifier: %s", e.Kind)
}

// SnapshotSource supplies the live config snapshot. *config.Watcher
// satisfies this.
type SnapshotSource interface {
	Current() *config.Snapshot
}

// Verifier checks M2M requests' HMAC signatures against their claimed
// client's shared secret.
type Verifier struct {
	cfg SnapshotSource
}

// New creates a Verifier.
func New(cfg SnapshotSource) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify authenticates a request claiming to be from clientID, carrying the
// wire-format blob in request, evaluated at now. On success it returns the
// verified command.
func (v *Verifier) Verify(clientID string, request []byte, now time.Time) (string, error) {
	client, ok := v.cfg.Current().Cfg.LookupClient(clientID)
	if !ok {
		metrics.VerifierRejections.WithLabelValues(ErrUnknownClient.String()).Inc()
		return "", &VerifyError{Kind: ErrUnknownClient}
	}

	command, err := wire.Verify([]byte(client.SharedSecret), request, now)
	if err != nil {
		kind := ErrUnauthorized
		if wire.Kind(err) == wire.ErrTimestampOutOfWindow {
			kind = ErrStaleRequest
		}
		metrics.VerifierRejections.WithLabelValues(kind.String()).Inc()
		return "", &VerifyError{Kind: kind}
	}
	return command, nil
}
