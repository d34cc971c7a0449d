// Package agentrpc implements the single-shot, HMAC-authenticated TCP
// exchange the coordinator uses to talk to a host's agent.
package agentrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shuthost/coordinator/internal/metrics"
	"github.com/shuthost/coordinator/internal/wire"
)

// Deadline bounds the whole exchange — connect, write, and read together

const Deadline = 2 * time.Second

// maxReplyBytes bounds how much of a reply we'll read before giving up,
// guarding against a misbehaving or malicious agent streaming forever.
const maxReplyBytes = 1024

// ErrorKind classifies why a call failed.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrUnreachable
	ErrAgentRejected
	ErrTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnreachable:
		return "Unreachable"
	case ErrAgentRejected:
		return "AgentRejected"
	case ErrTimeout:
		return "Timeout"
	default:
		return "None"
	}
}

// CallError reports a failed agent RPC with its classification.
type CallError struct {
	Kind  ErrorKind
	Cause error
}

func (e *CallError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agentrpc: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("agentrpc: %s", e.Kind)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Client is the abstraction the Reconciler and Prober call against. Only a
// TCP implementation exists today, but tests substitute an in-memory fake

type Client interface {
	// Call opens a connection to addr:port, sends command signed with
	// secret, and returns the agent's reply line. Not re-entrant per host —
	// callers must serialize calls to the same host themselves.
	Call(ctx context.Context, ip string, port int, secret []byte, command string) (string, error)
}

// TCPClient is the production Client, talking real TCP to real agents.
type TCPClient struct {
	logger *slog.Logger
}

// NewTCPClient creates a TCPClient.
func NewTCPClient(logger *slog.Logger) *TCPClient {
	return &TCPClient{logger: logger}
}

// Call implements Client.
func (c *TCPClient) Call(ctx context.Context, ip string, port int, secret []byte, command string) (string, error) {
	start := time.Now()
	reply, err := c.call(ctx, ip, port, secret, command)
	metrics.AgentRPCDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	metrics.AgentRPCRequests.WithLabelValues(command, result).Inc()
	return reply, err
}

func (c *TCPClient) call(ctx context.Context, ip string, port int, secret []byte, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, Deadline)
	defer cancel()

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", &CallError{Kind: ErrUnreachable, Cause: err}
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	msg := wire.Sign(secret, command, time.Now())
	if _, err := conn.Write(append(msg, '\n')); err != nil {
		if isTimeout(err) {
			return "", &CallError{Kind: ErrTimeout, Cause: err}
		}
		return "", &CallError{Kind: ErrUnreachable, Cause: err}
	}

	reader := bufio.NewReader(io.LimitReader(conn, maxReplyBytes))
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		if isTimeout(err) {
			return "", &CallError{Kind: ErrTimeout, Cause: err}
		}
		return "", &CallError{Kind: ErrUnreachable, Cause: err}
	}
	line = strings.TrimRight(line, "\r\n")

	if !isSuccessReply(command, line) {
		return line, &CallError{Kind: ErrAgentRejected, Cause: errors.New(line)}
	}
	return line, nil
}

// isSuccessReply interprets the agent's reply line.
func isSuccessReply(command, line string) bool {
	switch command {
	case "status":
		return line == "OK: status"
	case "shutdown":
		return line == "OK: shutdown" || strings.HasPrefix(line, "Now executing command:")
	default:
		return strings.HasPrefix(line, "OK:")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func resultLabel(err error) string {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "error"
}
