// Package wol builds and sends Wake-on-LAN magic packets.
package wol

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/shuthost/coordinator/internal/metrics"
)

// Port is the conventional WOL UDP port.
const Port = 9

const (
	retries    = 3
	retryDelay = 200 * time.Millisecond
)

// MagicPacket builds the 102-byte magic packet for mac: six 0xFF bytes
// followed by sixteen repetitions of the MAC.
func MagicPacket(mac net.HardwareAddr) ([]byte, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("wol: mac must be six octets, got %d", len(mac))
	}
	packet := make([]byte, 0, 102)
	packet = append(packet, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet, nil
}

// Emitter sends magic packets by UDP broadcast, with a direct unicast copy
// to the host's effective address as a fallback on networks that filter
// broadcast.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter creates a WOL emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	return &Emitter{logger: logger}
}

// Send fires the magic packet sequence for mac three times, 200ms apart, to
// both the broadcast address and unicastIP (if non-empty), on port. No reply
// is expected; a send failure is logged and reported but never retried
// beyond the built-in three-shot sequence.
func (e *Emitter) Send(mac net.HardwareAddr, unicastIP string, port int) error {
	packet, err := MagicPacket(mac)
	if err != nil {
		metrics.WOLPacketsSent.WithLabelValues("error").Inc()
		return err
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			time.Sleep(retryDelay)
		}
		if sendErr := e.sendOnce(packet, unicastIP, port); sendErr != nil {
			lastErr = sendErr
			e.logger.Warn("wol send attempt failed", "mac", mac.String(), "attempt", i+1, "error", sendErr)
			continue
		}
	}

	if lastErr != nil {
		metrics.WOLPacketsSent.WithLabelValues("error").Inc()
		return fmt.Errorf("wol: send to %s failed: %w", mac, lastErr)
	}
	metrics.WOLPacketsSent.WithLabelValues("ok").Inc()
	e.logger.Info("wol packet sent", "mac", mac.String())
	return nil
}

func (e *Emitter) sendOnce(packet []byte, unicastIP string, port int) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("opening udp socket: %w", err)
	}
	defer conn.Close()

	if pc, ok := conn.(*net.UDPConn); ok {
		if err := setBroadcast(pc); err != nil {
			e.logger.Warn("failed to set SO_BROADCAST", "error", err)
		}
	}

	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteTo(packet, broadcastAddr); err != nil {
		return fmt.Errorf("broadcast send: %w", err)
	}

	if unicastIP != "" {
		unicastAddr := &net.UDPAddr{IP: net.ParseIP(unicastIP), Port: port}
		if unicastAddr.IP != nil {
			// Best-effort; a failed unicast copy doesn't fail the whole send
			// since the broadcast copy already went out.
			if _, err := conn.WriteTo(packet, unicastAddr); err != nil {
				e.logger.Debug("wol unicast copy failed", "ip", unicastIP, "error", err)
			}
		}
	}

	return nil
}
