package announce

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/shuthost/coordinator/internal/config"
	"github.com/shuthost/coordinator/internal/store"
)

type fixedSnapshot struct{ snap *config.Snapshot }

func (f fixedSnapshot) Current() *config.Snapshot { return f.snap }

type countingRefresher struct{ n int }

func (r *countingRefresher) Refresh() { r.n++ }

func testSetup(t *testing.T) (*Listener, *store.Store, *countingRefresher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{Hosts: map[string]config.HostConfig{
		"alpha": {IP: "10.0.0.5", MAC: "aa:bb:cc:dd:ee:ff", Port: 9090, SharedSecret: "host-secret"},
	}}
	snap := fixedSnapshot{snap: config.NewSnapshot(cfg, nil)}
	ref := &countingRefresher{}
	logger := slog.New(slog.DiscardHandler)
	return New(st, snap, ref, logger), st, ref
}

func signedAnnounce(secret string, hostname, ip string, port int, now time.Time) []byte {
	ts := now.UTC().Unix()
	payload := fmt.Sprintf("%d|announce|%s|%s|%d", ts, hostname, ip, port)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return []byte(payload + "|" + hex.EncodeToString(mac.Sum(nil)))
}

func TestHandleAcceptsValidAnnounce(t *testing.T) {
	l, st, ref := testSetup(t)
	now := time.Now()
	datagram := signedAnnounce("host-secret", "alpha", "10.0.0.99", 9999, now)

	l.handle(context.Background(), datagram)

	overrides, err := st.Overrides(context.Background())
	if err != nil {
		t.Fatalf("Overrides: %v", err)
	}
	ov, ok := overrides["alpha"]
	if !ok || ov.IP != "10.0.0.99" || ov.Port != 9999 {
		t.Fatalf("override = %+v, ok=%v", ov, ok)
	}
	if ref.n != 1 {
		t.Errorf("refresh calls = %d, want 1", ref.n)
	}
}

func TestHandleRejectsUnknownHost(t *testing.T) {
	l, st, ref := testSetup(t)
	now := time.Now()
	datagram := signedAnnounce("host-secret", "ghost", "10.0.0.99", 9999, now)

	l.handle(context.Background(), datagram)

	overrides, _ := st.Overrides(context.Background())
	if _, ok := overrides["ghost"]; ok {
		t.Error("override recorded for unconfigured host")
	}
	if ref.n != 0 {
		t.Error("refresh should not fire on rejected announce")
	}
}

func TestHandleRejectsBadSignature(t *testing.T) {
	l, st, ref := testSetup(t)
	now := time.Now()
	datagram := signedAnnounce("wrong-secret", "alpha", "10.0.0.99", 9999, now)

	l.handle(context.Background(), datagram)

	overrides, _ := st.Overrides(context.Background())
	if _, ok := overrides["alpha"]; ok {
		t.Error("override recorded despite bad signature")
	}
	if ref.n != 0 {
		t.Error("refresh should not fire on rejected announce")
	}
}

func TestRunAcceptsDatagramOverUDP(t *testing.T) {
	l, st, _ := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	go l.Run(ctx, "127.0.0.1", addr.Port)
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", addr.Port))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	datagram := signedAnnounce("host-secret", "alpha", "10.0.0.42", 7777, time.Now())
	if _, err := client.Write(datagram); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		overrides, _ := st.Overrides(context.Background())
		if ov, ok := overrides["alpha"]; ok && ov.IP == "10.0.0.42" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("override was never applied")
}
