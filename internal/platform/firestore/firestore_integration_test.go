//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	pconfig "github.com/clawanddecay/storefront/internal/platform/config"
	pfirestore "github.com/clawanddecay/storefront/internal/platform/firestore"
	"github.com/clawanddecay/storefront/internal/platform/idempotency"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestProviderAndEventStoreIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	defer stopContainer(containerID)

	waitForEndpoint(t, endpoint, 30*time.Second)

	provider := pfirestore.NewProvider(pconfig.ProjectConfig{
		ID:                    "clawanddecay-test",
		FirestoreEmulatorHost: endpoint,
	})
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("expected firestore client, got error: %v", err)
	}

	store, err := idempotency.NewFirestoreStore(client, idempotency.WithCollection("webhook_events"))
	if err != nil {
		t.Fatalf("NewFirestoreStore: %v", err)
	}

	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	key := "stripe-event:evt_integration"
	res, err := store.Reserve(ctx, key, "checkout.session.completed", now, time.Minute)
	if err != nil || res.State != idempotency.ReservationStateNew {
		t.Fatalf("first reserve: %+v %v", res, err)
	}
	res, err = store.Reserve(ctx, key, "checkout.session.completed", now.Add(time.Second), time.Minute)
	if err != nil || res.State != idempotency.ReservationStatePending {
		t.Fatalf("second reserve: %+v %v", res, err)
	}
	if _, err := store.Reserve(ctx, key, "other", now, time.Minute); !errors.Is(err, idempotency.ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch through the transaction, got %v", err)
	}

	if err := store.SaveResponse(ctx, key, "checkout.session.completed", idempotency.Response{Status: 200, Body: []byte("po-1")}, now, time.Hour); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	res, err = store.Reserve(ctx, key, "checkout.session.completed", now.Add(time.Minute), time.Minute)
	if err != nil || res.State != idempotency.ReservationStateCompleted || string(res.Record.ResponseBody) != "po-1" {
		t.Fatalf("completed reserve: %+v %v", res, err)
	}

	removed, err := store.CleanupExpired(ctx, now.Add(2*time.Hour), 10)
	if err != nil || removed != 1 {
		t.Fatalf("CleanupExpired: removed %d err %v", removed, err)
	}
	if err := store.Release(ctx, key, ""); err != nil {
		t.Fatalf("release of a reaped key: %v", err)
	}

	cancelCtx, cancelTxn := context.WithCancel(context.Background())
	cancelTxn()
	if err := provider.RunTransaction(cancelCtx, func(ctx context.Context, tx *firestore.Transaction) error {
		return nil
	}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled error, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
