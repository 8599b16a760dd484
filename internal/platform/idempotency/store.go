// Package idempotency records which keyed operations have already run so retries replay the
// stored outcome instead of repeating side effects. It backs webhook event deduplication and the
// optional Idempotency-Key header on checkout.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status represents the lifecycle state of a record.
type Status string

const (
	// DefaultTTL is how long completed records are kept when the caller passes no TTL.
	DefaultTTL = 24 * time.Hour
	// DefaultLease is how long a pending reservation blocks other attempts. A worker that dies
	// mid-operation therefore delays retries by at most one lease.
	DefaultLease = 5 * time.Minute

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the operation.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means the operation already ran; Record holds its outcome.
	ReservationStateCompleted
	// ReservationStatePending means another caller holds an unexpired lease on the key.
	ReservationStatePending
)

// Reservation is the result of Reserve together with the current record.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state of one key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the outcome stored for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and outcomes.
//
// Reserve takes a lease of length lease on a free or expired key. SaveResponse marks the key
// completed and keeps it for ttl. Release drops the key so the next attempt starts over.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func expired(record Record, now time.Time) bool {
	return !record.ExpiresAt.IsZero() && !now.Before(record.ExpiresAt)
}

func pendingRecord(key, fingerprint string, now time.Time, lease time.Duration) Record {
	if lease <= 0 {
		lease = DefaultLease
	}
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(lease),
	}
}

func storableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop(canonical) {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func hopByHop(name string) bool {
	switch name {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailers", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
