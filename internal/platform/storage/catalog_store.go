package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const (
	catalogContentType  = "application/json"
	catalogCacheControl = "public, max-age=300"
)

var (
	// ErrNotFound is returned by Load when the catalog object does not exist yet.
	ErrNotFound = errors.New("storage: object not found")
	// ErrPreconditionFailed is returned by Save when the object changed since it was read.
	ErrPreconditionFailed = errors.New("storage: generation precondition failed")
)

// CatalogStore persists the cached catalog document.
//
// Load returns the current bytes and the object generation. Save writes data only when the stored
// generation still equals ifGeneration; an ifGeneration of 0 means the object must not exist yet.
type CatalogStore interface {
	Load(ctx context.Context) ([]byte, int64, error)
	Save(ctx context.Context, data []byte, ifGeneration int64) (int64, error)
}

// GCSCatalogStore stores the catalog as a single Cloud Storage object.
type GCSCatalogStore struct {
	client *gcs.Client
	bucket string
	object string
}

// NewGCSCatalogStore binds a store to bucket/object.
func NewGCSCatalogStore(client *gcs.Client, bucket, object string) (*GCSCatalogStore, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	name, err := validateObjectName(object)
	if err != nil {
		return nil, err
	}
	return &GCSCatalogStore{client: client, bucket: bucket, object: name}, nil
}

// Location returns the gs:// URI of the catalog object.
func (s *GCSCatalogStore) Location() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load downloads the catalog object.
func (s *GCSCatalogStore) Load(ctx context.Context) ([]byte, int64, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("storage: open %s: %w", s.Location(), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: read %s: %w", s.Location(), err)
	}
	return data, reader.Attrs.Generation, nil
}

// Save uploads data guarded by a generation precondition.
func (s *GCSCatalogStore) Save(ctx context.Context, data []byte, ifGeneration int64) (int64, error) {
	cond := gcs.Conditions{DoesNotExist: true}
	if ifGeneration > 0 {
		cond = gcs.Conditions{GenerationMatch: ifGeneration}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.client.Bucket(s.bucket).Object(s.object).If(cond).NewWriter(ctx)
	writer.ContentType = catalogContentType
	writer.CacheControl = catalogCacheControl
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		cancel()
		_ = writer.Close()
		return 0, classifyWriteError(s.Location(), err)
	}
	if err := writer.Close(); err != nil {
		return 0, classifyWriteError(s.Location(), err)
	}
	return writer.Attrs().Generation, nil
}

// Ping checks that the bucket is reachable with the current credentials.
func (s *GCSCatalogStore) Ping(ctx context.Context) error {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage: bucket %s: %w", s.bucket, err)
	}
	return nil
}

func classifyWriteError(location string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrPreconditionFailed
	}
	return fmt.Errorf("storage: write %s: %w", location, err)
}

// MemoryCatalogStore is an in-process CatalogStore with Cloud Storage generation semantics.
type MemoryCatalogStore struct {
	mu         sync.Mutex
	data       []byte
	generation int64
	saves      int

	// LoadErr and SaveErr, when set, are returned by the next call and then cleared.
	LoadErr error
	SaveErr error
}

// NewMemoryCatalogStore returns an empty store.
func NewMemoryCatalogStore() *MemoryCatalogStore {
	return &MemoryCatalogStore{}
}

// Load implements CatalogStore.
func (m *MemoryCatalogStore) Load(context.Context) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.LoadErr; err != nil {
		m.LoadErr = nil
		return nil, 0, err
	}
	if m.generation == 0 {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), m.data...), m.generation, nil
}

// Save implements CatalogStore.
func (m *MemoryCatalogStore) Save(_ context.Context, data []byte, ifGeneration int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.SaveErr; err != nil {
		m.SaveErr = nil
		return 0, err
	}
	if ifGeneration != m.generation {
		return 0, ErrPreconditionFailed
	}
	m.data = append([]byte(nil), data...)
	m.generation++
	m.saves++
	return m.generation, nil
}

// Put overwrites the object without a precondition, like a concurrent writer would.
func (m *MemoryCatalogStore) Put(data []byte) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	m.generation++
	return m.generation
}

// Saves reports how many successful Save calls were made.
func (m *MemoryCatalogStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func validateObjectName(value string) (string, error) {
	value = strings.Trim(strings.TrimSpace(value), "/")
	if value == "" {
		return "", errInvalidObject
	}
	for _, segment := range strings.Split(value, "/") {
		if _, err := validateSegment("object", segment); err != nil {
			return "", err
		}
	}
	return value, nil
}
