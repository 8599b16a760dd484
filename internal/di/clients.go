package di

import (
	"context"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"

	"github.com/clawanddecay/storefront/internal/fulfillment"
	"github.com/clawanddecay/storefront/internal/platform/config"
	"github.com/clawanddecay/storefront/internal/platform/storage"
)

// CatalogBackend bundles the Cloud Storage client with the catalog store built on it.
type CatalogBackend struct {
	Client *gcs.Client
	Store  *storage.GCSCatalogStore
	// Images and ImageBucket are nil when no image bucket is configured.
	Images      *storage.ImageURLBuilder
	ImageBucket *gcs.BucketHandle
}

// PingImages reads the attributes of the Firebase Storage bucket product images are served from.
func (b *CatalogBackend) PingImages(ctx context.Context) error {
	if b == nil || b.ImageBucket == nil {
		return nil
	}
	if _, err := b.ImageBucket.Attrs(ctx); err != nil {
		return fmt.Errorf("image bucket: %w", err)
	}
	return nil
}

// Close releases the storage client.
func (b *CatalogBackend) Close(context.Context) error {
	if b == nil || b.Client == nil {
		return nil
	}
	return b.Client.Close()
}

// ClientOptions returns the Google API options shared by every Cloud client.
func ClientOptions(cfg config.Config) []option.ClientOption {
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.Project.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	return opts
}

// OpenCatalogBackend dials Cloud Storage and binds the catalog object.
func OpenCatalogBackend(ctx context.Context, cfg config.Config) (*CatalogBackend, error) {
	client, err := gcs.NewClient(ctx, ClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	backend := &CatalogBackend{Client: client}

	backend.Store, err = storage.NewGCSCatalogStore(client, cfg.Storage.CatalogBucket, cfg.Storage.CatalogObject)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("catalog store: %w", err)
	}
	if bucket := strings.TrimSpace(cfg.Storage.ImageBucket); bucket != "" {
		backend.Images, err = storage.NewImageURLBuilder(bucket, cfg.Storage.ImagePrefix)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("image url builder: %w", err)
		}
		backend.ImageBucket, err = openImageBucket(ctx, cfg.Project.ID, bucket, ClientOptions(cfg)...)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return backend, nil
}

// openImageBucket resolves the image bucket as the Firebase app's default storage bucket, the
// same bucket the rewritten firebasestorage.googleapis.com media URLs point at.
func openImageBucket(ctx context.Context, projectID, bucket string, opts ...option.ClientOption) (*gcs.BucketHandle, error) {
	app, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:     projectID,
		StorageBucket: bucket,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Storage(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase storage client: %w", err)
	}
	handle, err := client.DefaultBucket()
	if err != nil {
		return nil, fmt.Errorf("firebase default bucket: %w", err)
	}
	return handle, nil
}

// NewFulfillmentClient builds the provider REST client from configuration.
func NewFulfillmentClient(cfg config.Config) (*fulfillment.Client, error) {
	return fulfillment.NewClient(fulfillment.Config{
		BaseURL:   cfg.Fulfillment.BaseURL,
		ShopID:    cfg.Fulfillment.ShopID,
		APIToken:  cfg.Fulfillment.APIToken,
		UserAgent: cfg.Fulfillment.UserAgent,
		Timeout:   cfg.Fulfillment.Timeout,
	})
}
