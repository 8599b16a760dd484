package storage

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

const firebaseDownloadHost = "https://firebasestorage.googleapis.com/v0/b/"

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errInvalidObject = errors.New("storage: object name is required")
)

// ImageURLBuilder maps provider mockup URLs onto the storefront's own bucket, laid out as
// {prefix}/{productID}/{fileName}, served through the Firebase download endpoint.
type ImageURLBuilder struct {
	bucket string
	prefix string
}

// NewImageURLBuilder validates bucket and prefix. An empty prefix places images at the bucket root.
func NewImageURLBuilder(bucket, prefix string) (*ImageURLBuilder, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix != "" {
		for _, segment := range strings.Split(prefix, "/") {
			if _, err := validateSegment("prefix", segment); err != nil {
				return nil, err
			}
		}
	}
	return &ImageURLBuilder{bucket: bucket, prefix: prefix}, nil
}

// ObjectPath returns the bucket object holding the image named by src for productID.
func (b *ImageURLBuilder) ObjectPath(productID, src string) (string, error) {
	id, err := validateSegment("productID", productID)
	if err != nil {
		return "", err
	}
	fileName, err := validateFileName(FileNameFromURL(src))
	if err != nil {
		return "", err
	}
	if b.prefix == "" {
		return id + "/" + fileName, nil
	}
	return fmt.Sprintf("%s/%s/%s", b.prefix, id, fileName), nil
}

// URL returns the public download URL for the image named by src.
func (b *ImageURLBuilder) URL(productID, src string) (string, error) {
	object, err := b.ObjectPath(productID, src)
	if err != nil {
		return "", err
	}
	return firebaseDownloadHost + url.PathEscape(b.bucket) + "/o/" + url.PathEscape(object) + "?alt=media", nil
}

// FileNameFromURL returns the last path segment of raw with any query or fragment removed.
func FileNameFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed, err := url.Parse(raw); err == nil && parsed.Path != "" {
		if name, err := url.PathUnescape(path.Base(parsed.Path)); err == nil {
			return name
		}
		return path.Base(parsed.Path)
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		raw = raw[i+1:]
	}
	return raw
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}

func validateFileName(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "." || value == "/" {
		return "", fmt.Errorf("storage: fileName is required")
	}
	return validateSegment("fileName", value)
}
