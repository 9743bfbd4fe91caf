package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gos3 "metald/pkg/s3"
)

const imageURLTTL = time.Hour

// ImageRef is a resolved, checksum-verified firmware image ready to hand
// to a management controller.
type ImageRef struct {
	Component string
	Version   string
	URI       string
	Size      int64
	SHA256    string
}

// FirmwareStore resolves firmware templates against the S3 artifact
// bucket. How images got into the bucket is not the orchestrator's
// concern; it only verifies metadata and mints download URLs.
type FirmwareStore struct {
	client *gos3.Client
	bucket string
}

// NewFirmwareStore wires the store to a bucket.
func NewFirmwareStore(client *gos3.Client, bucket string) (*FirmwareStore, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("firmware bucket is required")
	}
	return &FirmwareStore{client: client, bucket: bucket}, nil
}

// Resolve checks the stored image against the template checksum and
// returns a presigned reference for it.
func (s *FirmwareStore) Resolve(ctx context.Context, fw FirmwareTemplate) (ImageRef, error) {
	info, err := s.client.Stat(ctx, s.bucket, fw.Key)
	if err != nil {
		return ImageRef{}, fmt.Errorf("stat firmware %s: %w", fw.Key, err)
	}
	if fw.SHA256 != "" && info.SHA256 != "" && !strings.EqualFold(fw.SHA256, info.SHA256) {
		return ImageRef{}, fmt.Errorf("firmware %s checksum mismatch: template %s, stored %s", fw.Key, fw.SHA256, info.SHA256)
	}

	uri, err := s.client.PresignGet(ctx, s.bucket, fw.Key, imageURLTTL)
	if err != nil {
		return ImageRef{}, fmt.Errorf("presign firmware %s: %w", fw.Key, err)
	}

	return ImageRef{
		Component: fw.Component,
		Version:   fw.Version,
		URI:       uri,
		Size:      info.Size,
		SHA256:    info.SHA256,
	}, nil
}
