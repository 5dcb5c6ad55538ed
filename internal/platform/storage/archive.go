// Package storage archives reconciliation reports to Cloud Storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
)

// ObjectWriter uploads data to bucket/object.
type ObjectWriter func(ctx context.Context, bucket, object string, data []byte, contentType string) error

// Archive writes JSON reports to a bucket.
type Archive struct {
	bucket string
	write  ObjectWriter
}

// NewArchive constructs an Archive backed by a Cloud Storage client.
func NewArchive(client *gcs.Client, bucket string) (*Archive, error) {
	if client == nil {
		return nil, errors.New("storage archive: client is required")
	}
	return NewArchiveWithWriter(bucket, gcsWriter(client))
}

// NewArchiveWithWriter constructs an Archive using a custom writer.
func NewArchiveWithWriter(bucket string, write ObjectWriter) (*Archive, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	if write == nil {
		return nil, errors.New("storage archive: writer is required")
	}
	return &Archive{bucket: bucket, write: write}, nil
}

// Put encodes payload as JSON and stores it at the path built for kind.
func (a *Archive) Put(ctx context.Context, kind ReportKind, params PathParams, payload any) (string, error) {
	if a == nil {
		return "", errors.New("storage archive: not initialised")
	}
	object, err := BuildObjectPath(kind, params)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("storage archive: encode %s: %w", object, err)
	}
	if err := a.write(ctx, a.bucket, object, data, "application/json"); err != nil {
		return "", fmt.Errorf("storage archive: write gs://%s/%s: %w", a.bucket, object, err)
	}
	return "gs://" + a.bucket + "/" + object, nil
}

func gcsWriter(client *gcs.Client) ObjectWriter {
	return func(ctx context.Context, bucket, object string, data []byte, contentType string) error {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		if _, err := w.Write(data); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	}
}
