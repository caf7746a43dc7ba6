package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// StageFile makes the courier-supplied file path readable locally. A
// gs://bucket/object URI is streamed into a temp file; an absolute local
// path is verified and returned as-is. The cleanup func removes any staged
// copy and is safe to call in both cases.
func StageFile(ctx context.Context, client *storage.Client, filePath string) (string, func(), error) {
	noop := func() {}

	if !strings.HasPrefix(filePath, "gs://") {
		if _, err := os.Stat(filePath); err != nil {
			return "", noop, fmt.Errorf("source file is not readable: %w", err)
		}
		return filePath, noop, nil
	}

	bucket, object, err := splitGCSURI(filePath)
	if err != nil {
		return "", noop, err
	}

	tempDir, err := os.MkdirTemp("", "pricelist-stage-*")
	if err != nil {
		return "", noop, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	localPath := filepath.Join(tempDir, filepath.Base(object))
	if err := streamGCSObject(ctx, client, bucket, object, localPath); err != nil {
		cleanup()
		return "", noop, err
	}

	slog.Debug("Staged source file from GCS.", "bucket", bucket, "object", object, "localPath", localPath)
	return localPath, cleanup, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't
// already exist, so re-invoking a job on the same file never clobbers an
// earlier snapshot.
func SaveToGCSAtomically(ctx context.Context, bucket *storage.BucketHandle, objectName, content string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)

	if _, err := io.Copy(writer, strings.NewReader(content)); err != nil {
		_ = writer.Close()
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Skipping snapshot: object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 412 {
			slog.Info("Skipping snapshot: object already exists.", "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func streamGCSObject(ctx context.Context, client *storage.Client, bucket, object, destPath string) error {
	reader, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer reader.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer dest.Close()

	if _, err := io.Copy(dest, reader); err != nil {
		return fmt.Errorf("failed to download gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

func splitGCSURI(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI %q", uri)
	}
	return parts[0], parts[1], nil
}
