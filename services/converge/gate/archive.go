// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Archive shares baseline snapshots through a GCS bucket so machines
// working the same corpus compare against the same floors.
//
// Objects mirror the FileStore layout under a prefix:
// {prefix}/{tier}/{seq}.json. Uploads are conditional on the object not
// existing and downloads never overwrite local files, preserving
// snapshot immutability on both sides.
type Archive struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

type archiveConfig struct {
	credentialsFile string
	withoutAuth     bool
	logger          *slog.Logger
}

// ArchiveOption configures an Archive.
type ArchiveOption func(*archiveConfig)

// WithCredentialsFile authenticates with a service account key file.
func WithCredentialsFile(path string) ArchiveOption {
	return func(c *archiveConfig) {
		c.credentialsFile = path
	}
}

// WithoutAuthentication skips credentials. For emulators
// (STORAGE_EMULATOR_HOST) and public buckets only.
func WithoutAuthentication() ArchiveOption {
	return func(c *archiveConfig) {
		c.withoutAuth = true
	}
}

// WithArchiveLogger sets the logger.
func WithArchiveLogger(logger *slog.Logger) ArchiveOption {
	return func(c *archiveConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewArchive creates a baseline archive over a GCS bucket.
//
// Inputs:
//   - ctx: Context for client construction.
//   - bucket: Bucket name. Must not be empty.
//   - opts: Authentication and logging options.
//
// Outputs:
//   - *Archive: The archive. Callers own Close.
//   - error: Non-nil if the credentials file is missing or the client
//     cannot be constructed.
func NewArchive(ctx context.Context, bucket string, opts ...ArchiveOption) (*Archive, error) {
	if bucket == "" {
		return nil, errors.New("gate: empty bucket name")
	}

	config := archiveConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&config)
	}

	var clientOpts []option.ClientOption
	switch {
	case config.withoutAuth:
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	case config.credentialsFile != "":
		if _, err := os.Stat(config.credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("gate: service account key not found at path: %s", config.credentialsFile)
		}
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.credentialsFile))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gate: creating storage client: %w", err)
	}
	return &Archive{client: client, bucket: bucket, logger: config.logger}, nil
}

// Close releases the underlying client.
func (a *Archive) Close() error {
	return a.client.Close()
}

// Upload pushes every local snapshot missing from the bucket.
//
// Outputs:
//   - int: Snapshots uploaded; already-archived ones are skipped.
//   - error: Non-nil on the first hard failure.
func (a *Archive) Upload(ctx context.Context, store *FileStore, prefix string) (int, error) {
	if store == nil {
		return 0, errors.New("gate: nil store")
	}

	uploaded := 0
	root := store.Dir()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		ok, err := a.uploadSnapshot(ctx, p, objectName(prefix, rel))
		if err != nil {
			return err
		}
		if ok {
			uploaded++
		}
		return nil
	})
	if err != nil {
		return uploaded, err
	}

	a.logger.Info("baseline archive upload finished",
		slog.String("bucket", a.bucket),
		slog.String("prefix", prefix),
		slog.Int("uploaded", uploaded))
	return uploaded, nil
}

// uploadSnapshot writes one object, conditional on it not existing.
// Returns false without error when the object is already archived.
func (a *Archive) uploadSnapshot(ctx context.Context, localPath, object string) (bool, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return false, fmt.Errorf("gate: opening %s: %w", localPath, err)
	}
	defer file.Close()

	obj := a.client.Bucket(a.bucket).Object(object).If(storage.Conditions{DoesNotExist: true})
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, file); err != nil {
		writer.Close()
		return false, fmt.Errorf("gate: copying %s to gs://%s/%s: %w", localPath, a.bucket, object, err)
	}
	if err := writer.Close(); err != nil {
		if preconditionFailed(err) {
			// Already archived. Snapshots are immutable, so the remote
			// copy is as good as ours.
			return false, nil
		}
		return false, fmt.Errorf("gate: closing writer for gs://%s/%s: %w", a.bucket, object, err)
	}
	return true, nil
}

// Download pulls archived snapshots under prefix into dir, skipping any
// that already exist locally.
//
// Outputs:
//   - int: Snapshots written.
//   - error: Non-nil on the first hard failure.
func (a *Archive) Download(ctx context.Context, prefix, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	written := 0
	it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: objectName(prefix, "")})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("gate: listing gs://%s/%s: %w", a.bucket, prefix, err)
		}
		if path.Ext(attrs.Name) != ".json" {
			continue
		}
		ok, err := a.downloadSnapshot(ctx, attrs.Name, localPath(dir, prefix, attrs.Name))
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}

	a.logger.Info("baseline archive download finished",
		slog.String("bucket", a.bucket),
		slog.String("prefix", prefix),
		slog.Int("written", written))
	return written, nil
}

// downloadSnapshot writes one object to disk. Returns false without
// error when the local file already exists.
func (a *Archive) downloadSnapshot(ctx context.Context, object, dest string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	file, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()

	reader, err := a.client.Bucket(a.bucket).Object(object).NewReader(ctx)
	if err != nil {
		os.Remove(dest)
		return false, fmt.Errorf("gate: reading gs://%s/%s: %w", a.bucket, object, err)
	}
	defer reader.Close()

	if _, err := io.Copy(file, reader); err != nil {
		os.Remove(dest)
		return false, fmt.Errorf("gate: writing %s: %w", dest, err)
	}
	return true, nil
}

// objectName joins a prefix and a local relative path into an object
// name with forward slashes.
func objectName(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	if prefix == "" {
		return rel
	}
	if rel == "" {
		return strings.TrimSuffix(prefix, "/") + "/"
	}
	return path.Join(prefix, rel)
}

// localPath maps an object name back to a file under dir.
func localPath(dir, prefix, object string) string {
	rel := strings.TrimPrefix(object, strings.TrimSuffix(prefix, "/")+"/")
	return filepath.Join(dir, filepath.FromSlash(rel))
}

// preconditionFailed reports whether err is a GCS precondition failure,
// meaning the object already exists.
func preconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 412
}
