// Package artifact mirrors captured images to object storage.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/scanstream/backend/internal/config"
)

// Store receives every captured artifact and can drop all of them before a
// new run. Put returns the remote reference of the stored copy.
type Store interface {
	Put(ctx context.Context, localPath string) (string, error)
	Clear(ctx context.Context) error
}

// Nop keeps artifacts on local disk only.
type Nop struct{}

func (Nop) Put(_ context.Context, localPath string) (string, error) { return localPath, nil }
func (Nop) Clear(context.Context) error                            { return nil }

var ErrNoBucket = errors.New("artifact: bucket not configured")

const maxParallelDeletes = 8

// GCSMirror uploads artifacts to a Google Cloud Storage bucket under Prefix.
type GCSMirror struct {
	svc    *storage.Service
	bucket string
	prefix string
}

// NewGCSMirror builds a mirror from config. Extra client options are appended
// after the credentials option.
func NewGCSMirror(ctx context.Context, cfg config.ArtifactsConfig, opts ...option.ClientOption) (*GCSMirror, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	var all []option.ClientOption
	if cfg.CredentialsFile != "" {
		all = append(all, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	all = append(all, opts...)

	svc, err := storage.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}
	return &GCSMirror{svc: svc, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (m *GCSMirror) objectName(localPath string) string {
	return path.Join(m.prefix, filepath.Base(localPath))
}

func (m *GCSMirror) Put(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	name := m.objectName(localPath)
	obj, err := m.svc.Objects.Insert(m.bucket, &storage.Object{Name: name}).
		Media(f).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", m.bucket, obj.Name), nil
}

// Clear deletes every object under the configured prefix.
func (m *GCSMirror) Clear(ctx context.Context) error {
	var names []string
	call := m.svc.Objects.List(m.bucket)
	if m.prefix != "" {
		call = call.Prefix(m.prefix + "/")
	}
	err := call.Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			names = append(names, obj.Name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDeletes)
	for _, name := range names {
		g.Go(func() error {
			if err := m.svc.Objects.Delete(m.bucket, name).Context(gctx).Do(); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
