//go:build gcp

package storage

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore keeps namespaces as object prefixes inside one bucket.
type GCSStore struct {
	client *gcs.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSStore.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store. The client uses Application
// Default Credentials.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) Namespace(ns string) KV {
	return &gcsNamespace{
		client: s.client,
		bucket: s.bucket,
		prefix: s.prefix + url.PathEscape(ns) + "/",
	}
}

type gcsNamespace struct {
	client *gcs.Client
	bucket string
	prefix string
}

func (n *gcsNamespace) object(key string) *gcs.ObjectHandle {
	return n.client.Bucket(n.bucket).Object(n.prefix + url.QueryEscape(key))
}

func (n *gcsNamespace) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := n.object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (n *gcsNamespace) Set(ctx context.Context, key string, value []byte) error {
	w := n.object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(value); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (n *gcsNamespace) Delete(ctx context.Context, key string) error {
	err := n.object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (n *gcsNamespace) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := n.client.Bucket(n.bucket).Objects(ctx, &gcs.Query{Prefix: n.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		name := strings.TrimPrefix(attrs.Name, n.prefix)
		key, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
