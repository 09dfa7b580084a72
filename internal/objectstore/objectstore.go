// Package objectstore is the hot-storage half of the object-store gateway
// (C2): upload/download/delete of job inputs and results, plus presigned
// POST/GET URL generation for direct browser upload and download. It wraps
// cloud.google.com/go/storage, addressing objects as bucket.Object(key) the
// way the reference readers in the wider example corpus do.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
)

// Config configures a Gateway.
type Config struct {
	InputsBucket  string
	ResultsBucket string
	// PresignTTL bounds how long a minted presigned POST/GET stays valid.
	PresignTTL time.Duration
	// ServiceAccountEmail and PrivateKey are used to sign presigned URLs.
	// SignedURL/GenerateSignedPostPolicyV4 require explicit credentials even
	// when the client itself authenticates via application-default creds.
	ServiceAccountEmail string
	PrivateKey          []byte
}

// Gateway is the hot object-storage client.
type Gateway struct {
	client *storage.Client
	cfg    Config
}

// New wraps an already-constructed *storage.Client. Client construction
// (credential resolution) is left to the caller's main(), matching the
// pattern used throughout the example corpus of constructing the client
// once at startup and threading it through.
func New(client *storage.Client, cfg Config) *Gateway {
	return &Gateway{client: client, cfg: cfg}
}

// DownloadToFile streams the object at key in the inputs bucket to a local
// file at destPath, creating parent directories as needed.
func (g *Gateway) DownloadToFile(ctx context.Context, key, destPath string) error {
	r, err := g.client.Bucket(g.cfg.InputsBucket).Object(key).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("objectstore: open reader for %s/%s: %w", g.cfg.InputsBucket, key, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("objectstore: create parent dirs for %s: %w", destPath, err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("objectstore: create %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("objectstore: download %s/%s to %s: %w", g.cfg.InputsBucket, key, destPath, err)
	}
	return nil
}

// UploadFile uploads the local file at srcPath to key in the results bucket
// with private ACL and the configured server-side encryption applied by the
// bucket's default encryption config (the gateway never overrides it
// per-object).
func (g *Gateway) UploadFile(ctx context.Context, srcPath, key string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("objectstore: open %s: %w", srcPath, err)
	}
	defer f.Close()

	w := g.client.Bucket(g.cfg.ResultsBucket).Object(key).NewWriter(ctx)
	w.PredefinedACL = "private"

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return fmt.Errorf("objectstore: upload %s to %s/%s: %w", srcPath, g.cfg.ResultsBucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: finalize upload to %s/%s: %w", g.cfg.ResultsBucket, key, err)
	}
	return nil
}

// Upload streams an arbitrary reader to key in the named bucket. Unlike
// UploadFile it takes the bucket explicitly, because the restore handler
// must write back into the *original* results bucket recorded on the job
// row, not whatever the gateway's default results bucket happens to be.
func (g *Gateway) Upload(ctx context.Context, stream io.Reader, bucket, key string) error {
	w := g.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.PredefinedACL = "private"

	if _, err := io.Copy(w, stream); err != nil {
		_ = w.Close()
		return fmt.Errorf("objectstore: upload stream to %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("objectstore: finalize upload to %s/%s: %w", bucket, key, err)
	}
	return nil
}

// OpenObject opens a reader over key in the named bucket. Unlike
// DownloadToFile it takes the bucket explicitly and hands back a stream
// instead of writing to disk — the archiver uses this to pull a completed
// job's hot result bytes straight through to the cold-storage upload without
// an intermediate temp file.
func (g *Gateway) OpenObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open reader for %s/%s: %w", bucket, key, err)
	}
	return r, nil
}

// DeleteObject removes key from the named bucket. Deleting an object that
// does not exist is treated as success — callers call this as part of
// idempotent cleanup paths.
func (g *Gateway) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := g.client.Bucket(bucket).Object(key).Delete(ctx); err != nil {
		if err == storage.ErrObjectNotExist {
			return nil
		}
		return fmt.Errorf("objectstore: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignedPost is the set of fields a browser needs to perform a direct
// POST upload: the target URL and the form fields (including policy and
// signature) that must accompany the file field.
type PresignedPost struct {
	URL    string
	Fields map[string]string
}

// GeneratePresignedPost mints a presigned POST policy for key in the inputs
// bucket, valid for PresignTTL, with a condition that the uploaded key start
// with key and a private ACL field. The policy carries no
// success-action-redirect condition and no server-side-encryption condition.
func (g *Gateway) GeneratePresignedPost(ctx context.Context, key string) (*PresignedPost, error) {
	opts := &storage.PostPolicyV4Options{
		GoogleAccessID: g.cfg.ServiceAccountEmail,
		PrivateKey:     g.cfg.PrivateKey,
		Expires:        time.Now().Add(g.ttl()),
		Conditions: []storage.PostPolicyV4Condition{
			storage.ConditionStartsWith("$key", key),
		},
		Fields: &storage.PolicyV4Fields{
			ACL: "private",
		},
	}

	policy, err := storage.GenerateSignedPostPolicyV4(g.cfg.InputsBucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: generate presigned post for %s: %w", key, err)
	}

	return &PresignedPost{URL: policy.URL, Fields: policy.Fields}, nil
}

// GeneratePresignedGet mints a time-bounded signed GET URL for key in the
// results bucket, used by the read API to let a browser download a
// completed job's result directly.
func (g *Gateway) GeneratePresignedGet(ctx context.Context, key string) (string, error) {
	opts := &storage.SignedURLOptions{
		GoogleAccessID: g.cfg.ServiceAccountEmail,
		PrivateKey:     g.cfg.PrivateKey,
		Method:         "GET",
		Expires:        time.Now().Add(g.ttl()),
		Scheme:         storage.SigningSchemeV4,
	}

	url, err := g.client.Bucket(g.cfg.ResultsBucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("objectstore: generate presigned get for %s: %w", key, err)
	}
	return url, nil
}

func (g *Gateway) ttl() time.Duration {
	if g.cfg.PresignTTL <= 0 {
		return 15 * time.Minute
	}
	return g.cfg.PresignTTL
}
