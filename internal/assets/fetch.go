// Package assets loads model bytes and background images from local files,
// HTTP(S) URLs or S3-compatible object storage.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/cutout/internal/utils"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultMaxBytes caps a single fetched asset.
const DefaultMaxBytes = 256 << 20

// ErrTooLarge is returned when an asset exceeds the configured size limit.
var ErrTooLarge = errors.New("asset exceeds size limit")

// StorageConfig configures access to S3-compatible object storage.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Config configures a Fetcher.
type Config struct {
	Storage  StorageConfig
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher resolves asset locations to bytes.
type Fetcher struct {
	cfg  Config
	http *http.Client

	mu sync.Mutex
	s3 *miniogo.Client
}

// NewFetcher creates a Fetcher. The object storage client is created on first use.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Location is a parsed asset reference.
type Location struct {
	Scheme string // "file", "http", "https" or "s3"
	Bucket string // s3 only
	Path   string // file path, full URL or object key
}

// ParseLocation classifies an asset reference. Plain paths are files.
func ParseLocation(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Location{}, errors.New("empty asset location")
	}
	if !strings.Contains(raw, "://") {
		return Location{Scheme: "file", Path: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid asset location %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "file":
		return Location{Scheme: "file", Path: u.Path}, nil
	case "http", "https":
		return Location{Scheme: strings.ToLower(u.Scheme), Path: raw}, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Location{}, fmt.Errorf("s3 location %q must be s3://bucket/key", raw)
		}
		return Location{Scheme: "s3", Bucket: u.Host, Path: key}, nil
	default:
		return Location{}, fmt.Errorf("unsupported asset scheme %q", u.Scheme)
	}
}

// Fetch reads the whole asset at location.
func (f *Fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var data []byte
	switch loc.Scheme {
	case "file":
		data, err = f.fetchFile(loc.Path)
	case "http", "https":
		data, err = f.fetchHTTP(ctx, loc.Path)
	case "s3":
		data, err = f.fetchObject(ctx, loc.Bucket, loc.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", location, err)
	}

	slog.Debug("Asset fetched", "location", location, "bytes", len(data), "duration", time.Since(start))
	return data, nil
}

// FetchImage fetches and decodes an image asset.
func (f *Fetcher) FetchImage(ctx context.Context, location string) (image.Image, error) {
	data, err := f.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	img, _, err := utils.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", location, err)
	}
	return img, nil
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Size() > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, fi.Size())
	}
	return os.ReadFile(path) //nolint:gosec // G304: asset paths come from configuration
}

func (f *Fetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) fetchObject(ctx context.Context, bucket, key string) ([]byte, error) {
	client, err := f.objectClient()
	if err != nil {
		return nil, err
	}
	obj, err := client.GetObject(ctx, bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer func() {
		if err := obj.Close(); err != nil {
			slog.Warn("Failed to close object", "bucket", bucket, "key", key, "error", err)
		}
	}()
	return f.readLimited(obj)
}

func (f *Fetcher) objectClient() (*miniogo.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s3 != nil {
		return f.s3, nil
	}

	sc := f.cfg.Storage
	if sc.Endpoint == "" {
		return nil, errors.New("s3 location requires storage.endpoint to be configured")
	}
	client, err := miniogo.New(sc.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(sc.AccessKey, sc.SecretKey, ""),
		Secure: sc.UseSSL,
		Region: sc.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	f.s3 = client
	return client, nil
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.cfg.MaxBytes)
	}
	return data, nil
}
