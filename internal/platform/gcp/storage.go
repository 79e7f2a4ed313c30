package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/labflow-backend/internal/platform/ctxutil"
	"github.com/yungbote/labflow-backend/internal/platform/envutil"
	"github.com/yungbote/labflow-backend/internal/platform/logger"
)

type StorageConfig struct {
	// Bucket is used for refs that are bare object keys.
	Bucket string
	// EmulatorHost points the client at a fake-gcs-server style emulator.
	EmulatorHost string
	MaxBytes     int64
}

func StorageConfigFromEnv() StorageConfig {
	return StorageConfig{
		Bucket:       envutil.String("GCS_BUCKET", ""),
		EmulatorHost: envutil.FirstString("", "GCS_EMULATOR_HOST", "STORAGE_EMULATOR_HOST"),
		MaxBytes:     int64(envutil.Int("GCS_MAX_OBJECT_MB", 50)) << 20,
	}
}

// Storage fetches and deletes document files in GCS.
type Storage struct {
	log    *logger.Logger
	client *storage.Client
	cfg    StorageConfig
}

func NewStorage(ctx context.Context, log *logger.Logger, cfg StorageConfig) (*Storage, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Storage")

	opts := ClientOptionsFromEnv()
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "http://" + host
		}
		opts = []option.ClientOption{
			option.WithEndpoint(strings.TrimRight(host, "/") + "/storage/v1/"),
			option.WithoutAuthentication(),
		}
	}
	client, err := storage.NewClient(ctxutil.Default(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 50 << 20
	}
	slog.Info("GCS storage initialized", "bucket", cfg.Bucket, "emulator", cfg.EmulatorHost != "")
	return &Storage{log: slog, client: client, cfg: cfg}, nil
}

func (s *Storage) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Fetch reads the object named by ref. Objects larger than MaxBytes are
// rejected rather than truncated.
func (s *Storage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, err := ParseObjectRef(ref, s.cfg.Bucket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 2*time.Minute)
	defer cancel()

	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, classify("gcs open", err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxBytes+1))
	if err != nil {
		return nil, classify("gcs read", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return nil, fmt.Errorf("object %s exceeds %d bytes", ref, s.cfg.MaxBytes)
	}
	s.log.Debug("Fetched object", "bucket", bucket, "key", key, "bytes", len(data))
	return data, nil
}

// Delete removes the object named by ref. A missing object is not an error.
func (s *Storage) Delete(ctx context.Context, ref string) error {
	bucket, key, err := ParseObjectRef(ref, s.cfg.Bucket)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctxutil.Default(ctx), 30*time.Second)
	defer cancel()

	err = s.client.Bucket(bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return classify("gcs delete", err)
}

// ParseObjectRef splits "gs://bucket/key" into its parts. Any other ref is
// treated as a key in defaultBucket.
func ParseObjectRef(ref, defaultBucket string) (bucket, key string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("empty object ref")
	}
	if strings.HasPrefix(ref, "gs://") {
		parts := strings.SplitN(strings.TrimPrefix(ref, "gs://"), "/", 2)
		if parts[0] == "" || len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			return "", "", fmt.Errorf("invalid gs uri: %q", ref)
		}
		return parts[0], parts[1], nil
	}
	if strings.Contains(ref, "://") {
		return "", "", fmt.Errorf("unsupported object ref scheme: %q", ref)
	}
	if defaultBucket == "" {
		return "", "", fmt.Errorf("object ref %q has no bucket and GCS_BUCKET is not set", ref)
	}
	return defaultBucket, strings.TrimPrefix(ref, "/"), nil
}
