// Package handlers contains the domain job handlers the worker registers
// at startup: fetching boot images/ISOs into the artifact store and
// generating boot-splash thumbnails for the catalog UI. The engine knows
// nothing about them; they only see a payload and a log sink.
package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"netboot-jobqueue/internal/config"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// FetchHandler downloads a boot image or ISO from a URL into the artifact
// store (S3-compatible bucket or local directory), optionally verifying a
// SHA-256 checksum first. Registered as "images.fetch".
type FetchHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      uploader
	s3         uploader
}

type fetchPayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	SHA256      string `json:"sha256"`
	Destination string `json:"destination"`
}

// NewFetchHandler constructs the handler and chooses an uploader (local
// or S3) based on configuration.
func NewFetchHandler(ctx context.Context, cfg config.Config) (*FetchHandler, error) {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	baseDir := cfg.ArtifactDir
	if baseDir == "" {
		baseDir = "./artifacts"
	}

	var s3Upload uploader
	if cfg.ArtifactS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.ArtifactS3Bucket}
	}

	return &FetchHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &localUploader{baseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ArtifactS3Region),
	}
	if cfg.ArtifactS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ArtifactS3Endpoint,
					HostnameImmutable: cfg.ArtifactS3PathStyle,
					SigningRegion:     cfg.ArtifactS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// Handle downloads and stores a single artifact.
func (h *FetchHandler) Handle(ctx context.Context, job models.Job, log *jobs.Logger) (map[string]any, error) {
	payload, err := decodeFetchPayload(job)
	if err != nil {
		return nil, err
	}

	log.Info("downloading %s", payload.SourceURL)
	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}
	log.Info("downloaded %d bytes", len(data))

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if payload.SHA256 != "" && !strings.EqualFold(payload.SHA256, checksum) {
		log.Error("checksum mismatch: want %s got %s", payload.SHA256, checksum)
		return nil, fmt.Errorf("checksum mismatch for %s", payload.SourceURL)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = filepath.Base(payload.SourceURL)
	}
	outputKey = sanitizeKey(outputKey)

	up, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}
	location, err := up.Upload(ctx, outputKey, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	log.Info("stored artifact at %s", location)

	return map[string]any{
		"location": location,
		"bytes":    len(data),
		"sha256":   checksum,
	}, nil
}

func (h *FetchHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	limit := h.cfg.FetchMaxBytes
	if limit == 0 {
		limit = 2 * 1024 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func decodeFetchPayload(job models.Job) (fetchPayload, error) {
	var payload fetchPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	return payload, nil
}

func (h *FetchHandler) pickUploader(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but ARTIFACT_S3_BUCKET is not configured")
	case "local", "":
		if h.local != nil {
			return h.local, nil
		}
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return nil, errors.New("no uploader configured")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
