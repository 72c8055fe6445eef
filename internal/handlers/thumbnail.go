package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
)

// ThumbnailHandler renders catalog thumbnails from boot-splash images so
// the admin UI can preview boot menu backgrounds. Registered as
// "images.splash_thumbnail".
type ThumbnailHandler struct {
	width int
}

type thumbnailPayload struct {
	Filepath   string `json:"filepath"`
	OutputPath string `json:"output_path"`
	Width      int    `json:"width"`
}

// NewThumbnailHandler builds a handler with a default thumbnail width.
func NewThumbnailHandler() *ThumbnailHandler {
	return &ThumbnailHandler{width: 300}
}

// Handle resizes one splash image and writes the thumbnail next to it.
func (h *ThumbnailHandler) Handle(ctx context.Context, job models.Job, log *jobs.Logger) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := decodeThumbnailPayload(job, h.width)
	if err != nil {
		return nil, err
	}

	src, err := imaging.Open(payload.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("splash image missing: %w", err)
		}
		return nil, fmt.Errorf("open splash image: %w", err)
	}

	log.Info("generating %dpx thumbnail for %s", payload.Width, filepath.Base(payload.Filepath))

	// Height 0 preserves aspect ratio.
	thumb := imaging.Resize(src, payload.Width, 0, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(payload.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := imaging.Save(thumb, payload.OutputPath, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("save thumbnail: %w", err)
	}

	return map[string]any{
		"thumbnail_path": payload.OutputPath,
		"width":          thumb.Bounds().Dx(),
		"height":         thumb.Bounds().Dy(),
	}, nil
}

func decodeThumbnailPayload(job models.Job, defaultWidth int) (thumbnailPayload, error) {
	var payload thumbnailPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.Filepath == "" {
		return payload, errors.New("filepath is required")
	}
	if payload.Width <= 0 {
		payload.Width = defaultWidth
	}
	if payload.OutputPath == "" {
		file := filepath.Base(payload.Filepath)
		payload.OutputPath = filepath.Join(filepath.Dir(payload.Filepath), "thumb_"+file)
	}
	return payload, nil
}
