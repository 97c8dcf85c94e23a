// Package artifact archives ledger page photos so pages can link back to them.
package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"

	"ledgerchat/internal/config"
)

// Store puts an object under key and returns the URL it can be fetched from.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Close() error
}

// New builds the configured store. It returns nil, nil when archiving is disabled.
func New(ctx context.Context, cfg config.ArtifactConfig, appURL string) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "local":
		base := cfg.PublicBaseURL
		if base == "" {
			base = strings.TrimRight(appURL, "/") + "/media"
		}
		store, err := NewLocalStore(cfg.LocalDir, base)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "gcs":
		store, err := NewGCSStore(ctx, cfg.Bucket, cfg.CredentialsFile, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported artifact backend: %s", cfg.Backend)
	}
}

// Key is the object key for a page photo.
func Key(tenantID, pageID, contentType string) string {
	return path.Join("pages", tenantID, pageID+extension(contentType))
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/heic":
		return ".heic"
	case "application/pdf":
		return ".pdf"
	default:
		return ".jpg"
	}
}
