// Package delivery copies a finished recording to the configured
// destinations after the session has finalized.
package delivery

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/meetcap/meetcap/internal/config"
)

// Provider uploads one local file to a destination.
type Provider interface {
	Name() string
	Upload(ctx context.Context, localPath, remotePath string) error
}

// NewProvider builds the provider for one configured target. Clients are
// created per upload, so construction never touches the network.
func NewProvider(t config.DeliveryTarget) (Provider, error) {
	switch strings.ToLower(t.Provider) {
	case "local":
		return NewLocalProvider(t.Path), nil
	case "s3":
		return &S3Provider{Bucket: t.Bucket, Region: t.Region, Endpoint: t.Endpoint, keyID: t.KeyID, key: t.Key}, nil
	case "gcs":
		return &GCSProvider{Bucket: t.Bucket, CredentialsFile: t.CredentialsFile}, nil
	case "azure":
		return &AzureProvider{AccountURL: t.AccountURL, Container: t.Bucket, accountName: t.KeyID, key: t.Key}, nil
	case "b2":
		return &B2Provider{Bucket: t.Bucket, keyID: t.KeyID, key: t.Key}, nil
	default:
		return nil, fmt.Errorf("unknown delivery provider %q", t.Provider)
	}
}

// remoteName joins the target prefix with the file's base name using
// forward slashes, as object stores expect.
func remoteName(prefix, localPath string) string {
	base := filepath.Base(localPath)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return base
	}
	return path.Join(prefix, base)
}
