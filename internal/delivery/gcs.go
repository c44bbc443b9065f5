package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider uploads to Google Cloud Storage. Without a credentials file
// it uses application default credentials.
type GCSProvider struct {
	Bucket          string
	CredentialsFile string
}

func (g *GCSProvider) Name() string { return "gcs" }

func (g *GCSProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if g.Bucket == "" {
		return errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if g.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(g.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("gcs client: %w", err)
	}
	defer client.Close()

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := client.Bucket(g.Bucket).Object(remotePath).NewWriter(ctx)
	w.ContentType = contentType(localPath)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("gcs upload gs://%s/%s: %w", g.Bucket, remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload gs://%s/%s: %w", g.Bucket, remotePath, err)
	}
	return nil
}
