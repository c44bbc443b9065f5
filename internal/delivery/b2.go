package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider uploads to a Backblaze B2 bucket.
type B2Provider struct {
	Bucket string
	keyID  string
	key    string
}

func (p *B2Provider) Name() string { return "b2" }

func (p *B2Provider) Upload(ctx context.Context, localPath, remotePath string) error {
	if p.Bucket == "" || p.keyID == "" {
		return errors.New("b2 bucket and key_id are required")
	}
	client, err := b2.NewClient(ctx, p.keyID, p.key)
	if err != nil {
		return fmt.Errorf("b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, p.Bucket)
	if err != nil {
		return fmt.Errorf("b2 bucket %s: %w", p.Bucket, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := bucket.Object(remotePath).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("b2 upload %s/%s: %w", p.Bucket, remotePath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2 upload %s/%s: %w", p.Bucket, remotePath, err)
	}
	return nil
}
