package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// containedPath ensures that the resolved path stays within basePath.
func containedPath(basePath, untrustedPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}
	absJoined, err := filepath.Abs(filepath.Join(absBase, filepath.FromSlash(untrustedPath)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected: %q resolves outside base %q", ErrPermanent, untrustedPath, absBase)
	}
	return absJoined, nil
}

// LocalProvider copies recordings into a directory, typically a synced or
// network-mounted folder.
type LocalProvider struct {
	BasePath string
}

func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{BasePath: filepath.Clean(basePath)}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Upload(ctx context.Context, localPath, remotePath string) error {
	if p.BasePath == "" || p.BasePath == "." {
		return fmt.Errorf("%w: local provider base path is required", ErrPermanent)
	}
	if remotePath == "" {
		return fmt.Errorf("%w: remote path is required", ErrPermanent)
	}
	destPath, err := containedPath(p.BasePath, remotePath)
	if err != nil {
		return err
	}
	return copyFile(ctx, localPath, destPath)
}

// copyFile copies via a temporary sibling so a reader of the destination
// directory never sees a half-written recording.
func copyFile(ctx context.Context, srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmp := destPath + ".part"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	_, err = io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp, destPath)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return os.Chtimes(destPath, info.ModTime(), info.ModTime())
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
