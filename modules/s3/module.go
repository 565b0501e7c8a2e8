// Package s3 provides the "s3" block, which moves files to and from
// pre-signed object storage URLs.
package s3

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/executor"
	"github.com/vk/blockflow/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

func (m *Module) client() *http.Client {
	if m.Client != nil {
		return m.Client
	}
	return http.DefaultClient
}

// Run dispatches on data "action": upload (source_path to upload_url) or
// download (download_url to dest_path).
func (m *Module) Run(ctx context.Context, in registry.Input) (map[string]any, error) {
	switch action := strings.ToLower(in.Text("action")); action {
	case "upload":
		return m.upload(ctx, in.Text("source_path"), in.Text("upload_url"))
	case "download":
		return m.download(ctx, in.Text("download_url"), in.Text("dest_path"))
	default:
		return nil, fmt.Errorf("unknown s3 action: '%s'", action)
	}
}

func (m *Module) upload(ctx context.Context, sourcePath, uploadURL string) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("action", "upload")
	if sourcePath == "" || uploadURL == "" {
		return nil, fmt.Errorf("upload needs source_path and upload_url")
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file '%s': %w", sourcePath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get file stats for '%s': %w", sourcePath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 upload request: %w", err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(sourcePath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = stat.Size()

	logger.Info("Uploading file to S3", "source", sourcePath, "size", stat.Size(), "contentType", contentType)
	resp, err := m.client().Do(req)
	if err != nil {
		return nil, executor.Retry(fmt.Errorf("failed to execute S3 upload request: %w", err))
	}
	defer resp.Body.Close()

	if err := checkStatus("upload", resp); err != nil {
		return nil, err
	}
	logger.Info("Successfully uploaded file", "status", resp.Status)
	return map[string]any{"success": true, "status": resp.Status, "bytes": stat.Size()}, nil
}

func (m *Module) download(ctx context.Context, downloadURL, destPath string) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("action", "download")
	if downloadURL == "" || destPath == "" {
		return nil, fmt.Errorf("download needs download_url and dest_path")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 download request: %w", err)
	}
	resp, err := m.client().Do(req)
	if err != nil {
		return nil, executor.Retry(fmt.Errorf("failed to execute S3 download request: %w", err))
	}
	defer resp.Body.Close()
	if err := checkStatus("download", resp); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, err
	}
	tmp := destPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("failed to create '%s': %w", tmp, err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return nil, executor.Retry(fmt.Errorf("failed to write '%s': %w", destPath, err))
	}
	if err := os.Rename(tmp, destPath); err != nil {
		return nil, err
	}

	logger.Info("Successfully downloaded file", "dest", destPath, "size", n)
	return map[string]any{"success": true, "status": resp.Status, "bytes": n, "path": destPath}, nil
}

func checkStatus(action string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("S3 %s failed with status: %s", action, resp.Status)
	if resp.StatusCode >= 500 {
		return executor.Retry(err)
	}
	return err
}

// Register registers the block with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.Register(registry.Block{
		Name:        "s3",
		Description: "Uploads or downloads a file through a pre-signed URL.",
		Run:         m.Run,
	})
}
