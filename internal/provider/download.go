package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
	"github.com/flacbridge/flacbridge-go/internal/network"
	"github.com/flacbridge/flacbridge-go/internal/progress"
)

// fileWriterBufferSize is the bufio buffer in front of the output file.
const fileWriterBufferSize = 256 * 1024

// streamer copies audio payloads to disk with progress reporting. All
// providers share one instance wired to the same progress registry.
type streamer struct {
	clients  *network.Clients
	registry *progress.Registry
}

// streamToFile downloads a URL into outputPath through a buffered
// writer. When itemID is non-empty the transfer publishes byte counts
// to the progress registry; the item is completed by the caller after
// tag embedding, not here.
func (s *streamer) streamToFile(ctx context.Context, client *http.Client, downloadURL, outputPath, itemID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return apperrors.NewValidationError("invalid download URL: " + err.Error())
	}
	req.Header.Set("User-Agent", network.RandomUserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewNetworkError("audio download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNetworkError(
			fmt.Sprintf("audio download failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	if resp.ContentLength > 0 && itemID != "" {
		s.registry.SetBytesTotal(itemID, resp.ContentLength)
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return apperrors.NewFileSystemError("failed to create output file", err)
	}

	bufWriter := bufio.NewWriterSize(out, fileWriterBufferSize)

	var dst io.Writer = bufWriter
	var pw *progress.Writer
	if itemID != "" {
		pw = progress.NewWriter(bufWriter, s.registry, itemID)
		dst = pw
	}

	// A partial file is worse than no file: the exists checks would
	// treat it as a completed download.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		out.Close()
		os.Remove(outputPath)
		return apperrors.NewNetworkError("audio stream interrupted", err)
	}
	if pw != nil {
		pw.Flush()
	}
	if err := bufWriter.Flush(); err != nil {
		out.Close()
		os.Remove(outputPath)
		return apperrors.NewFileSystemError("failed to flush output file", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outputPath)
		return apperrors.NewFileSystemError("failed to close output file", err)
	}
	return nil
}

// fetchToWriter downloads a URL and appends the body to an open writer.
// Used for DASH init and media segments.
func (s *streamer) fetchToWriter(ctx context.Context, client *http.Client, segmentURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, segmentURL, nil)
	if err != nil {
		return apperrors.NewValidationError("invalid segment URL: " + err.Error())
	}
	req.Header.Set("User-Agent", network.RandomUserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.NewNetworkError("segment download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNetworkError(
			fmt.Sprintf("segment download failed: HTTP %d", resp.StatusCode), nil).WithStatusCode(resp.StatusCode)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return apperrors.NewNetworkError("segment stream interrupted", err)
	}
	return nil
}
