package metadata

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/nfnt/resize"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// Spotify CDN cover IDs encode the image size in a hash prefix. Swapping
// the prefix for the 640px variant yields the highest quality the CDN
// serves without a separate API call.
var coverSizePrefixes = []string{
	"ab67616d00001e02", // 300px
	"ab67616d00004851", // 64px
}

const coverMaxPrefix = "ab67616d0000b273" // 640px

// UpgradeCoverURL rewrites a cover URL to its maximum-quality variant
// when the CDN encodes size in the path. Unknown URLs pass through.
func UpgradeCoverURL(url string) string {
	for _, prefix := range coverSizePrefixes {
		if strings.Contains(url, prefix) {
			return strings.Replace(url, prefix, coverMaxPrefix, 1)
		}
	}
	return url
}

// FetchCover downloads cover art into memory. Images larger than the
// manager's configured artwork size are downscaled; smaller ones are
// left untouched. Returns the image bytes and their MIME type.
func (m *Manager) FetchCover(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", apperrors.NewValidationError("cover URL cannot be empty")
	}
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", apperrors.NewValidationError("invalid cover URL: " + url)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", apperrors.NewNetworkError("failed to download cover art", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", apperrors.NewNetworkError("cover art request failed", nil).WithStatusCode(resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", apperrors.NewNetworkError("failed to read cover art body", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}

	if m.config.ArtworkSize > 0 {
		if resized, err := downscaleImage(data, m.config.ArtworkSize); err == nil {
			return resized, mimeType, nil
		}
		// Undecodable or already small enough: embed as downloaded.
	}
	return data, mimeType, nil
}

// downscaleImage shrinks an image so its longest edge is at most
// maxEdge, preserving aspect ratio. Images within the limit are
// returned unchanged.
func downscaleImage(data []byte, maxEdge int) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewFormatError("failed to decode cover image", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxEdge && height <= maxEdge {
		return data, nil
	}

	var resized image.Image
	if width >= height {
		resized = resize.Resize(uint(maxEdge), 0, img, resize.Lanczos3)
	} else {
		resized = resize.Resize(0, uint(maxEdge), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, resized)
	default:
		err = jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		return nil, apperrors.NewFormatError("failed to encode resized cover", err)
	}
	return buf.Bytes(), nil
}
