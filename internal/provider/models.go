// Package provider resolves tracks against lossless streaming sources
// and downloads them. Each provider shares the same request shape and
// verification rules; callers pick providers in fallback order.
package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// Quality tiers accepted by download requests.
const (
	QualityLossless      = "LOSSLESS"
	QualityHiRes         = "HI_RES"
	QualityHiResLossless = "HI_RES_LOSSLESS"
)

// ExistsPrefix marks a result path that was already on disk. The
// download was skipped; strip the prefix to get the file path.
const ExistsPrefix = "EXISTS:"

// DownloadRequest describes one track to resolve and download.
type DownloadRequest struct {
	ISRC        string
	TrackName   string
	ArtistName  string
	AlbumName   string
	AlbumArtist string
	ReleaseDate string
	TrackNumber int
	TotalTracks int
	DiscNumber  int

	// SourceID is the catalog ID of the track at the originating
	// service, used for link-relation lookups.
	SourceID string

	DurationMS int

	Quality          string
	OutputDir        string
	FilenameTemplate string

	// ItemID keys progress reporting; empty disables tracking.
	ItemID string

	CoverURL             string
	EmbedLyrics          bool
	SaveLyricsFile       bool
	EmbedMaxQualityCover bool
}

// Result is the outcome of a successful download.
type Result struct {
	FilePath   string
	BitDepth   int
	SampleRate int
}

// AlreadyExists reports whether the result points at a pre-existing
// file rather than a fresh download.
func (r Result) AlreadyExists() bool {
	return strings.HasPrefix(r.FilePath, ExistsPrefix)
}

// Path returns the file path with any exists marker stripped.
func (r Result) Path() string {
	return strings.TrimPrefix(r.FilePath, ExistsPrefix)
}

// DefaultFilenameTemplate is used when a request leaves the template empty.
const DefaultFilenameTemplate = "{artist} - {title}"

// BuildFilename renders a filename (without extension) from a template
// with {title}, {artist}, {album}, {track}, {disc} and {year}
// placeholders, then strips characters unsafe on common filesystems.
func BuildFilename(template string, req DownloadRequest) string {
	if template == "" {
		template = DefaultFilenameTemplate
	}

	replacements := map[string]string{
		"{title}":  req.TrackName,
		"{artist}": req.ArtistName,
		"{album}":  req.AlbumName,
		"{year}":   yearOf(req.ReleaseDate),
	}
	if req.TrackNumber > 0 {
		replacements["{track}"] = fmt.Sprintf("%02d", req.TrackNumber)
	} else {
		replacements["{track}"] = ""
	}
	if req.DiscNumber > 0 {
		replacements["{disc}"] = strconv.Itoa(req.DiscNumber)
	} else {
		replacements["{disc}"] = ""
	}

	name := template
	for placeholder, value := range replacements {
		name = strings.ReplaceAll(name, placeholder, value)
	}
	return SanitizeFilename(name)
}

// SanitizeFilename replaces characters that are invalid in filenames
// on common filesystems and trims leading/trailing dots and spaces.
func SanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	name = replacer.Replace(name)
	name = strings.Trim(name, " .")
	if name == "" {
		name = "track"
	}
	return name
}

func yearOf(releaseDate string) string {
	if len(releaseDate) < 4 {
		return ""
	}
	year := releaseDate[:4]
	if _, err := strconv.Atoi(year); err != nil {
		return ""
	}
	return year
}
