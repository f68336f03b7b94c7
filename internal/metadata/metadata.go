// Package metadata embeds tags, artwork and lyrics into downloaded
// audio files and probes their stream parameters.
package metadata

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacpicture/v2"
	"github.com/go-flac/flacvorbis/v2"
	"github.com/go-flac/go-flac/v2"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// Manager handles metadata operations for audio files.
type Manager struct {
	config *Config
}

// Config contains metadata configuration.
type Config struct {
	EmbedArtwork bool
	ArtworkSize  int
}

// Track contains the tag fields written into a downloaded file.
type Track struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtist string
	ReleaseDate string // YYYY-MM-DD or bare year
	TrackNumber int
	TotalTracks int
	DiscNumber  int
	ISRC        string
}

// NewManager creates a metadata manager.
func NewManager(config *Config) *Manager {
	if config == nil {
		config = &Config{
			EmbedArtwork: true,
			ArtworkSize:  1200,
		}
	}
	return &Manager{config: config}
}

// Apply writes track tags and optional cover art into an audio file.
// coverData may be nil. Unsupported container formats (the DASH .m4a
// path) return a format error the caller can treat as non-fatal.
func (m *Manager) Apply(filePath string, track *Track, coverData []byte, coverMIME string) error {
	if track == nil {
		return apperrors.NewValidationError("track metadata cannot be nil")
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".flac":
		return m.applyFLAC(filePath, track, coverData, coverMIME)
	case ".mp3":
		return m.applyMP3(filePath, track, coverData, coverMIME)
	default:
		return apperrors.NewFormatError(fmt.Sprintf("unsupported container for tagging: %s", filepath.Ext(filePath)), nil)
	}
}

func (m *Manager) applyFLAC(filePath string, track *Track, coverData []byte, coverMIME string) error {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return apperrors.NewFormatError("failed to parse FLAC file", err)
	}

	cmt, cmtIdx := findVorbisComment(f)
	if cmt == nil {
		cmt = flacvorbis.New()
	}

	set := func(key, value string) {
		if value != "" {
			replaceComment(cmt, key, value)
		}
	}
	set(flacvorbis.FIELD_TITLE, track.Title)
	set(flacvorbis.FIELD_ARTIST, track.Artist)
	set(flacvorbis.FIELD_ALBUM, track.Album)
	set("ALBUMARTIST", track.AlbumArtist)
	set(flacvorbis.FIELD_DATE, track.ReleaseDate)
	set(flacvorbis.FIELD_ISRC, track.ISRC)
	if track.TrackNumber > 0 {
		replaceComment(cmt, flacvorbis.FIELD_TRACKNUMBER, strconv.Itoa(track.TrackNumber))
	}
	if track.TotalTracks > 0 {
		replaceComment(cmt, "TRACKTOTAL", strconv.Itoa(track.TotalTracks))
	}
	if track.DiscNumber > 0 {
		replaceComment(cmt, "DISCNUMBER", strconv.Itoa(track.DiscNumber))
	}

	block := cmt.Marshal()
	if cmtIdx >= 0 {
		f.Meta[cmtIdx] = &block
	} else {
		f.Meta = append(f.Meta, &block)
	}

	if m.config.EmbedArtwork && len(coverData) > 0 {
		if coverMIME == "" {
			coverMIME = "image/jpeg"
		}
		pic, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, "Front Cover", coverData, coverMIME)
		if err != nil {
			return apperrors.NewFormatError("failed to build FLAC picture block", err)
		}
		picBlock := pic.Marshal()
		if idx := findPictureBlock(f); idx >= 0 {
			f.Meta[idx] = &picBlock
		} else {
			f.Meta = append(f.Meta, &picBlock)
		}
	}

	if err := f.Save(filePath); err != nil {
		return apperrors.NewFileSystemError("failed to save FLAC file", err)
	}
	return nil
}

func (m *Manager) applyMP3(filePath string, track *Track, coverData []byte, coverMIME string) error {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return apperrors.NewFormatError("failed to open MP3 file", err)
	}
	defer tag.Close()

	tag.SetVersion(4)

	if track.Title != "" {
		tag.SetTitle(track.Title)
	}
	if track.Artist != "" {
		tag.SetArtist(track.Artist)
	}
	if track.Album != "" {
		tag.SetAlbum(track.Album)
	}
	if track.AlbumArtist != "" {
		tag.DeleteFrames("TPE2")
		tag.AddTextFrame("TPE2", id3v2.EncodingUTF8, track.AlbumArtist)
	}
	if year := extractYear(track.ReleaseDate); year != "" {
		tag.SetYear(year)
	}
	if track.TrackNumber > 0 {
		trackStr := strconv.Itoa(track.TrackNumber)
		if track.TotalTracks > 0 {
			trackStr = fmt.Sprintf("%d/%d", track.TrackNumber, track.TotalTracks)
		}
		tag.AddTextFrame(tag.CommonID("Track number/Position in set"), id3v2.EncodingUTF8, trackStr)
	}
	if track.DiscNumber > 0 {
		tag.DeleteFrames("TPOS")
		tag.AddTextFrame("TPOS", id3v2.EncodingUTF8, strconv.Itoa(track.DiscNumber))
	}
	if track.ISRC != "" {
		tag.AddTextFrame(tag.CommonID("ISRC"), id3v2.EncodingUTF8, track.ISRC)
	}

	if m.config.EmbedArtwork && len(coverData) > 0 {
		if coverMIME == "" {
			coverMIME = "image/jpeg"
		}
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    coverMIME,
			PictureType: id3v2.PTFrontCover,
			Description: "Front Cover",
			Picture:     coverData,
		})
	}

	if err := tag.Save(); err != nil {
		return apperrors.NewFileSystemError("failed to save MP3 metadata", err)
	}
	return nil
}

// ReadStreamQuality probes a FLAC file's STREAMINFO for its bit depth
// and sample rate. The relay download path has no quality parameter, so
// the actual quality is read back from the file itself.
func (m *Manager) ReadStreamQuality(filePath string) (bitDepth, sampleRate int, err error) {
	if strings.ToLower(filepath.Ext(filePath)) != ".flac" {
		return 0, 0, apperrors.NewFormatError("stream quality probe requires a FLAC file", nil)
	}

	f, err := flac.ParseFile(filePath)
	if err != nil {
		return 0, 0, apperrors.NewFormatError("failed to parse FLAC file", err)
	}
	info, err := f.GetStreamInfo()
	if err != nil {
		return 0, 0, apperrors.NewFormatError("FLAC file has no STREAMINFO block", err)
	}
	return info.BitDepth, info.SampleRate, nil
}

// findVorbisComment returns the parsed Vorbis comment block and its
// index in f.Meta, or (nil, -1).
func findVorbisComment(f *flac.File) (*flacvorbis.MetaDataBlockVorbisComment, int) {
	for i, block := range f.Meta {
		if block.Type == flac.VorbisComment {
			cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
			if err == nil {
				return cmt, i
			}
		}
	}
	return nil, -1
}

func findPictureBlock(f *flac.File) int {
	for i, block := range f.Meta {
		if block.Type == flac.Picture {
			return i
		}
	}
	return -1
}

// replaceComment drops any existing values for a field before adding
// the new one, so re-tagging never accumulates duplicates.
func replaceComment(cmt *flacvorbis.MetaDataBlockVorbisComment, key, value string) {
	prefix := strings.ToUpper(key) + "="
	kept := cmt.Comments[:0]
	for _, c := range cmt.Comments {
		if !strings.HasPrefix(strings.ToUpper(c), prefix) {
			kept = append(kept, c)
		}
	}
	cmt.Comments = kept
	cmt.Add(key, value)
}

// extractYear pulls the leading year out of a release date. Accepts
// YYYY-MM-DD or a bare year; returns "" for anything else.
func extractYear(releaseDate string) string {
	if len(releaseDate) < 4 {
		return ""
	}
	year := releaseDate[:4]
	if _, err := strconv.Atoi(year); err != nil {
		return ""
	}
	return year
}
