package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bogem/id3v2/v2"
	"github.com/go-flac/flacvorbis/v2"
	"github.com/go-flac/go-flac/v2"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// EmbedLyrics writes LRC-formatted lyrics into an audio file. FLAC
// stores them in the LYRICS Vorbis field; MP3 in a USLT frame.
func (m *Manager) EmbedLyrics(filePath, lrc string) error {
	if strings.TrimSpace(lrc) == "" {
		return apperrors.NewValidationError("lyrics cannot be empty")
	}

	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".flac":
		return m.embedFLACLyrics(filePath, lrc)
	case ".mp3":
		return m.embedMP3Lyrics(filePath, lrc)
	default:
		return apperrors.NewFormatError(fmt.Sprintf("unsupported container for lyrics: %s", filepath.Ext(filePath)), nil)
	}
}

func (m *Manager) embedFLACLyrics(filePath, lrc string) error {
	f, err := flac.ParseFile(filePath)
	if err != nil {
		return apperrors.NewFormatError("failed to parse FLAC file", err)
	}

	cmt, cmtIdx := findVorbisComment(f)
	if cmt == nil {
		cmt = flacvorbis.New()
	}
	replaceComment(cmt, "LYRICS", lrc)

	block := cmt.Marshal()
	if cmtIdx >= 0 {
		f.Meta[cmtIdx] = &block
	} else {
		f.Meta = append(f.Meta, &block)
	}

	if err := f.Save(filePath); err != nil {
		return apperrors.NewFileSystemError("failed to save FLAC file", err)
	}
	return nil
}

func (m *Manager) embedMP3Lyrics(filePath, lrc string) error {
	tag, err := id3v2.Open(filePath, id3v2.Options{Parse: true})
	if err != nil {
		return apperrors.NewFormatError("failed to open MP3 file", err)
	}
	defer tag.Close()

	tag.DeleteFrames(tag.CommonID("Unsynchronised lyrics/text transcription"))
	tag.AddUnsynchronisedLyricsFrame(id3v2.UnsynchronisedLyricsFrame{
		Encoding:          id3v2.EncodingUTF8,
		Language:          "eng",
		ContentDescriptor: "",
		Lyrics:            lrc,
	})

	if err := tag.Save(); err != nil {
		return apperrors.NewFileSystemError("failed to save MP3 file", err)
	}
	return nil
}

// SaveLyricsFile writes lyrics to a sidecar .lrc next to the audio file.
func SaveLyricsFile(audioFilePath, lrc string) error {
	if strings.TrimSpace(lrc) == "" {
		return apperrors.NewValidationError("lyrics cannot be empty")
	}
	lrcPath := strings.TrimSuffix(audioFilePath, filepath.Ext(audioFilePath)) + ".lrc"
	if err := os.WriteFile(lrcPath, []byte(lrc), 0644); err != nil {
		return apperrors.NewFileSystemError("failed to write lyrics file", err)
	}
	return nil
}
