package provider

import (
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/flacbridge/flacbridge-go/internal/errors"
)

// Manifest is the decoded form of a base64 stream manifest. Exactly one
// of DirectURL or (InitURL, MediaURLs) is populated: BTS manifests carry
// a direct file URL, DASH manifests a segmented stream.
type Manifest struct {
	DirectURL string
	InitURL   string
	MediaURLs []string
}

// IsSegmented reports whether the manifest describes a DASH stream.
func (m Manifest) IsSegmented() bool {
	return m.DirectURL == ""
}

// btsManifest is the application/vnd.tidal.bts JSON manifest.
type btsManifest struct {
	MimeType       string   `json:"mimeType"`
	Codecs         string   `json:"codecs"`
	EncryptionType string   `json:"encryptionType"`
	URLs           []string `json:"urls"`
}

// mpd is the subset of a DASH MPD document the segment builder needs.
type mpd struct {
	XMLName xml.Name `xml:"MPD"`
	Period  struct {
		AdaptationSet struct {
			Representation struct {
				SegmentTemplate struct {
					Initialization string `xml:"initialization,attr"`
					Media          string `xml:"media,attr"`
					Timeline       struct {
						Segments []struct {
							Duration int `xml:"d,attr"`
							Repeat   int `xml:"r,attr"`
						} `xml:"S"`
					} `xml:"SegmentTimeline"`
				} `xml:"SegmentTemplate"`
			} `xml:"Representation"`
		} `xml:"AdaptationSet"`
	} `xml:"Period"`
}

var (
	initAttrRe  = regexp.MustCompile(`initialization="([^"]+)"`)
	mediaAttrRe = regexp.MustCompile(`media="([^"]+)"`)
	segmentRe   = regexp.MustCompile(`<S d="\d+"(?: r="(\d+)")?`)
)

// ParseManifest decodes a base64 stream manifest. A JSON body is a BTS
// manifest with direct URLs; anything else is parsed as a DASH MPD and
// expanded into an init URL plus numbered media segment URLs.
func ParseManifest(manifestB64 string) (Manifest, error) {
	manifestBytes, err := base64.StdEncoding.DecodeString(manifestB64)
	if err != nil {
		return Manifest{}, apperrors.NewFormatError("failed to decode manifest", err)
	}

	manifestStr := string(manifestBytes)

	if strings.HasPrefix(manifestStr, "{") {
		var bts btsManifest
		if err := json.Unmarshal(manifestBytes, &bts); err != nil {
			return Manifest{}, apperrors.NewFormatError("failed to parse BTS manifest", err)
		}
		if len(bts.URLs) == 0 {
			return Manifest{}, apperrors.NewFormatError("no URLs in BTS manifest", nil)
		}
		return Manifest{DirectURL: bts.URLs[0]}, nil
	}

	var doc mpd
	if err := xml.Unmarshal(manifestBytes, &doc); err != nil {
		return Manifest{}, apperrors.NewFormatError("failed to parse manifest XML", err)
	}

	segTemplate := doc.Period.AdaptationSet.Representation.SegmentTemplate
	initURL := segTemplate.Initialization
	mediaTemplate := segTemplate.Media

	// Fallback for documents the strict decoder misses attributes on.
	if initURL == "" || mediaTemplate == "" {
		if match := initAttrRe.FindStringSubmatch(manifestStr); len(match) > 1 {
			initURL = match[1]
		}
		if match := mediaAttrRe.FindStringSubmatch(manifestStr); len(match) > 1 {
			mediaTemplate = match[1]
		}
	}

	if initURL == "" {
		return Manifest{}, apperrors.NewFormatError("no initialization URL found in manifest", nil)
	}

	initURL = strings.ReplaceAll(initURL, "&amp;", "&")
	mediaTemplate = strings.ReplaceAll(mediaTemplate, "&amp;", "&")

	segmentCount := 0
	for _, seg := range segTemplate.Timeline.Segments {
		segmentCount += seg.Repeat + 1
	}
	if segmentCount == 0 {
		for _, match := range segmentRe.FindAllStringSubmatch(manifestStr, -1) {
			repeat := 0
			if len(match) > 1 && match[1] != "" {
				fmt.Sscanf(match[1], "%d", &repeat)
			}
			segmentCount += repeat + 1
		}
	}

	mediaURLs := make([]string, 0, segmentCount)
	for i := 1; i <= segmentCount; i++ {
		mediaURLs = append(mediaURLs, strings.ReplaceAll(mediaTemplate, "$Number$", fmt.Sprintf("%d", i)))
	}

	return Manifest{InitURL: initURL, MediaURLs: mediaURLs}, nil
}
