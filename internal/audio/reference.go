// Package audio resolves the audio references returned by the command
// service into playable resources and owns the playback lifecycle.
//
// A reference arrives as a string in one of several historical formats:
// inline base64 (either "base64://..." or a data URL), an absolute URL, a
// path on the service's temp-audio directory, or any other relative path.
// Parse turns that string into a Reference, Resolver.Resolve turns a
// Reference into a PlaybackHandle, and Resolver.Play plays a handle in the
// background and releases it when playback ends.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DefaultMIMEType is assumed for inline audio that carries no type.
const DefaultMIMEType = "audio/wav"

// Reference is a parsed audio pointer. It is one of Base64Payload,
// AbsoluteURL or RelativePath.
type Reference interface {
	// Kind is a short label used in logs and metrics.
	Kind() string
	isReference()
}

// Base64Payload is inline audio that has already been decoded.
type Base64Payload struct {
	Data     []byte
	MIMEType string
}

// AbsoluteURL is played as-is.
type AbsoluteURL struct {
	URL string
}

// RelativePath is resolved against the backend origin.
type RelativePath struct {
	Path string
}

func (Base64Payload) Kind() string { return "base64" }
func (AbsoluteURL) Kind() string   { return "url" }
func (RelativePath) Kind() string  { return "path" }

func (Base64Payload) isReference() {}
func (AbsoluteURL) isReference()   {}
func (RelativePath) isReference()  {}

// ErrEmptyReference is returned by Parse for blank input.
var ErrEmptyReference = errors.New("empty audio reference")

// ServedAudioPath is where the backend serves files from its temp-audio directory.
const ServedAudioPath = "/api/voice/audio/"

var absolutePrefixes = []string{"http://", "https://", "blob:", "file:"}

// Parse classifies an audio reference string.
func Parse(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmptyReference
	}

	switch {
	case strings.HasPrefix(s, "base64://"):
		data, err := decodeBase64(strings.TrimPrefix(s, "base64://"))
		if err != nil {
			return nil, fmt.Errorf("decoding base64 reference: %w", err)
		}
		return Base64Payload{Data: data, MIMEType: DefaultMIMEType}, nil

	case strings.HasPrefix(s, "data:"):
		return parseDataURL(s)
	}

	lower := strings.ToLower(s)
	for _, p := range absolutePrefixes {
		if strings.HasPrefix(lower, p) {
			return AbsoluteURL{URL: s}, nil
		}
	}

	// Files the backend wrote to its temp-audio directory are reachable through
	// the audio endpoint by file name, whatever path the backend reported.
	if (strings.Contains(s, "nlp_service") && strings.Contains(s, "temp_audio")) ||
		strings.Contains(s, "data/temp_audio") {
		return RelativePath{Path: ServedAudioPath + baseName(s)}, nil
	}

	return RelativePath{Path: s}, nil
}

func parseDataURL(s string) (Reference, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL")
	}
	params := strings.Split(header, ";")
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return nil, fmt.Errorf("data URL is not base64 encoded")
	}

	mimeType := strings.TrimSpace(params[0])
	if mimeType == "" {
		mimeType = DefaultMIMEType
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data URL: %w", err)
	}
	return Base64Payload{Data: data, MIMEType: mimeType}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	if data, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// baseName returns the last element of a Windows or POSIX path.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
