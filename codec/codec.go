// Package codec holds the decoders a player can switch between: a raw PCM
// passthrough and an ffmpeg backed decoder for compressed containers.
package codec

import (
	"strings"
)

// Type identifies the encoding of a source stream.
type Type int

const (
	TypeUnknown Type = iota
	TypePCM
	TypeMP3
	TypeAAC
	TypeOPUS
	TypeWAV
	TypeAMR
)

var typeNames = map[Type]string{
	TypeUnknown: "unknown",
	TypePCM:     "pcm",
	TypeMP3:     "mp3",
	TypeAAC:     "aac",
	TypeOPUS:    "opus",
	TypeWAV:     "wav",
	TypeAMR:     "amr",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return typeNames[TypeUnknown]
}

var contentTypes = map[string]Type{
	"audio/l16":       TypePCM,
	"audio/pcm":       TypePCM,
	"audio/x-raw":     TypePCM,
	"audio/raw":       TypePCM,
	"audio/mpeg":      TypeMP3,
	"audio/mp3":       TypeMP3,
	"audio/mpeg3":     TypeMP3,
	"audio/x-mpeg-3":  TypeMP3,
	"audio/aac":       TypeAAC,
	"audio/aacp":      TypeAAC,
	"audio/mp4":       TypeAAC,
	"audio/x-m4a":     TypeAAC,
	"audio/opus":      TypeOPUS,
	"audio/ogg":       TypeOPUS,
	"application/ogg": TypeOPUS,
	"audio/wav":       TypeWAV,
	"audio/wave":      TypeWAV,
	"audio/x-wav":     TypeWAV,
	"audio/vnd.wave":  TypeWAV,
	"audio/amr":       TypeAMR,
	"audio/amr-wb":    TypeAMR,
	"audio/3gpp":      TypeAMR,
}

// TypeFromContentType maps a media type, with or without parameters, to a
// codec type.
func TypeFromContentType(contentType string) Type {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if t, ok := contentTypes[mediaType]; ok {
		return t
	}
	return TypeUnknown
}

// ffmpegFormat is the demuxer name passed to ffmpeg for t.
func (t Type) ffmpegFormat() string {
	switch t {
	case TypeMP3:
		return "mp3"
	case TypeAAC:
		return "aac"
	case TypeOPUS:
		return "ogg"
	case TypeWAV:
		return "wav"
	case TypeAMR:
		return "amr"
	default:
		return ""
	}
}
