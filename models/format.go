package models

import (
	"fmt"
	"sort"
	"strings"
)

// Format is a canonical MIME tag identifying a media format.
type Format string

// Category groups formats handled by the same converter family.
type Category string

const (
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryImage    Category = "image"
	CategoryDocument Category = "document"
	CategoryArchive  Category = "archive"
)

const (
	FormatMP4  Format = "video/mp4"
	FormatWebM Format = "video/webm"
	FormatMKV  Format = "video/x-matroska"
	FormatMOV  Format = "video/quicktime"
	FormatAVI  Format = "video/x-msvideo"

	FormatMP3  Format = "audio/mpeg"
	FormatWAV  Format = "audio/wav"
	FormatOGG  Format = "audio/ogg"
	FormatFLAC Format = "audio/flac"
	FormatAAC  Format = "audio/aac"
	FormatM4A  Format = "audio/mp4"

	FormatPNG  Format = "image/png"
	FormatJPEG Format = "image/jpeg"
	FormatGIF  Format = "image/gif"
	FormatWebP Format = "image/webp"
	FormatBMP  Format = "image/bmp"
	FormatTIFF Format = "image/tiff"

	FormatPDF Format = "application/pdf"
	FormatZIP Format = "application/zip"
)

type formatInfo struct {
	category  Category
	extension string
	aliases   []string
}

var formats = map[Format]formatInfo{
	FormatMP4:  {CategoryVideo, "mp4", []string{"mp4", "m4v"}},
	FormatWebM: {CategoryVideo, "webm", []string{"webm"}},
	FormatMKV:  {CategoryVideo, "mkv", []string{"mkv"}},
	FormatMOV:  {CategoryVideo, "mov", []string{"mov"}},
	FormatAVI:  {CategoryVideo, "avi", []string{"avi"}},

	FormatMP3:  {CategoryAudio, "mp3", []string{"mp3", "audio/mp3"}},
	FormatWAV:  {CategoryAudio, "wav", []string{"wav", "audio/x-wav", "audio/wave"}},
	FormatOGG:  {CategoryAudio, "ogg", []string{"ogg", "oga"}},
	FormatFLAC: {CategoryAudio, "flac", []string{"flac", "audio/x-flac"}},
	FormatAAC:  {CategoryAudio, "aac", []string{"aac"}},
	FormatM4A:  {CategoryAudio, "m4a", []string{"m4a", "audio/x-m4a"}},

	FormatPNG:  {CategoryImage, "png", []string{"png"}},
	FormatJPEG: {CategoryImage, "jpg", []string{"jpg", "jpeg", "image/jpg"}},
	FormatGIF:  {CategoryImage, "gif", []string{"gif"}},
	FormatWebP: {CategoryImage, "webp", []string{"webp"}},
	FormatBMP:  {CategoryImage, "bmp", []string{"bmp", "image/x-ms-bmp"}},
	FormatTIFF: {CategoryImage, "tiff", []string{"tif", "tiff"}},

	FormatPDF: {CategoryDocument, "pdf", []string{"pdf"}},
	FormatZIP: {CategoryArchive, "zip", []string{"zip"}},
}

// aliasIndex resolves every accepted spelling to its canonical tag.
var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]Format {
	idx := make(map[string]Format, len(formats)*3)
	for f, info := range formats {
		idx[string(f)] = f
		for _, a := range info.aliases {
			idx[a] = f
		}
	}
	return idx
}

// ParseFormat normalises a MIME tag, alias or bare extension into a canonical Format.
func ParseFormat(s string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.TrimPrefix(key, ".")
	if i := strings.IndexByte(key, ';'); i >= 0 {
		key = strings.TrimSpace(key[:i])
	}
	if key == "" {
		return "", fmt.Errorf("empty format")
	}
	f, ok := aliasIndex[key]
	if !ok {
		return "", fmt.Errorf("unknown format %q", s)
	}
	return f, nil
}

// Known reports whether f is a canonical tag.
func (f Format) Known() bool {
	_, ok := formats[f]
	return ok
}

// Category returns the family f belongs to, or "" for unknown tags.
func (f Format) Category() Category {
	return formats[f].category
}

// Extension returns the file extension used when writing f to disk.
func (f Format) Extension() string {
	if info, ok := formats[f]; ok {
		return info.extension
	}
	return "bin"
}

func (f Format) String() string {
	return string(f)
}

// Formats lists every canonical tag in lexical order.
func Formats() []Format {
	out := make([]Format, 0, len(formats))
	for f := range formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
