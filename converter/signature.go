package converter

import (
	"bytes"

	"convertd/models"
)

// MatchesSignature reports whether data starts with the magic bytes of format.
func MatchesSignature(format models.Format, data []byte) bool {
	switch format {
	case models.FormatMP4, models.FormatMOV, models.FormatM4A:
		return len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp"))
	case models.FormatWebM, models.FormatMKV:
		return bytes.HasPrefix(data, []byte{0x1A, 0x45, 0xDF, 0xA3})
	case models.FormatAVI:
		return riff(data, "AVI ")
	case models.FormatWAV:
		return riff(data, "WAVE")
	case models.FormatWebP:
		return riff(data, "WEBP")
	case models.FormatGIF:
		return bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a"))
	case models.FormatMP3:
		// ID3 tag or a bare MPEG frame sync
		return bytes.HasPrefix(data, []byte("ID3")) || (len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0)
	case models.FormatOGG:
		return bytes.HasPrefix(data, []byte("OggS"))
	case models.FormatFLAC:
		return bytes.HasPrefix(data, []byte("fLaC"))
	case models.FormatAAC:
		return len(data) >= 2 && data[0] == 0xFF && data[1]&0xF6 == 0xF0
	case models.FormatPNG:
		return bytes.HasPrefix(data, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'})
	case models.FormatJPEG:
		return bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF})
	case models.FormatTIFF:
		return bytes.HasPrefix(data, []byte{'I', 'I', 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{'M', 'M', 0x00, 0x2A})
	case models.FormatBMP:
		return bytes.HasPrefix(data, []byte("BM"))
	case models.FormatPDF:
		return bytes.HasPrefix(data, []byte("%PDF-"))
	case models.FormatZIP:
		return bytes.HasPrefix(data, []byte{'P', 'K', 0x03, 0x04})
	}
	return false
}

func riff(data []byte, form string) bool {
	return len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == form
}
