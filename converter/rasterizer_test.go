package converter

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convertd/models"
	"convertd/router"
)

// fakePdftoppm writes one PNG per requested page, honouring -f, -l and
// -singlefile the way pdftoppm names its files.
const fakePdftoppm = `first=1; last=1; single=0; prefix=""
while [ $# -gt 0 ]; do
  case "$1" in
    -f) first=$2; shift 2 ;;
    -l) last=$2; shift 2 ;;
    -r|-jpegopt|-scale-to-x|-scale-to-y) shift 2 ;;
    -singlefile) single=1; shift ;;
    *) prefix=$1; shift ;;
  esac
done
if [ $single = 1 ]; then
  printf '\211PNG\r\n\032\nsingle' > "$prefix.png"
  exit 0
fi
i=$first
while [ $i -le $last ]; do
  printf '\211PNG\r\n\032\npage' > "$prefix-$i.png"
  i=$((i+1))
done`

func newRasterRequest(ref string, opts models.Options) Request {
	return Request{
		JobID:        "job-pdf",
		SourceRef:    ref,
		SourceFormat: models.FormatPDF,
		TargetFormat: models.FormatPNG,
		Options:      opts,
		Deadline:     time.Now().Add(10 * time.Second),
	}
}

func TestPageCount(t *testing.T) {
	n, err := pageCount(buildPDF(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = pageCount([]byte("%PDF-1.4 truncated"))
	assert.Error(t, err)
}

func TestRasterizerSinglePage(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, buildPDF(1))
	work := t.TempDir()
	r := NewRasterizer(writeScript(t, fakePdftoppm), blobs, work)

	out, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{}))
	require.NoError(t, err)
	assert.Equal(t, models.FormatPNG, out.Format)
	assert.Equal(t, 1, blobs.putCount())
	assert.True(t, emptyDir(t, work))
}

func TestRasterizerMultiplePagesAreZipped(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, buildPDF(4))
	r := NewRasterizer(writeScript(t, fakePdftoppm), blobs, t.TempDir())

	out, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{
		PageRange: &models.PageRange{First: 2, Last: 4},
	}))
	require.NoError(t, err)
	assert.Equal(t, models.FormatZIP, out.Format)
	assert.Equal(t, 1, blobs.putCount())

	data, err := blobs.Get(context.Background(), out.Ref)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"page-002.png", "page-003.png", "page-004.png"}, names)
}

func TestRasterizerPageRangeBeyondDocument(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, buildPDF(2))
	r := NewRasterizer(writeScript(t, fakePdftoppm), blobs, t.TempDir())

	_, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{
		PageRange: &models.PageRange{First: 1, Last: 5},
	}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorInputCorrupt, KindOf(err))
	assert.Equal(t, 0, blobs.putCount())
}

func TestRasterizerCorruptDocument(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, []byte("this is not a pdf at all"))
	r := NewRasterizer(writeScript(t, fakePdftoppm), blobs, t.TempDir())

	_, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorInputCorrupt, KindOf(err))
}

func TestRasterizerStderrMarker(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, buildPDF(1))
	r := NewRasterizer(writeScript(t, "echo \"Syntax Error: Couldn't read xref table\" >&2; exit 1"), blobs, t.TempDir())

	_, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorInputCorrupt, KindOf(err))
}

func TestRasterizerMissingPages(t *testing.T) {
	blobs := newMemBlobs()
	ref := blobs.seed(t, buildPDF(3))
	script := `for last; do :; done
printf '\211PNG\r\n\032\npage' > "$last-1.png"`
	r := NewRasterizer(writeScript(t, script), blobs, t.TempDir())

	_, err := r.Execute(context.Background(), newRasterRequest(ref, models.Options{}))
	require.Error(t, err)
	assert.Equal(t, models.ErrorProcessFailure, KindOf(err))
	assert.Equal(t, 0, blobs.putCount())
}

func TestRasterArgs(t *testing.T) {
	req := Request{TargetFormat: models.FormatJPEG, Options: models.Options{DPI: 300, Quality: 85, Width: 800}}
	args := rasterArgs("in.pdf", "out/page", models.PageRange{First: 2, Last: 2}, req)
	assert.Equal(t, []string{
		"-r", "300", "-f", "2", "-l", "2", "-jpeg",
		"-jpegopt", "quality=85",
		"-scale-to-x", "800", "-scale-to-y", "-1",
		"-singlefile",
		"in.pdf", "out/page",
	}, args)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup(router.Transcoder)
	assert.False(t, ok)

	RegisterDefaults(reg, Settings{FFmpegPath: writeScript(t, writeWebM), PdftoppmPath: "definitely-not-installed-pdftoppm"}, newMemBlobs())
	a, ok := reg.Lookup(router.Transcoder)
	require.True(t, ok)
	assert.Equal(t, "transcoder", a.Name())
	_, ok = reg.Lookup(router.Rasterizer)
	assert.False(t, ok)
}

func TestSignatures(t *testing.T) {
	cases := map[models.Format][]byte{
		models.FormatMP4:  []byte("\x00\x00\x00\x18ftypisom"),
		models.FormatWebM: {0x1A, 0x45, 0xDF, 0xA3, 0x01},
		models.FormatAVI:  []byte("RIFF\x00\x00\x00\x00AVI LIST"),
		models.FormatWAV:  []byte("RIFF\x00\x00\x00\x00WAVEfmt "),
		models.FormatWebP: []byte("RIFF\x00\x00\x00\x00WEBPVP8 "),
		models.FormatGIF:  []byte("GIF89a..."),
		models.FormatMP3:  []byte("ID3\x04\x00"),
		models.FormatOGG:  []byte("OggS\x00"),
		models.FormatFLAC: []byte("fLaC\x00"),
		models.FormatPNG:  {0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'},
		models.FormatJPEG: {0xFF, 0xD8, 0xFF, 0xE0},
		models.FormatTIFF: {'I', 'I', 0x2A, 0x00},
		models.FormatBMP:  []byte("BM\x00\x00"),
		models.FormatZIP:  {'P', 'K', 0x03, 0x04},
	}
	for format, data := range cases {
		assert.True(t, MatchesSignature(format, data), format)
		assert.False(t, MatchesSignature(format, []byte("plain text body")), format)
	}
	assert.False(t, MatchesSignature(models.FormatAVI, []byte("RIFF\x00\x00\x00\x00WAVEfmt ")))
}
