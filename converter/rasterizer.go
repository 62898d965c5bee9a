package converter

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"convertd/blobstore"
	"convertd/models"
)

var pdftoppmCorruptMarkers = []string{
	"May not be a PDF file",
	"Couldn't read xref table",
	"Couldn't find trailer dictionary",
	"Syntax Error",
}

// Rasterizer renders PDF pages to images with pdftoppm. A single page yields
// the image; several pages yield a zip of images.
type Rasterizer struct {
	runner
}

// NewRasterizer returns a Rasterizer that runs binary.
func NewRasterizer(binary string, blobs blobstore.Store, tempDir string) *Rasterizer {
	return &Rasterizer{runner{binary: binary, blobs: blobs, tempDir: tempDir, corrupt: pdftoppmCorruptMarkers}}
}

func (r *Rasterizer) Name() string {
	return "rasterizer"
}

// pageCount opens the document to check it is readable.
func pageCount(data []byte) (n int, err error) {
	// the parser panics on some malformed inputs
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	n = reader.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("document has no pages")
	}
	return n, nil
}

func (r *Rasterizer) Execute(ctx context.Context, req Request) (Output, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	dir, cleanup, err := r.workspace(req.JobID)
	if err != nil {
		return Output{}, err
	}
	defer cleanup()

	input, err := r.fetch(ctx, req.SourceRef)
	if err != nil {
		return Output{}, err
	}
	pages, err := pageCount(input)
	if err != nil {
		return Output{}, newError(models.ErrorInputCorrupt, err, "unreadable document")
	}

	span := models.PageRange{First: 1, Last: pages}
	if pr := req.Options.PageRange; pr != nil {
		if pr.Last > pages {
			return Output{}, newError(models.ErrorInputCorrupt, nil, "page range %s exceeds %d pages", pr, pages)
		}
		span = *pr
	}

	inPath := filepath.Join(dir, inputName(req.SourceFormat))
	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return Output{}, newError(models.ErrorProcessFailure, err, "write input file")
	}
	outDir := filepath.Join(dir, "pages")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return Output{}, newError(models.ErrorProcessFailure, err, "create page directory")
	}
	prefix := filepath.Join(outDir, "page")

	if err := r.run(ctx, rasterArgs(inPath, prefix, span, req)); err != nil {
		return Output{}, err
	}

	files, err := collectPages(outDir, req.TargetFormat)
	if err != nil {
		return Output{}, err
	}
	if want := span.Last - span.First + 1; len(files) != want {
		return Output{}, newError(models.ErrorProcessFailure, nil, "expected %d pages, converter wrote %d", want, len(files))
	}

	if len(files) == 1 {
		data, err := readOutput(files[0], req.TargetFormat)
		if err != nil {
			return Output{}, err
		}
		return r.store(ctx, data, req.TargetFormat)
	}

	data, err := zipPages(files, req.TargetFormat, span.First)
	if err != nil {
		return Output{}, err
	}
	return r.store(ctx, data, models.FormatZIP)
}

func pdftoppmFlags(target models.Format) (flag, ext string) {
	switch target {
	case models.FormatJPEG:
		return "-jpeg", "jpg"
	case models.FormatTIFF:
		return "-tiff", "tif"
	default:
		return "-png", "png"
	}
}

// rasterArgs builds the pdftoppm command line.
func rasterArgs(in, prefix string, span models.PageRange, req Request) []string {
	o := req.Options
	flag, _ := pdftoppmFlags(req.TargetFormat)

	dpi := o.DPI
	if dpi == 0 {
		dpi = 150
	}
	args := []string{
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(span.First),
		"-l", strconv.Itoa(span.Last),
		flag,
	}
	if req.TargetFormat == models.FormatJPEG && o.Quality != 0 {
		args = append(args, "-jpegopt", fmt.Sprintf("quality=%d", o.Quality))
	}
	if o.Width != 0 {
		args = append(args, "-scale-to-x", strconv.Itoa(o.Width))
	}
	if o.Height != 0 {
		args = append(args, "-scale-to-y", strconv.Itoa(o.Height))
	}
	if o.Width != 0 && o.Height == 0 {
		args = append(args, "-scale-to-y", "-1")
	}
	if o.Height != 0 && o.Width == 0 {
		args = append(args, "-scale-to-x", "-1")
	}
	if span.First == span.Last {
		args = append(args, "-singlefile")
	}
	return append(args, in, prefix)
}

// collectPages lists rendered pages in page order. pdftoppm names them
// page-N.ext, or page.ext in single-file mode.
func collectPages(outDir string, target models.Format) ([]string, error) {
	_, ext := pdftoppmFlags(target)
	matches, err := filepath.Glob(filepath.Join(outDir, "page*."+ext))
	if err != nil {
		return nil, newError(models.ErrorProcessFailure, err, "list rendered pages")
	}
	if len(matches) == 0 {
		return nil, newError(models.ErrorProcessFailure, nil, "converter produced no output")
	}
	sort.Slice(matches, func(i, j int) bool {
		return pageNumber(matches[i]) < pageNumber(matches[j])
	})
	return matches, nil
}

func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	_, num, ok := strings.Cut(base, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0
	}
	return n
}

// zipPages validates every page and packs them as page-NNN.ext.
func zipPages(files []string, target models.Format, first int) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, f := range files {
		data, err := readOutput(f, target)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("page-%03d.%s", first+i, target.Extension())
		w, err := zw.Create(name)
		if err != nil {
			return nil, newError(models.ErrorProcessFailure, err, "add %s to archive", name)
		}
		if _, err := w.Write(data); err != nil {
			return nil, newError(models.ErrorProcessFailure, err, "add %s to archive", name)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, newError(models.ErrorProcessFailure, err, "finish archive")
	}
	return buf.Bytes(), nil
}
