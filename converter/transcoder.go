package converter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"convertd/blobstore"
	"convertd/models"
)

var ffmpegCorruptMarkers = []string{
	"Invalid data found when processing input",
	"moov atom not found",
	"could not find codec parameters",
	"does not contain any stream",
	"EBML header parsing failed",
}

// Transcoder converts audio, video and raster images with ffmpeg.
type Transcoder struct {
	runner
}

// NewTranscoder returns a Transcoder that runs binary.
func NewTranscoder(binary string, blobs blobstore.Store, tempDir string) *Transcoder {
	return &Transcoder{runner{binary: binary, blobs: blobs, tempDir: tempDir, corrupt: ffmpegCorruptMarkers}}
}

func (t *Transcoder) Name() string {
	return "transcoder"
}

func (t *Transcoder) Execute(ctx context.Context, req Request) (Output, error) {
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	dir, cleanup, err := t.workspace(req.JobID)
	if err != nil {
		return Output{}, err
	}
	defer cleanup()

	input, err := t.fetch(ctx, req.SourceRef)
	if err != nil {
		return Output{}, err
	}
	inPath := filepath.Join(dir, inputName(req.SourceFormat))
	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return Output{}, newError(models.ErrorProcessFailure, err, "write input file")
	}
	outPath := filepath.Join(dir, "output."+req.TargetFormat.Extension())

	if err := t.run(ctx, transcodeArgs(inPath, outPath, req)); err != nil {
		return Output{}, err
	}

	data, err := readOutput(outPath, req.TargetFormat)
	if err != nil {
		return Output{}, err
	}
	return t.store(ctx, data, req.TargetFormat)
}

// transcodeArgs builds the ffmpeg command line.
func transcodeArgs(in, out string, req Request) []string {
	o := req.Options
	src := req.SourceFormat.Category()
	dst := req.TargetFormat.Category()

	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in}

	if dst == models.CategoryAudio && src == models.CategoryVideo {
		args = append(args, "-vn")
	}
	if o.Width != 0 || o.Height != 0 {
		args = append(args, "-vf", scaleFilter(o.Width, o.Height, src == models.CategoryVideo))
	}
	if o.FrameRate != 0 {
		args = append(args, "-r", strconv.Itoa(o.FrameRate))
	}
	if o.AudioBitrate != 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", o.AudioBitrate))
	}
	if o.Quality != 0 {
		args = append(args, qualityArgs(req.TargetFormat, o.Quality)...)
	}
	return append(args, out)
}

// scaleFilter keeps the aspect ratio for an unset dimension; video needs even
// sizes for most encoders.
func scaleFilter(w, h int, video bool) string {
	keep := "-1"
	if video {
		keep = "-2"
	}
	ws, hs := keep, keep
	if w != 0 {
		ws = strconv.Itoa(w)
	}
	if h != 0 {
		hs = strconv.Itoa(h)
	}
	return fmt.Sprintf("scale=%s:%s", ws, hs)
}

// qualityArgs maps 1..100 (higher is better) onto the encoder's own scale.
func qualityArgs(target models.Format, q int) []string {
	switch target {
	case models.FormatMP4, models.FormatAVI:
		return []string{"-crf", strconv.Itoa(51 - q*51/100)}
	case models.FormatWebM:
		return []string{"-crf", strconv.Itoa(63 - q*63/100), "-b:v", "0"}
	case models.FormatJPEG:
		return []string{"-q:v", strconv.Itoa(31 - q*29/100)}
	case models.FormatWebP:
		return []string{"-quality", strconv.Itoa(q)}
	}
	// lossless image targets have no quality knob
	return nil
}
