// Package router maps (source, target) format pairs to the converter that
// can perform them. It is pure: no I/O, no state.
package router

import (
	"errors"
	"fmt"
	"sort"

	"convertd/models"
)

// ErrUnsupported is returned for a pair no converter handles.
var ErrUnsupported = errors.New("unsupported conversion")

// Converter names a converter family.
type Converter string

const (
	Transcoder Converter = "transcoder"
	Rasterizer Converter = "rasterizer"
)

// Decision is the outcome of routing a supported pair.
type Decision struct {
	Converter Converter
	Source    models.Format
	Target    models.Format
	// Options lists the option keys the converter accepts for this pair.
	Options []string
}

// Accepts reports whether key may be supplied for this pair.
func (d Decision) Accepts(key string) bool {
	for _, k := range d.Options {
		if k == key {
			return true
		}
	}
	return false
}

// CheckOptions rejects set options that this pair does not accept.
func (d Decision) CheckOptions(o models.Options) error {
	for _, k := range o.Keys() {
		if !d.Accepts(k) {
			return &models.OptionError{Key: k, Reason: fmt.Sprintf("not applicable to %s -> %s", d.Source, d.Target)}
		}
	}
	if o.Quality != 0 && d.Converter == Rasterizer && d.Target != models.FormatJPEG {
		return &models.OptionError{Key: models.OptionQuality, Reason: "only applies to image/jpeg output"}
	}
	return nil
}

var (
	videoFormats = []models.Format{models.FormatMP4, models.FormatWebM, models.FormatMKV, models.FormatMOV, models.FormatAVI}
	audioFormats = []models.Format{models.FormatMP3, models.FormatWAV, models.FormatOGG, models.FormatFLAC, models.FormatAAC, models.FormatM4A}
	imageFormats = []models.Format{models.FormatPNG, models.FormatJPEG, models.FormatGIF, models.FormatWebP, models.FormatBMP, models.FormatTIFF}

	videoTargets = []models.Format{models.FormatMP4, models.FormatWebM, models.FormatAVI, models.FormatGIF}
	audioTargets = []models.Format{models.FormatMP3, models.FormatWAV, models.FormatOGG, models.FormatFLAC}
	imageTargets = []models.Format{models.FormatPNG, models.FormatJPEG, models.FormatWebP, models.FormatBMP, models.FormatGIF, models.FormatTIFF}
	pageTargets  = []models.Format{models.FormatPNG, models.FormatJPEG, models.FormatTIFF}
)

type pairKey struct {
	from models.Category
	to   models.Category
}

var pairOptions = map[pairKey][]string{
	{models.CategoryVideo, models.CategoryVideo}:    {models.OptionAudioBitrate, models.OptionFrameRate, models.OptionHeight, models.OptionQuality, models.OptionWidth},
	{models.CategoryVideo, models.CategoryImage}:    {models.OptionFrameRate, models.OptionHeight, models.OptionWidth},
	{models.CategoryVideo, models.CategoryAudio}:    {models.OptionAudioBitrate},
	{models.CategoryAudio, models.CategoryAudio}:    {models.OptionAudioBitrate},
	{models.CategoryImage, models.CategoryImage}:    {models.OptionHeight, models.OptionQuality, models.OptionWidth},
	{models.CategoryDocument, models.CategoryImage}: {models.OptionDPI, models.OptionHeight, models.OptionPageRange, models.OptionQuality, models.OptionWidth},
}

type capability struct {
	converter Converter
	targets   map[models.Format]bool
}

var table = buildTable()

func buildTable() map[models.Format]capability {
	t := make(map[models.Format]capability)
	add := func(sources []models.Format, conv Converter, targets ...[]models.Format) {
		set := make(map[models.Format]bool)
		for _, group := range targets {
			for _, f := range group {
				set[f] = true
			}
		}
		for _, s := range sources {
			t[s] = capability{converter: conv, targets: set}
		}
	}
	add(videoFormats, Transcoder, videoTargets, audioTargets)
	add(audioFormats, Transcoder, audioTargets)
	add(imageFormats, Transcoder, imageTargets)
	add([]models.Format{models.FormatPDF}, Rasterizer, pageTargets)
	return t
}

// Route decides which converter handles src -> dst. The same inputs always
// yield the same decision.
func Route(src, dst models.Format) (Decision, error) {
	c, ok := table[src]
	if !ok || !c.targets[dst] {
		return Decision{}, fmt.Errorf("%w: %s -> %s", ErrUnsupported, src, dst)
	}
	return Decision{
		Converter: c.converter,
		Source:    src,
		Target:    dst,
		Options:   pairOptions[pairKey{src.Category(), dst.Category()}],
	}, nil
}

// Capability describes one source format and everything it converts to.
type Capability struct {
	Source    models.Format   `json:"source"`
	Converter Converter       `json:"converter"`
	Targets   []models.Format `json:"targets"`
}

// Capabilities returns the full table, sorted by source.
func Capabilities() []Capability {
	out := make([]Capability, 0, len(table))
	for src, c := range table {
		targets := make([]models.Format, 0, len(c.targets))
		for f := range c.targets {
			targets = append(targets, f)
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
		out = append(out, Capability{Source: src, Converter: c.converter, Targets: targets})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
