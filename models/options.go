package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Recognised option keys.
const (
	OptionQuality      = "quality"
	OptionWidth        = "width"
	OptionHeight       = "height"
	OptionFrameRate    = "frame_rate"
	OptionAudioBitrate = "audio_bitrate"
	OptionDPI          = "dpi"
	OptionPageRange    = "page_range"
)

type intBounds struct{ min, max int }

var intOptions = map[string]intBounds{
	OptionQuality:      {1, 100},
	OptionWidth:        {1, 8192},
	OptionHeight:       {1, 8192},
	OptionFrameRate:    {1, 120},
	OptionAudioBitrate: {32, 512},
	OptionDPI:          {36, 600},
}

// OptionKeys lists every recognised key in lexical order.
func OptionKeys() []string {
	keys := make([]string, 0, len(intOptions)+1)
	for k := range intOptions {
		keys = append(keys, k)
	}
	keys = append(keys, OptionPageRange)
	sort.Strings(keys)
	return keys
}

// PageRange is an inclusive, 1-based page interval.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

func (p PageRange) String() string {
	if p.First == p.Last {
		return strconv.Itoa(p.First)
	}
	return fmt.Sprintf("%d-%d", p.First, p.Last)
}

// ParsePageRange accepts "N" or "N-M" with 1 <= N <= M.
func ParsePageRange(s string) (PageRange, error) {
	s = strings.TrimSpace(s)
	first, last, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return PageRange{}, fmt.Errorf("invalid page range %q", s)
	}
	b := a
	if found {
		b, err = strconv.Atoi(strings.TrimSpace(last))
		if err != nil {
			return PageRange{}, fmt.Errorf("invalid page range %q", s)
		}
	}
	if a < 1 || b < a {
		return PageRange{}, fmt.Errorf("invalid page range %q", s)
	}
	return PageRange{First: a, Last: b}, nil
}

// Options carries converter parameters. Zero-valued fields are unset.
type Options struct {
	Quality      int        `json:"quality,omitempty"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	FrameRate    int        `json:"frame_rate,omitempty"`
	AudioBitrate int        `json:"audio_bitrate,omitempty"`
	DPI          int        `json:"dpi,omitempty"`
	PageRange    *PageRange `json:"page_range,omitempty"`
}

// OptionError reports a single rejected option.
type OptionError struct {
	Key    string
	Reason string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("option %q: %s", e.Key, e.Reason)
}

// ParseOptions builds Options from raw key/value strings, rejecting unknown keys
// and out-of-range values.
func ParseOptions(raw map[string]string) (Options, error) {
	var o Options
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(raw[k])
		if k == OptionPageRange {
			pr, err := ParsePageRange(v)
			if err != nil {
				return Options{}, &OptionError{Key: k, Reason: err.Error()}
			}
			o.PageRange = &pr
			continue
		}
		bounds, ok := intOptions[k]
		if !ok {
			return Options{}, &OptionError{Key: k, Reason: "unrecognized option"}
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, &OptionError{Key: k, Reason: fmt.Sprintf("not an integer: %q", v)}
		}
		if n < bounds.min || n > bounds.max {
			return Options{}, &OptionError{Key: k, Reason: fmt.Sprintf("must be between %d and %d", bounds.min, bounds.max)}
		}
		o.set(k, n)
	}
	return o, nil
}

func (o *Options) set(key string, n int) {
	switch key {
	case OptionQuality:
		o.Quality = n
	case OptionWidth:
		o.Width = n
	case OptionHeight:
		o.Height = n
	case OptionFrameRate:
		o.FrameRate = n
	case OptionAudioBitrate:
		o.AudioBitrate = n
	case OptionDPI:
		o.DPI = n
	}
}

// Keys returns the keys that are set, in lexical order.
func (o Options) Keys() []string {
	var keys []string
	for k, v := range map[string]int{
		OptionQuality:      o.Quality,
		OptionWidth:        o.Width,
		OptionHeight:       o.Height,
		OptionFrameRate:    o.FrameRate,
		OptionAudioBitrate: o.AudioBitrate,
		OptionDPI:          o.DPI,
	} {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	if o.PageRange != nil {
		keys = append(keys, OptionPageRange)
	}
	sort.Strings(keys)
	return keys
}
