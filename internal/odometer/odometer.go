// Package odometer turns odometer photos into readings. Text extraction is
// delegated to an external OCR service; this package only decides which of
// the extracted numbers is a plausible odometer value.
package odometer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

const (
	MinPlausible = 1000
	MaxPlausible = 999999
)

var (
	ErrNoReading = errors.New("no plausible odometer reading")
	ErrOCR       = errors.New("ocr extraction failed")
)

var (
	digitRun = regexp.MustCompile(`\d+`)
	groupSep = regexp.MustCompile(`(\d),(\d{3})\b`)
)

// Numbers returns every integer found in text. Comma thousands separators
// are dropped first so "12,345" reads as 12345.
func Numbers(text string) []int64 {
	cleaned := groupSep.ReplaceAllString(text, "$1$2")
	var out []int64
	for _, m := range digitRun.FindAllString(cleaned, -1) {
		n, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			// longer than int64; no odometer has that many digits
			continue
		}
		out = append(out, n)
	}
	return out
}

// Plausible picks a reading out of candidates: the first integer in the
// 1,000-999,999 range, else the single largest integer. A non-positive
// result is rejected.
func Plausible(candidates []int64) (float64, error) {
	var largest int64 = -1
	for _, n := range candidates {
		if n >= MinPlausible && n <= MaxPlausible {
			return float64(n), nil
		}
		if n > largest {
			largest = n
		}
	}
	if largest <= 0 {
		return 0, ErrNoReading
	}
	return float64(largest), nil
}

// Extractor is the OCR collaborator: it returns the raw text read from an
// image reference.
type Extractor interface {
	ExtractText(ctx context.Context, image string) (string, error)
}

type Reader struct {
	ocr Extractor
}

func NewReader(ocr Extractor) *Reader {
	return &Reader{ocr: ocr}
}

// Read returns the plausible reading in image. OCR failures wrap ErrOCR and
// unusable text wraps ErrNoReading.
func (r *Reader) Read(ctx context.Context, image string) (float64, error) {
	if r.ocr == nil {
		return 0, fmt.Errorf("%w: no ocr service configured", ErrOCR)
	}
	text, err := r.ocr.ExtractText(ctx, image)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOCR, err)
	}
	v, err := Plausible(Numbers(text))
	if err != nil {
		return 0, fmt.Errorf("%w in %q", err, text)
	}
	return v, nil
}
