// Package ocr treats the meter image recognizer as an opaque collaborator:
// an Extractor produces a best-effort {meter id, reading, confidence} and
// this package decides whether the result is good enough to pre-fill a
// reading intent.
package ocr

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// ErrExtraction indicates the recognizer could not process the image.
var ErrExtraction = errors.New("ocr: extraction failed")

// Result is the recognizer's best-effort output. Confidence is on a 0..1
// scale.
type Result struct {
	MeterID    string  `json:"meterId"`
	Reading    float64 `json:"reading"`
	Confidence float64 `json:"confidence"`
}

// Extractor is the opaque recognition pipeline.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (Result, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, image []byte) (Result, error)

func (f ExtractorFunc) Extract(ctx context.Context, image []byte) (Result, error) {
	return f(ctx, image)
}

const (
	minConfidence = 0.5
	minMeterIDLen = 3
	maxReading    = 999999
)

// Validate decides whether a result may pre-fill a reading form. Every
// defect contributes a suggestion so the operator knows what to retake.
func Validate(r Result) (bool, []string) {
	var suggestions []string
	if r.Reading <= 0 {
		suggestions = append(suggestions, "Pembacaan meter tidak valid. Periksa angka yang terdeteksi.")
	}
	if r.Reading > maxReading {
		suggestions = append(suggestions, "Pembacaan meter terlalu besar. Periksa angka yang terdeteksi.")
	}
	if len(r.MeterID) < minMeterIDLen {
		suggestions = append(suggestions, "ID meter tidak terdeteksi. Periksa apakah ID meter terlihat jelas.")
	}
	if r.Confidence < minConfidence {
		suggestions = append(suggestions, "Kualitas gambar rendah. Coba ambil foto lagi dengan pencahayaan yang lebih baik.")
	}
	return len(suggestions) == 0, suggestions
}

var (
	numberPattern = regexp.MustCompile(`\b(\d+\.?\d*)\b`)
	tokenPattern  = regexp.MustCompile(`\b([A-Za-z0-9]{3,12})\b`)
	digitsOnly    = regexp.MustCompile(`^\d+$`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// ParseMeterText extracts a meter id and a reading from raw recognizer
// text. The first number is the reading; the meter id is the first
// alphanumeric token that is not purely numeric.
func ParseMeterText(text string) (meterID string, reading float64) {
	clean := strings.TrimSpace(whitespace.ReplaceAllString(text, " "))

	if m := numberPattern.FindStringSubmatch(clean); m != nil {
		reading, _ = strconv.ParseFloat(m[1], 64)
	}

	for _, m := range tokenPattern.FindAllStringSubmatch(clean, -1) {
		token := m[1]
		if digitsOnly.MatchString(token) {
			continue
		}
		meterID = token
		break
	}
	return meterID, reading
}
