package chunkplan

import (
	"errors"
	"math"
)

// ErrDurationUnknown is returned when the audio duration cannot be
// established and chunk boundaries cannot be computed safely.
var ErrDurationUnknown = errors.New("audio duration unknown")

const (
	// maxChunkSeconds caps a single chunk at ten minutes of audio.
	maxChunkSeconds = 600.0
	// minChunkSeconds avoids pathological over-splitting of dense files.
	minChunkSeconds = 30.0
	// safetyFactor targets 80% of the size limit to leave headroom for
	// container overhead in the materialized chunk files.
	safetyFactor = 0.8

	bytesPerMB = 1024 * 1024
)

// Chunk is one time-bounded slice of the source audio.
type Chunk struct {
	Index        int
	StartSeconds float64
	SpanSeconds  float64
}

// Plan computes a deterministic, ordered, contiguous partition of the file's
// duration such that each chunk's estimated size stays under maxChunkSizeMB.
// Files that fit in a single call come back as one chunk covering the whole
// duration. Identical inputs always produce identical boundaries.
func Plan(durationSeconds float64, fileSizeBytes int64, maxChunkSizeMB float64) ([]Chunk, error) {
	if durationSeconds <= 0 || math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) {
		return nil, ErrDurationUnknown
	}
	if fileSizeBytes <= 0 || maxChunkSizeMB <= 0 {
		return nil, ErrDurationUnknown
	}

	span := chunkSpanSeconds(durationSeconds, fileSizeBytes, maxChunkSizeMB)
	if span >= durationSeconds {
		return []Chunk{{Index: 0, StartSeconds: 0, SpanSeconds: durationSeconds}}, nil
	}

	chunks := make([]Chunk, 0, int(durationSeconds/span)+1)
	start := 0.0
	for start < durationSeconds {
		remaining := durationSeconds - start
		chunks = append(chunks, Chunk{
			Index:        len(chunks),
			StartSeconds: start,
			SpanSeconds:  math.Min(span, remaining),
		})
		start += span
	}
	return chunks, nil
}

// chunkSpanSeconds derives the per-chunk duration from the observed
// bytes-per-second rate, capped at ten minutes (or half the total duration
// when shorter) and floored at thirty seconds.
func chunkSpanSeconds(durationSeconds float64, fileSizeBytes int64, maxChunkSizeMB float64) float64 {
	maxSpan := math.Min(maxChunkSeconds, durationSeconds/2)

	sizeMB := float64(fileSizeBytes) / bytesPerMB
	perSecond := sizeMB / durationSeconds

	span := math.Floor(maxChunkSizeMB * safetyFactor / perSecond)
	span = math.Min(span, maxSpan)
	return math.Max(span, minChunkSeconds)
}
