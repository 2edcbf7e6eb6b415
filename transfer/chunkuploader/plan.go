package chunkuploader

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"
)

// Unchunked is the chunk size that fetches the whole body as one open range.
const Unchunked uint64 = 0

// Plan partitions [0, totalLength) into byte ranges of chunkSize.
//
// Consecutive ranges start chunkSize+1 bytes apart, so every closed range spans chunkSize+1 bytes.
// The first range reaching the end of the resource is left open and ends the plan.
func Plan(totalLength, chunkSize uint64) []ByteRange {
	if chunkSize == Unchunked {
		return []ByteRange{{Start: 0, Open: true}}
	}

	var ranges []ByteRange
	for offset := uint64(0); ; offset += chunkSize + 1 {
		if offset+chunkSize >= totalLength {
			ranges = append(ranges, ByteRange{Start: offset, Open: true})
			return ranges
		}
		ranges = append(ranges, ByteRange{Start: offset, End: offset + chunkSize})
	}
}

// ChunkSchedule is the sequence of chunk sizes tried, one per session attempt.
type ChunkSchedule []uint64

// DefaultChunkSchedule starts with 20 MiB chunks, then 50 MiB, then a single stream.
var DefaultChunkSchedule = ChunkSchedule{20 * units.MiB, 50 * units.MiB, Unchunked}

// ParseChunkSchedule parses a comma or pipe separated list such as "20MiB,50MiB,unchunked".
func ParseChunkSchedule(s string) (ChunkSchedule, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("chunk schedule is empty")
	}

	schedule := make(ChunkSchedule, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if strings.EqualFold(field, "unchunked") || field == "0" {
			schedule = append(schedule, Unchunked)
			continue
		}

		size, err := units.RAMInBytes(field)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", field, err)
		}
		if size <= 0 {
			return nil, fmt.Errorf("chunk size must be positive: %q", field)
		}
		schedule = append(schedule, uint64(size))
	}

	return schedule, nil
}

func (s ChunkSchedule) String() string {
	parts := make([]string, 0, len(s))
	for _, size := range s {
		parts = append(parts, chunkSizeString(size))
	}
	return strings.Join(parts, ",")
}

func chunkSizeString(size uint64) string {
	if size == Unchunked {
		return "unchunked"
	}
	return units.BytesSize(float64(size))
}

// dropEmptyTail removes a trailing open range that starts at the end of the resource. Such a range holds no
// bytes and the source would answer it with 416 Range Not Satisfiable.
func dropEmptyTail(ranges []ByteRange, totalLength uint64) []ByteRange {
	if n := len(ranges); n > 1 && ranges[n-1].Open && ranges[n-1].Start >= totalLength {
		return ranges[:n-1]
	}
	return ranges
}
