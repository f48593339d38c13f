// Package uploader implements the client side of the resumable chunked-upload
// protocol: chunk planning, durable session state, per-chunk transport with
// retry and backoff, and the orchestrating state machine.
package uploader

import (
	"fmt"
	"unicode/utf16"
)

// DefaultChunkSize is 1MB, matching the server's accepted chunk sizing.
const DefaultChunkSize int64 = 1 * 1024 * 1024

// ByteRange is a half-open range [Start, End) of the source file.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// DeriveSessionID derives the stable session identifier from the file
// identity triple. The same triple always yields the same id, which is what
// lets a restarted client find its previous state. The hash is the classic
// 31-multiplier string hash truncated to 32 bits; collisions between
// different files are possible, so the server additionally verifies the
// identity attributes before accepting a resume.
func DeriveSessionID(fileName string, size int64, lastModified int64) string {
	str := fmt.Sprintf("%s-%d-%d", fileName, size, lastModified)
	var hash int32
	for _, unit := range utf16.Encode([]rune(str)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	return fmt.Sprintf("file-%d", abs)
}

// PlanChunks partitions [0, size) into ceil(size/chunkSize) half-open ranges
// covering it exactly; only the last range may be shorter. Pure and
// deterministic: the same inputs always produce the same plan.
func PlanChunks(size int64, chunkSize int64) []ByteRange {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	totalChunks := (size + chunkSize - 1) / chunkSize
	ranges := make([]ByteRange, 0, totalChunks)
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	return ranges
}
