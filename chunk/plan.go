// Package chunk splits files into fixed-size byte ranges and tracks the
// per-transfer state shared by the sender and the receiver.
package chunk

import (
	"errors"
	"fmt"
	"io"
)

// MaxCount bounds the chunks of one transfer so the missing set stays small
// enough for a single manifest ack.
const MaxCount = 1 << 20

var (
	// ErrInvalidChunkSize is returned for a chunk size that is not positive.
	ErrInvalidChunkSize = errors.New("chunk: chunk size must be > 0")
	// ErrTooManyChunks is returned when a plan would exceed MaxCount.
	ErrTooManyChunks = errors.New("chunk: too many chunks")
)

// Range is one contiguous byte range of a file.
type Range struct {
	Index  int
	Offset int64
	Size   int64
}

// End returns the offset one past the last byte of the range.
func (r Range) End() int64 {
	return r.Offset + r.Size
}

// Count returns ceil(fileSize/chunkSize), or 0 for an empty file.
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		chunks++
	}
	return int(chunks)
}

// CheckCount fails with ErrTooManyChunks when fileSize split into chunkSize
// pieces exceeds MaxCount.
func CheckCount(fileSize, chunkSize int64) error {
	if chunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if count := Count(fileSize, chunkSize); count > MaxCount {
		return fmt.Errorf("%w: %d bytes in %d byte chunks needs %d, limit %d", ErrTooManyChunks, fileSize, chunkSize, count, MaxCount)
	}
	return nil
}

// SizeFor returns chunkSize, raised if needed so fileSize fits in MaxCount chunks.
func SizeFor(fileSize, chunkSize int64) int64 {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if Count(fileSize, chunkSize) <= MaxCount {
		return chunkSize
	}
	return (fileSize + MaxCount - 1) / MaxCount
}

// Plan returns the ordered ranges covering fileSize bytes. Every range but the
// last is exactly chunkSize long.
func Plan(fileSize, chunkSize int64) ([]Range, error) {
	if chunkSize <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if fileSize < 0 {
		return nil, fmt.Errorf("chunk: negative file size %d", fileSize)
	}

	if err := CheckCount(fileSize, chunkSize); err != nil {
		return nil, err
	}

	count := Count(fileSize, chunkSize)
	ranges := make([]Range, count)
	for i := range ranges {
		r, _ := At(fileSize, chunkSize, i)
		ranges[i] = r
	}
	return ranges, nil
}

// At returns the range with the given index without building the full plan.
func At(fileSize, chunkSize int64, index int) (Range, error) {
	if chunkSize <= 0 {
		return Range{}, ErrInvalidChunkSize
	}
	count := Count(fileSize, chunkSize)
	if index < 0 || index >= count {
		return Range{}, fmt.Errorf("chunk: index %d out of range for %d chunks", index, count)
	}

	offset := int64(index) * chunkSize
	size := chunkSize
	if index == count-1 {
		size = fileSize - chunkSize*int64(count-1)
	}
	return Range{Index: index, Offset: offset, Size: size}, nil
}

// Missing returns, ascending, every index in [0, count) not present in completed.
func Missing(count int, completed []int) []int {
	done := make(map[int]struct{}, len(completed))
	for _, index := range completed {
		done[index] = struct{}{}
	}

	missing := make([]int, 0, count)
	for i := 0; i < count; i++ {
		if _, ok := done[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReadRange reads exactly the bytes of r from src.
func ReadRange(src io.ReaderAt, r Range) ([]byte, error) {
	buffer := make([]byte, r.Size)
	n, err := src.ReadAt(buffer, r.Offset)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == r.Size) {
		return nil, fmt.Errorf("read chunk %d at offset %d: %w", r.Index, r.Offset, err)
	}
	return buffer, nil
}

// WriteRange writes data at the range offset of dst. The data length must
// match the range size.
func WriteRange(dst io.WriterAt, r Range, data []byte) error {
	if int64(len(data)) != r.Size {
		return fmt.Errorf("chunk %d: got %d bytes, want %d", r.Index, len(data), r.Size)
	}
	if _, err := dst.WriteAt(data, r.Offset); err != nil {
		return fmt.Errorf("write chunk %d at offset %d: %w", r.Index, r.Offset, err)
	}
	return nil
}
