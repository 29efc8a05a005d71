package chunk

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func TestPlanCoversFileExactly(t *testing.T) {
	sizes := []int64{0, 1, 1023, 1024, 1025, 10 * 1024 * 1024, 10*1024*1024 + 17}
	chunkSizes := []int64{1, 7, 1024, 1024 * 1024}

	for _, size := range sizes {
		for _, chunkSize := range chunkSizes {
			if size/chunkSize > 200000 {
				continue
			}
			ranges, err := Plan(size, chunkSize)
			if err != nil {
				t.Fatalf("Plan(%d, %d) failed: %v", size, chunkSize, err)
			}

			wantCount := int((size + chunkSize - 1) / chunkSize)
			if len(ranges) != wantCount {
				t.Fatalf("Plan(%d, %d): expected %d ranges, got %d", size, chunkSize, wantCount, len(ranges))
			}

			var total, offset int64
			for i, r := range ranges {
				if r.Index != i || r.Offset != offset {
					t.Fatalf("Plan(%d, %d): range %d has index %d offset %d", size, chunkSize, i, r.Index, r.Offset)
				}
				if i < len(ranges)-1 && r.Size != chunkSize {
					t.Fatalf("Plan(%d, %d): non-final range %d has size %d", size, chunkSize, i, r.Size)
				}
				if r.Size <= 0 || r.Size > chunkSize {
					t.Fatalf("Plan(%d, %d): range %d has invalid size %d", size, chunkSize, i, r.Size)
				}
				total += r.Size
				offset = r.End()
			}
			if total != size {
				t.Fatalf("Plan(%d, %d): sizes sum to %d", size, chunkSize, total)
			}
		}
	}
}

func TestPlanLastChunkSize(t *testing.T) {
	ranges, err := Plan(2500, 1000)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(ranges) != 3 || ranges[2].Size != 500 || ranges[2].Offset != 2000 {
		t.Fatalf("unexpected plan: %+v", ranges)
	}
}

func TestPlanRejectsInvalidChunkSize(t *testing.T) {
	if _, err := Plan(10, 0); !errors.Is(err, ErrInvalidChunkSize) {
		t.Fatalf("expected ErrInvalidChunkSize, got %v", err)
	}
	if _, err := At(10, 4, 3); err == nil {
		t.Fatalf("expected out of range index to fail")
	}
}

func TestChunkCountLimit(t *testing.T) {
	if err := CheckCount(MaxCount, 1); err != nil {
		t.Fatalf("exactly MaxCount chunks should pass, got %v", err)
	}
	if err := CheckCount(12*1024*1024, 1); !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("expected ErrTooManyChunks, got %v", err)
	}
	if _, err := Plan(MaxCount+1, 1); !errors.Is(err, ErrTooManyChunks) {
		t.Fatalf("Plan should refuse oversized plans, got %v", err)
	}
}

func TestSizeForRaisesSmallChunks(t *testing.T) {
	if got := SizeFor(10*1024*1024, 1024*1024); got != 1024*1024 {
		t.Fatalf("chunk size within the limit changed to %d", got)
	}

	const fileSize = 100 * 1024 * 1024 * 1024
	got := SizeFor(fileSize, 4096)
	if got <= 4096 {
		t.Fatalf("expected a larger chunk size, got %d", got)
	}
	if count := Count(fileSize, got); count > MaxCount {
		t.Fatalf("SizeFor(%d) still needs %d chunks", got, count)
	}
	if err := CheckCount(fileSize, got); err != nil {
		t.Fatalf("CheckCount failed: %v", err)
	}
}

func TestMissing(t *testing.T) {
	if got := Missing(5, []int{0, 1, 3}); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("expected [2 4], got %v", got)
	}
	if got := Missing(3, nil); !reflect.DeepEqual(got, []int{0, 1, 2}) {
		t.Fatalf("expected all missing, got %v", got)
	}
	if got := Missing(0, nil); len(got) != 0 {
		t.Fatalf("expected nothing missing, got %v", got)
	}
}

func TestReadWriteRange(t *testing.T) {
	src := bytes.NewReader([]byte("0123456789"))
	ranges, err := Plan(10, 4)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	data, err := ReadRange(src, ranges[2])
	if err != nil {
		t.Fatalf("ReadRange failed: %v", err)
	}
	if string(data) != "89" {
		t.Fatalf("unexpected last chunk %q", data)
	}

	if _, err := ReadRange(bytes.NewReader([]byte("01")), ranges[1]); err == nil {
		t.Fatalf("expected short source to fail")
	}
}
