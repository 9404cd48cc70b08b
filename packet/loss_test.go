package packet

import (
	"errors"
	"reflect"
	"testing"

	"github.com/zsiec/srtkit/internal/seq"
)

const rangeBit = 1 << 31

// expand turns a sorted list of lost sequence numbers into ranges of
// consecutive values.
func expand(nums []uint32) []LossRange {
	var out []LossRange
	for _, n := range nums {
		s := seq.New(n)
		if len(out) > 0 && out[len(out)-1].To.Inc() == s {
			out[len(out)-1].To = s
			continue
		}
		out = append(out, LossRange{From: s, To: s})
	}
	return out
}

func TestLossCompression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		lost       []uint32
		compressed []uint32
	}{
		{
			name:       "single run",
			lost:       []uint32{13, 14, 15, 16, 17, 18, 19},
			compressed: []uint32{13 | rangeBit, 19},
		},
		{
			name:       "mixed",
			lost:       []uint32{1, 2, 3, 4, 5, 9, 11, 12, 13, 16, 17},
			compressed: []uint32{1 | rangeBit, 5, 9, 11 | rangeBit, 13, 16 | rangeBit, 17},
		},
		{
			name:       "pair",
			lost:       []uint32{15, 16},
			compressed: []uint32{15 | rangeBit, 16},
		},
		{
			name:       "large values",
			lost:       []uint32{1_687_761_238, 1_687_761_239},
			compressed: []uint32{1_687_761_238 | rangeBit, 1_687_761_239},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ranges := expand(tc.lost)
			got := CompressLossList(ranges)
			if !reflect.DeepEqual(got, tc.compressed) {
				t.Errorf("compressed = %v, want %v", got, tc.compressed)
			}
			back, err := DecompressLossList(got)
			if err != nil {
				t.Fatalf("DecompressLossList: %v", err)
			}
			if !reflect.DeepEqual(back, ranges) {
				t.Errorf("decompressed = %v, want %v", back, ranges)
			}
			if Count(back) != len(tc.lost) {
				t.Errorf("Count = %d, want %d", Count(back), len(tc.lost))
			}
		})
	}
}

func TestDecompressUnterminatedRange(t *testing.T) {
	t.Parallel()

	_, err := DecompressLossList([]uint32{10 | rangeBit})
	if !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("err = %v, want ErrMalformedHeader", err)
	}
}

func TestDecompressInvertedRange(t *testing.T) {
	t.Parallel()

	_, err := DecompressLossList([]uint32{10 | rangeBit, 1})
	if !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("err = %v, want ErrMalformedHeader", err)
	}
}

func TestLossRangeAcrossWrap(t *testing.T) {
	t.Parallel()

	ranges := []LossRange{{From: seq.Max - 1, To: 1}}
	back, err := DecompressLossList(CompressLossList(ranges))
	if err != nil {
		t.Fatal(err)
	}
	if Count(back) != 4 {
		t.Errorf("Count = %d, want 4", Count(back))
	}
}
