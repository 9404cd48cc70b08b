package packet

import (
	"github.com/zsiec/srtkit/internal/seq"
)

const lossRangeFlag = 0x80000000

// CompressLossList encodes loss ranges in the NAK wire form: a single lost
// packet is its sequence number, a range is the first number with the top
// bit set followed by the last number.
func CompressLossList(loss []LossRange) []uint32 {
	out := make([]uint32, 0, 2*len(loss))
	for _, r := range loss {
		if r.From == r.To {
			out = append(out, uint32(r.From))
			continue
		}
		out = append(out, uint32(r.From)|lossRangeFlag, uint32(r.To))
	}
	return out
}

// DecompressLossList decodes a NAK loss list. A range start that is not
// followed by its end, or whose end precedes its start, is malformed.
func DecompressLossList(words []uint32) ([]LossRange, error) {
	out := make([]LossRange, 0, len(words))
	for i := 0; i < len(words); i++ {
		w := words[i]
		if w&lossRangeFlag == 0 {
			n := seq.New(w)
			out = append(out, LossRange{From: n, To: n})
			continue
		}
		if i+1 >= len(words) {
			return nil, malformed("loss list: unterminated range")
		}
		from := seq.New(w)
		to := seq.New(words[i+1])
		if seq.Less(to, from) {
			return nil, malformed("loss list: inverted range")
		}
		out = append(out, LossRange{From: from, To: to})
		i++
	}
	return out, nil
}

// Count returns the number of sequence numbers covered by the ranges.
func Count(loss []LossRange) int {
	total := 0
	for _, r := range loss {
		total += int(seq.Distance(r.From, r.To)) + 1
	}
	return total
}
