package workloads

import "sort"

// drain keeps workload results observable so the compiler cannot discard
// the measured computation.
var drain uint64

func init() {
	Register("sort", newSortWorkload)
	Register("sum", newSumWorkload)
	Register("copy", newCopyWorkload)
	Register("spin", newSpinWorkload)
}

// newSortWorkload sorts a pseudo-randomly refilled []int each trial. The
// refill happens in Before so only the sort itself is measured.
func newSortWorkload() Workload {
	var buf []int
	seed := uint64(1)
	return Workload{
		Name:        "sort",
		Description: "sort a pseudo-random []int of the given size",
		Before: func(size int) {
			if cap(buf) < size {
				buf = make([]int, size)
			}
			buf = buf[:size]
			for i := range buf {
				seed = seed*6364136223846793005 + 1442695040888963407
				buf[i] = int(seed >> 33)
			}
		},
		Operation: func(size int) {
			sort.Ints(buf)
		},
	}
}

func newSumWorkload() Workload {
	var buf []uint64
	return Workload{
		Name:        "sum",
		Description: "sum a []uint64 of the given size",
		Before: func(size int) {
			if len(buf) != size {
				buf = make([]uint64, size)
				for i := range buf {
					buf[i] = uint64(i) * 2654435761
				}
			}
		},
		Operation: func(size int) {
			var acc uint64
			for _, v := range buf {
				acc += v
			}
			drain = acc
		},
	}
}

func newCopyWorkload() Workload {
	var src, dst []byte
	return Workload{
		Name:        "copy",
		Description: "copy the given number of bytes between two buffers",
		Before: func(size int) {
			if len(src) != size {
				src = make([]byte, size)
				dst = make([]byte, size)
				for i := range src {
					src[i] = byte(i)
				}
			}
		},
		Operation: func(size int) {
			copy(dst, src)
		},
	}
}

func newSpinWorkload() Workload {
	return Workload{
		Name:        "spin",
		Description: "run an arithmetic loop for the given number of iterations",
		Operation: func(size int) {
			acc := uint64(1)
			for i := 0; i < size; i++ {
				acc = acc*2654435761 + uint64(i)
			}
			drain = acc
		},
	}
}
