package nn

import (
	"runtime"
	"sync"
)

// parallelUnits runs fn for every unit in [0, n), giving each worker its own
// scratch buffer of scratchLen floats.
func parallelUnits(n int, fn func(unit int, scratch []float32), scratchLen int) {
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		scratch := make([]float32, scratchLen)
		for u := 0; u < n; u++ {
			fn(u, scratch)
		}
		return
	}
	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			scratch := make([]float32, scratchLen)
			for u := start; u < end; u++ {
				fn(u, scratch)
			}
		}(i, end)
	}
	wg.Wait()
}
