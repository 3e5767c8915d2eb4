package tensor

import (
	"runtime"
	"sync"
)

// minParallelWork keeps tiny loops on the calling goroutine.
const minParallelWork = 1 << 14

// parallelFor splits [0,n) into contiguous chunks across NumCPU goroutines.
// work is an estimate of the per-item cost used to skip fan-out for small jobs.
func parallelFor(n, work int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	parallelism := runtime.NumCPU()
	if parallelism > n {
		parallelism = n
	}
	if parallelism <= 1 || n*work < minParallelWork {
		fn(0, n)
		return
	}
	chunkSize := (n + parallelism - 1) / parallelism

	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(i, end)
	}
	wg.Wait()
}
