// Package parallel runs a launch grid of independent workgroups on host
// goroutines.
package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// chunksPerWorker is how many pieces each worker's share of a grid is cut
// into, so workers that finish early pick up the tail.
const chunksPerWorker = 4

// Config sets how many goroutines share one grid. Fewer than two runs the
// grid on the calling goroutine.
type Config struct {
	Workers int
}

// DefaultConfig uses one worker per usable CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.GOMAXPROCS(0)}
}

// ForGrid calls f once for every point of a 3-D launch grid, x fastest.
// Points are independent; f must not assume any ordering between them.
func ForGrid(grid [3]int, f func(x, y, z int), cfg Config) {
	nx, ny, nz := grid[0], grid[1], grid[2]
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return
	}
	total := nx * ny * nz
	run := func(start, end int) {
		for i := start; i < end; i++ {
			f(i%nx, (i/nx)%ny, i/(nx*ny))
		}
	}

	workers := min(cfg.Workers, total)
	if workers < 2 {
		run(0, total)
		return
	}
	chunk := max(total/(workers*chunksPerWorker), 1)
	var next atomic.Int64
	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for {
				start := int(next.Add(int64(chunk))) - chunk
				if start >= total {
					return
				}
				run(start, min(start+chunk, total))
			}
		})
	}
	wg.Wait()
}
