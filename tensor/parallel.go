package tensor

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// parallelFor 并发执行 fn(0..n-1), 各任务只写互不重叠的输出区间, 结果与串行一致
func parallelFor(n int, fn func(i int)) {
	if n <= 1 {
		if n == 1 {
			fn(0)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
