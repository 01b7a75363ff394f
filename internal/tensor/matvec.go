package tensor

import (
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// parallelThreshold is the matrix size below which MatVec stays on the
// calling goroutine.
const parallelThreshold = 1 << 16

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size  int
	tasks chan matVecTask
}

var (
	matVecWorkPool *matVecPool
	matVecPoolOnce sync.Once
)

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		size := max(runtime.GOMAXPROCS(0), 1)
		p := &matVecPool{size: size, tasks: make(chan matVecTask, size*2)}
		for range size {
			go func() {
				for task := range p.tasks {
					matVecRange(task.dst, task.w, task.x, task.rs, task.re)
					task.done <- struct{}{}
				}
			}()
		}
		matVecWorkPool = p
	})
	return matVecWorkPool
}

// MatVec computes dst = w·x. Rows are independent, so the result does not
// depend on how the work is split.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	if w.R*w.C < parallelThreshold {
		matVecRange(dst, w, x, 0, w.R)
		return
	}

	pool := getMatVecPool()
	workers := min(pool.size, w.R)
	chunk := (w.R + workers - 1) / workers
	done := make(chan struct{}, workers)
	active := 0
	for rs := 0; rs < w.R; rs += chunk {
		pool.tasks <- matVecTask{dst: dst, w: w, x: x, rs: rs, re: min(rs+chunk, w.R), done: done}
		active++
	}
	for range active {
		<-done
	}
}

// matVecRange computes rows [rs, re) of w·x.
func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	rows := blas32.General{
		Rows:   re - rs,
		Cols:   w.C,
		Stride: w.Stride,
		Data:   w.Data[rs*w.Stride : (re-1)*w.Stride+w.C],
	}
	blas32.Gemv(blas.NoTrans, 1, rows, vec(x[:w.C]), 0, vec(dst[rs:re]))
}
