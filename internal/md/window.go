package md

import "errors"

// Window is a fixed-size rolling window of float samples.
type Window struct {
	values []float64
	size   int
	index  int
	filled bool
	sum    float64
}

func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1
	}
	return &Window{
		values: make([]float64, size),
		size:   size,
	}
}

func (w *Window) Add(value float64) {
	if w.filled {
		w.sum -= w.values[w.index]
	}
	w.values[w.index] = value
	w.sum += value
	w.index = (w.index + 1) % w.size
	if w.index == 0 {
		w.filled = true
	}
}

func (w *Window) Len() int {
	if w.filled {
		return w.size
	}
	return w.index
}

func (w *Window) Full() bool {
	return w.filled
}

// Values returns the samples oldest first.
func (w *Window) Values() []float64 {
	length := w.Len()
	result := make([]float64, 0, length)
	if length == 0 {
		return result
	}
	if w.filled {
		result = append(result, w.values[w.index:]...)
	}
	result = append(result, w.values[:w.index]...)
	return result
}

// Mean is the simple moving average over the whole window.
func (w *Window) Mean() (float64, error) {
	if !w.filled {
		return 0, errors.New("not enough data for mean")
	}
	return w.sum / float64(w.size), nil
}
