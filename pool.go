package main

// scratch holds the working planes of one binarization: the grayscale plane
// and its summed-area table, (w+1)*(h+1) entries with a zero first row and column.
type scratch struct {
	w, h int
	gray []uint8
	sat  []int64
}

func (s *scratch) resize(w, h int) {
	s.w, s.h = w, h
	if n := w * h; cap(s.gray) < n {
		s.gray = make([]uint8, n)
	} else {
		s.gray = s.gray[:n]
	}
	if n := (w + 1) * (h + 1); cap(s.sat) < n {
		s.sat = make([]int64, n)
	} else {
		s.sat = s.sat[:n]
	}
}

// bufferPool keeps a few scratch buffers so steady-state frames do not allocate.
// Buffers are cleared when released and handed to one invocation at a time.
type bufferPool struct {
	free chan *scratch
}

func newBufferPool(size int) *bufferPool {
	if size < 1 {
		size = 1
	}
	return &bufferPool{free: make(chan *scratch, size)}
}

func (p *bufferPool) acquire(w, h int) *scratch {
	var s *scratch
	select {
	case s = <-p.free:
	default:
		s = &scratch{}
	}
	s.resize(w, h)
	return s
}

func (p *bufferPool) release(s *scratch) {
	clear(s.gray)
	clear(s.sat)
	select {
	case p.free <- s:
	default:
	}
}

// with runs fn with a buffer sized for a w×h image and releases it afterwards.
func (p *bufferPool) with(w, h int, fn func(s *scratch)) {
	s := p.acquire(w, h)
	defer p.release(s)
	fn(s)
}
