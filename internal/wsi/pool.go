package wsi

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/slidekick-data/slidekick/internal/transform"
)

// Pool runs all native decoder access on a fixed set of workers. Each
// worker lazily opens and privately owns one Reader per slide path, so
// the non-thread-safe native handles are never shared. The pool is the
// single knob bounding concurrent native reads and open handles: tile
// serving and inference share it.
type Pool struct {
	factory ReaderFactory
	tasks   chan task
	workers []*worker

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	run func(open func(string) (Reader, error))
}

type worker struct {
	id      int
	handles map[string]Reader
	ctrl    chan ctrlMsg
}

type ctrlMsg struct {
	path string // "" means close everything
	done *sync.WaitGroup
}

// NewPool starts n workers backed by the given factory.
func NewPool(factory ReaderFactory, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		factory: factory,
		tasks:   make(chan task),
		workers: make([]*worker, n),
	}
	for i := range p.workers {
		w := &worker{
			id:      i,
			handles: make(map[string]Reader),
			ctrl:    make(chan ctrlMsg),
		}
		p.workers[i] = w
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				w.closeAll()
				return
			}
			t.run(w.open(p.factory))
		case msg := <-w.ctrl:
			if msg.path == "" {
				w.closeAll()
			} else if h, ok := w.handles[msg.path]; ok {
				if err := h.Close(); err != nil {
					log.Printf("wsi: worker %d: close %s: %v", w.id, msg.path, err)
				}
				delete(w.handles, msg.path)
			}
			msg.done.Done()
		}
	}
}

// open returns the lazy per-worker handle accessor bound to this worker.
func (w *worker) open(factory ReaderFactory) func(string) (Reader, error) {
	return func(path string) (Reader, error) {
		if h, ok := w.handles[path]; ok {
			return h, nil
		}
		h, err := factory(path)
		if err != nil {
			return nil, fmt.Errorf("open slide %s: %w", path, err)
		}
		w.handles[path] = h
		return h, nil
	}
}

func (w *worker) closeAll() {
	for path, h := range w.handles {
		if err := h.Close(); err != nil {
			log.Printf("wsi: worker %d: close %s: %v", w.id, path, err)
		}
		delete(w.handles, path)
	}
}

// submit schedules fn on a worker and waits for it (or for ctx). A task
// accepted by a worker always runs to completion even if the caller
// gives up waiting, so a cancelled read never tears a handle mid-use.
func (p *Pool) submit(ctx context.Context, fn func(open func(string) (Reader, error))) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrReaderClosed
	}
	p.mu.Unlock()

	done := make(chan struct{})
	t := task{run: func(open func(string) (Reader, error)) {
		fn(open)
		close(done)
	}}
	select {
	case p.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on a pool slot without touching any handle. Model
// inference and other memory-heavy work goes through here so the pool
// bounds it together with the native reads.
func (p *Pool) Do(ctx context.Context, fn func()) error {
	return p.submit(ctx, func(func(string) (Reader, error)) { fn() })
}

// SlideInfo reads the metadata of a slide file.
func (p *Pool) SlideInfo(ctx context.Context, path string) (Info, error) {
	var info Info
	var err error
	serr := p.submit(ctx, func(open func(string) (Reader, error)) {
		var r Reader
		r, err = open(path)
		if err != nil {
			return
		}
		info = r.Info()
	})
	if serr != nil {
		return Info{}, serr
	}
	return info, err
}

// OpenRegion decodes a level-0 region, clamped to the slide extent
// before the rectangle reaches the native decoder. An empty clamped
// rectangle is an error: there is nothing to decode.
func (p *Pool) OpenRegion(ctx context.Context, path string, x, y, w, h int) (*Region, error) {
	var region *Region
	var err error
	serr := p.submit(ctx, func(open func(string) (Reader, error)) {
		var r Reader
		r, err = open(path)
		if err != nil {
			return
		}
		info := r.Info()
		tr := transform.New(1, info.Width, info.Height)
		b := tr.ClampRect(float64(x), float64(y), float64(w), float64(h))
		if b.Empty() {
			err = fmt.Errorf("region (%d,%d,%d,%d) outside slide extent %dx%d", x, y, w, h, info.Width, info.Height)
			return
		}
		region, err = r.ReadRegion(int(b.XMin), int(b.YMin), int(b.WidthPx()), int(b.HeightPx()))
	})
	if serr != nil {
		return nil, serr
	}
	return region, err
}

// ReadTile renders one pyramid tile as encoded bytes.
func (p *Pool) ReadTile(ctx context.Context, path string, level, col, row int) ([]byte, error) {
	var tile []byte
	var err error
	serr := p.submit(ctx, func(open func(string) (Reader, error)) {
		var r Reader
		r, err = open(path)
		if err != nil {
			return
		}
		tile, err = r.ReadTile(level, col, row)
	})
	if serr != nil {
		return nil, serr
	}
	return tile, err
}

// Invalidate closes and drops every worker's handle for path. Call it
// when the backing file is deleted. A worker busy with a task finishes
// that task on its old handle first; the drop happens between tasks, so
// in-flight reads complete cleanly.
func (p *Pool) Invalidate(path string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w.ctrl <- ctrlMsg{path: path, done: &wg}
	}
	wg.Wait()
}

// Close drains the pool and closes every handle. Submitted tasks that
// were already accepted finish first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.tasks)
	p.wg.Wait()
}
