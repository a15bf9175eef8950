package proxy

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/valyala/bytebufferpool"
)

var fragmentPool bytebufferpool.Pool

// fragmentQueue holds request body fragments in arrival order.
type fragmentQueue struct {
	items []*bytebufferpool.ByteBuffer
	size  int
}

func (q *fragmentQueue) push(b *bytebufferpool.ByteBuffer) {
	q.items = append(q.items, b)
	q.size += b.Len()
}

func (q *fragmentQueue) pop() *bytebufferpool.ByteBuffer {
	if len(q.items) == 0 {
		return nil
	}
	b := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.size -= b.Len()
	return b
}

func (q *fragmentQueue) len() int {
	return len(q.items)
}

// reset returns every queued fragment to the pool.
func (q *fragmentQueue) reset() {
	for _, b := range q.items {
		fragmentPool.Put(b)
	}
	q.items = nil
	q.size = 0
}

type bodyEventKind int

const (
	bodyFragment bodyEventKind = iota
	bodyEnd
	bodyFailed
)

type bodyEvent struct {
	kind bodyEventKind
	buf  *bytebufferpool.ByteBuffer
	err  error
}

// bodyPump reads a request body one fragment at a time. A fragment is only
// read after the previous one was asked for with pull, so the reader of the
// events controls how much of the body is in flight.
type bodyPump struct {
	r    io.Reader
	size int

	events chan bodyEvent
	pulls  chan struct{}
	quit   chan struct{}
	done   chan struct{}

	finished bool
}

func startBodyPump(r io.Reader, fragmentSize int) *bodyPump {
	p := &bodyPump{
		r:      r,
		size:   fragmentSize,
		events: make(chan bodyEvent),
		pulls:  make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *bodyPump) run() {
	defer close(p.done)

	for {
		select {
		case <-p.pulls:
		case <-p.quit:
			return
		}

		buf := fragmentPool.Get()
		if cap(buf.B) < p.size {
			buf.B = make([]byte, p.size)
		}
		n, err := p.r.Read(buf.B[:p.size])
		buf.B = buf.B[:n]

		if n > 0 {
			if !p.send(bodyEvent{kind: bodyFragment, buf: buf}) {
				return
			}
		} else {
			fragmentPool.Put(buf)
		}

		switch {
		case errors.Is(err, io.EOF):
			p.send(bodyEvent{kind: bodyEnd})
			return
		case err != nil:
			p.send(bodyEvent{kind: bodyFailed, err: err})
			return
		case n == 0:
			// Nothing was read, read again without waiting for a pull.
			p.pull()
		}
	}
}

func (p *bodyPump) send(ev bodyEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.quit:
		if ev.buf != nil {
			fragmentPool.Put(ev.buf)
		}
		return false
	}
}

// pull asks for the next fragment.
func (p *bodyPump) pull() {
	select {
	case p.pulls <- struct{}{}:
	default:
	}
}

// channel returns the event channel while the body is still being read.
func (p *bodyPump) channel() <-chan bodyEvent {
	if p == nil || p.finished {
		return nil
	}
	return p.events
}

// stop abandons the rest of the body. conn is the connection the body is read
// from; its read deadline is moved to now to unblock a pending read.
func (p *bodyPump) stop(conn net.Conn) {
	if p == nil || p.finished {
		return
	}
	close(p.quit)
	if conn != nil {
		_ = conn.SetReadDeadline(time.Now())
	}
	<-p.done
	p.finished = true
}
