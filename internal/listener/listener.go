// Package listener owns the main thread's accept loop and the dispatch
// of freshly accepted connections to worker threads.
package listener

import (
	"context"
	"net"
	"runtime"
	"sync/atomic"

	"github.com/tindra/clusterproxy/internal/logger"
	"github.com/tindra/clusterproxy/internal/ratelimit"
)

// acceptsPerTick is the hard cap on connections accepted in one pass of
// the accept loop, so a connection storm cannot starve everything else
// the process needs to do.
const acceptsPerTick = 1000

// Worker is the subset of scheduler.Worker the listener depends on,
// kept narrow so this package never imports scheduler directly.
type Worker interface {
	Submit(id uint64, conn net.Conn)
}

// Listener accepts TCP connections on the sockets bound by Listen and
// hands each to a worker chosen by `client_id mod worker_count`.
type Listener struct {
	workers []Worker
	limiter *ratelimit.Limiter
	nextID  atomic.Uint64

	listeners []net.Listener
}

// New creates a Listener that will dispatch across workers.
func New(workers []Worker, limiter *ratelimit.Limiter) *Listener {
	return &Listener{workers: workers, limiter: limiter}
}

// Listen binds one TCP socket on addr (host:port) and returns once
// listening has started, or a bind error, which the caller should treat
// as fatal. Only the address family of addr is bound; no second socket
// is opened for the other family.
func (l *Listener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.listeners = append(l.listeners, ln)
	return nil
}

// Serve runs the accept loop until ctx is canceled. Each accept-tick
// accepts at most acceptsPerTick connections before yielding, so a
// connection storm cannot starve the rest of the process.
func (l *Listener) Serve(ctx context.Context) {
	for _, ln := range l.listeners {
		go l.acceptLoop(ctx, ln)
	}
	<-ctx.Done()
	for _, ln := range l.listeners {
		_ = ln.Close()
	}
}

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener) {
	accepted := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warning("accept error: %v", err)
			continue
		}
		accepted++
		if accepted >= acceptsPerTick {
			accepted = 0
			runtime.Gosched()
		}
		if l.limiter != nil && !l.limiter.AllowConnection(conn.RemoteAddr()) {
			_ = conn.Close()
			continue
		}
		l.dispatch(conn)
	}
}

// dispatch implements `client_id mod worker_count` assignment and the
// NONE -> LINKED transition: Submit hands the connection to the chosen
// worker's own goroutine, where read/close are the worker's exclusive
// responsibility from then on.
func (l *Listener) dispatch(conn net.Conn) {
	id := l.nextID.Add(1)
	w := l.workers[int(id)%len(l.workers)]
	w.Submit(id, conn)
}
