// Package scheduler implements the per-thread request-scheduling engine:
// an event loop that owns one worker's clients, drains shared and
// private send/pending queues, and dispatches replies back to clients.
//
// The source this proxy is modeled on drives all of this from raw
// readable/writable socket readiness on a single thread. Idiomatic Go
// reaches for goroutines instead: one blocking-read goroutine per client
// and one per connected upstream socket, all fanning "readable" events
// into a single channel that only the worker's loop goroutine drains.
// That loop goroutine is the sole owner of every shared mutable
// structure (queues, client set, connection pool), the same
// single-owner discipline expressed with channels instead of epoll.
package scheduler

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/tindra/clusterproxy/internal/appErr"
	"github.com/tindra/clusterproxy/internal/logger"
	"github.com/tindra/clusterproxy/internal/metrics"
	"github.com/tindra/clusterproxy/internal/protocol"
	"github.com/tindra/clusterproxy/internal/ratelimit"
	"github.com/tindra/clusterproxy/internal/request"
	"github.com/tindra/clusterproxy/internal/routing"
	"github.com/tindra/clusterproxy/internal/slotmap"
	"github.com/tindra/clusterproxy/internal/upstream"
)

// MultiplexMode selects when a client is switched to a private connection.
type MultiplexMode int

const (
	MultiplexAuto MultiplexMode = iota
	MultiplexNever
	MultiplexAlways
)

// maxSharedQueueLen is the shared-queue depth that triggers auto-multiplex
// promotion of every client on this worker to a private connection.
const maxSharedQueueLen = 5

// maxClientPending is the per-client backpressure cap: once a client has
// this many unresolved requests, the worker stops reading from its
// socket until replies drain the count back down.
const maxClientPending = 256

// clientReadChunk bounds one blocking Read call on a client socket.
const clientReadChunk = 64 * 1024

// Config bundles the scheduler-visible slice of the proxy's configuration.
type Config struct {
	Auth          string
	Multiplex     MultiplexMode
	MaxClients    int
	DumpQueries   bool
}

// event is the single type fanned into a worker's loop from every
// blocking-read goroutine it owns.
type event struct {
	clientData     *clientDataEvent
	clientClosed   *clientClosedEvent
	upstreamData   *upstreamDataEvent
	upstreamClosed *upstreamClosedEvent
	newClient      *Client
}

type clientDataEvent struct {
	clientID uint64
	data     []byte
}

type clientClosedEvent struct {
	clientID uint64
}

type upstreamDataEvent struct {
	shardName string
	private   uint64 // owning client id, or 0 for a shared connection
	data      []byte
}

type upstreamClosedEvent struct {
	shardName string
	private   uint64
}

// Client is one accepted connection bound to exactly one Worker for its
// whole lifetime.
type Client struct {
	ID     uint64
	Addr   string
	conn   net.Conn
	parser *protocol.Parser

	outBuf []byte

	parseQueue *list.List // *request.Request awaiting dispatch, not yet routed

	private      bool
	privateMap   *slotmap.Map
	privateConns map[string]*upstream.Conn
	privateSend  *list.List
	privatePend  *list.List

	pendingCount int // unresolved-request count, touched only by the worker loop
	readPaused   bool

	// paused/resume let the worker loop gate the client's blocking-read
	// goroutine without that goroutine touching any worker-owned state.
	paused atomic.Bool
	resume chan struct{}

	closed bool
}

// Worker is a single-threaded (cooperatively scheduled) scheduling
// engine: one goroutine runs loop() and is the only goroutine that ever
// touches the fields below after construction.
type Worker struct {
	id      int
	workers int
	cfg     Config
	sharedMap *slotmap.Map
	pool      *upstream.Pool
	mx        *metrics.Collector
	limiter   *ratelimit.Limiter

	events chan event

	arena *request.Arena

	clients map[uint64]*Client

	sharedSend *list.List // *request.Request
	sharedPend map[string]*list.List // shard name -> pending FIFO

	wg sync.WaitGroup
}

// NewWorker creates worker id (0-based) of a pool of `workers` total
// worker threads.
func NewWorker(id, workers int, cfg Config, sharedMap *slotmap.Map, pool *upstream.Pool, mx *metrics.Collector, limiter *ratelimit.Limiter) *Worker {
	return &Worker{
		id:         id,
		workers:    workers,
		cfg:        cfg,
		sharedMap:  sharedMap,
		pool:       pool,
		mx:         mx,
		limiter:    limiter,
		events:     make(chan event, 1024),
		arena:      request.NewArena(),
		clients:    make(map[uint64]*Client),
		sharedSend: list.New(),
		sharedPend: make(map[string]*list.List),
	}
}

// Submit hands a freshly-accepted connection to this worker, binding it
// for the connection's whole lifetime. Called from the listener's accept
// goroutine; this is the one cross-goroutine entry point into an
// otherwise single-owner worker.
func (w *Worker) Submit(id uint64, conn net.Conn) {
	c := &Client{
		ID:         id,
		Addr:       conn.RemoteAddr().String(),
		conn:       conn,
		parser:     protocol.NewParser(w.arena, id),
		parseQueue: list.New(),
		resume:     make(chan struct{}, 1),
	}
	select {
	case w.events <- event{newClient: c}:
	default:
		// Mailbox full: rather than block the accept loop indefinitely,
		// drop the connection. A saturated worker sheds load instead of
		// wedging the single shared accept path.
		_ = conn.Close()
	}
}

// Run drives the worker's event loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case ev := <-w.events:
			w.handle(ctx, ev)
		}
	}
}

func (w *Worker) shutdown() {
	for _, c := range w.clients {
		w.freeClient(c)
	}
}

func (w *Worker) handle(ctx context.Context, ev event) {
	switch {
	case ev.newClient != nil:
		w.acceptClient(ctx, ev.newClient)
	case ev.clientData != nil:
		w.onClientData(ev.clientData.clientID, ev.clientData.data)
	case ev.clientClosed != nil:
		if c, ok := w.clients[ev.clientClosed.clientID]; ok {
			w.freeClient(c)
		}
	case ev.upstreamData != nil:
		w.onUpstreamData(ev.upstreamData)
	case ev.upstreamClosed != nil:
		w.onUpstreamClosed(ev.upstreamClosed)
	}
	w.flushOutputs()
	w.checkMultiplexMode()
	w.drainSendQueues()
}

func (w *Worker) acceptClient(ctx context.Context, c *Client) {
	w.clients[c.ID] = c
	if w.cfg.Multiplex == MultiplexAlways {
		w.enterPrivateMode(c)
	}
	w.spawnClientReader(ctx, c)
	if w.mx != nil {
		w.mx.ClientConnected()
	}
}

func (w *Worker) spawnClientReader(ctx context.Context, c *Client) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		buf := make([]byte, clientReadChunk)
		for {
			if c.paused.Load() {
				select {
				case <-c.resume:
				case <-ctx.Done():
					return
				}
				continue
			}
			n, err := c.conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case w.events <- event{clientData: &clientDataEvent{clientID: c.ID, data: chunk}}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case w.events <- event{clientClosed: &clientClosedEvent{clientID: c.ID}}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
}

func (w *Worker) onClientData(clientID uint64, data []byte) {
	c, ok := w.clients[clientID]
	if !ok {
		return
	}
	if w.cfg.DumpQueries {
		logger.Debug("client %d -> %q", clientID, data)
	}
	completed, err := c.parser.Feed(data)
	if err != nil {
		if w.mx != nil {
			w.mx.ProtocolError()
		}
		w.replyError(c, appErr.New(appErr.CodeProtocol, "Invalid request"))
		w.freeClient(c)
		return
	}
	for _, r := range completed {
		c.parseQueue.PushBack(r)
	}
	w.routeParsed(c)
}

// routeParsed drains a client's parse queue, routing each request and
// appending it to the appropriate send queue.
func (w *Worker) routeParsed(c *Client) {
	for e := c.parseQueue.Front(); e != nil; {
		r := e.Value.(*request.Request)
		next := e.Next()
		c.parseQueue.Remove(e)
		e = next

		activeMap := w.sharedMap
		if c.private {
			activeMap = c.privateMap
		}
		c.pendingCount++
		decision, rerr := routing.Route(r, activeMap)
		if rerr != nil {
			w.replyAppErr(c, r, rerr)
			continue
		}
		r.Shard = decision.Shard
		r.Slot = decision.Slot

		if c.private {
			r.Queue = request.QueuePrivateSend
			c.privateSend.PushBack(r)
		} else {
			r.Queue = request.QueueSharedSend
			w.sharedSend.PushBack(r)
		}
	}
	if c.pendingCount >= maxClientPending && !c.readPaused {
		c.readPaused = true
		c.paused.Store(true)
	}
}

// flushOutputs writes as much of each client's output buffer as the
// socket accepts, once per event-loop iteration. Blocking writes are
// acceptable here: the scheduler serializes all mutation through this
// loop, so a slow client only delays its own flush, never another
// client's state.
func (w *Worker) flushOutputs() {
	for _, c := range w.clients {
		if len(c.outBuf) == 0 {
			continue
		}
		n, err := c.conn.Write(c.outBuf)
		if err != nil {
			w.freeClient(c)
			continue
		}
		c.outBuf = c.outBuf[n:]
	}
}

// checkMultiplexMode runs once per event-loop iteration: in auto mode,
// once either shared queue reaches the threshold, every still-shared
// client of this worker is switched to private mode.
func (w *Worker) checkMultiplexMode() {
	if w.cfg.Multiplex != MultiplexAuto {
		return
	}
	longest := w.sharedSend.Len()
	for _, pend := range w.sharedPend {
		if pend.Len() > longest {
			longest = pend.Len()
		}
	}
	if longest < maxSharedQueueLen {
		return
	}
	for _, c := range w.clients {
		if !c.private {
			w.enterPrivateMode(c)
		}
	}
}

// enterPrivateMode clones the shared map, then migrates this client's
// in-flight requests from shared queues to private ones in one pass so
// the client never observes a request as simultaneously queued and
// migrating.
func (w *Worker) enterPrivateMode(c *Client) {
	if c.private {
		return
	}
	clone := w.sharedMap.Clone()
	c.privateMap = clone
	c.privateConns = make(map[string]*upstream.Conn)
	c.privateSend = list.New()
	c.privatePend = list.New()
	c.private = true

	staged := w.collectMigration(c, w.sharedSend)
	for _, e := range staged {
		w.sharedSend.Remove(e)
		r := e.Value.(*request.Request)
		r.Shard = c.privateMap.ShardForSlot(r.Slot)
		r.Queue = request.QueuePrivateSend
		c.privateSend.PushBack(r)
	}

	for shardName, pend := range w.sharedPend {
		staged := w.collectMigration(c, pend)
		for _, e := range staged {
			pend.Remove(e)
			r := e.Value.(*request.Request)
			if clone, ok := c.privateMap.Shard(shardName); ok {
				r.Shard = clone
			}
			r.Queue = request.QueuePrivatePending
			c.privatePend.PushBack(r)
		}
	}

	if w.mx != nil {
		w.mx.ClientWentPrivate()
	}
}

// collectMigration walks q for requests owned by c, skipping any request
// with an active handler installed (being transmitted/read right now) and
// any successor chained from such a request, since moving a request that
// is mid-transmission out from under its handler would corrupt it.
func (w *Worker) collectMigration(c *Client, q *list.List) []*list.Element {
	var staged []*list.Element
	skip := make(map[request.ID]bool)
	for e := q.Front(); e != nil; e = e.Next() {
		r := e.Value.(*request.Request)
		if r.ClientID != c.ID {
			continue
		}
		if r.HasWriteHandler || r.HasReadHandler {
			skip[r.ID()] = true
			continue
		}
		if w.arena.Prev(r) != nil && skip[w.arena.Prev(r).ID()] {
			skip[r.ID()] = true
			continue
		}
		staged = append(staged, e)
	}
	return staged
}

// drainSendQueues dispatches the shared send queue's head repeatedly,
// then each private-mode client's own queue.
func (w *Worker) drainSendQueues() {
	for {
		if w.dispatchOne(w.sharedSend, nil) != dispatchProgress {
			break
		}
	}
	for _, c := range w.clients {
		if !c.private {
			continue
		}
		for {
			if w.dispatchOne(c.privateSend, c) != dispatchProgress {
				break
			}
		}
	}
}

// dispatchResult is the outcome of one dispatch attempt. dispatchOne
// returns dispatchProgress when the head request left the queue (sent in
// full, or dropped after a connect failure or because its client is gone)
// and dispatchIdle when nothing more can be sent this pass (queue empty,
// head held behind a pipeline predecessor on a different slot, or a
// partial or failed write). dispatchError is defined but dispatchOne does
// not return it; drainSendQueues stops on any result other than
// dispatchProgress.
type dispatchResult int

const (
	dispatchProgress dispatchResult = iota
	dispatchIdle
	dispatchError
)

// dispatchOne attempts to send the head of q to its target shard.
// privateOwner is nil for the shared queue, or the client whose private
// queue q is.
func (w *Worker) dispatchOne(q *list.List, privateOwner *Client) dispatchResult {
	head := q.Front()
	if head == nil {
		return dispatchIdle
	}
	r := head.Value.(*request.Request)
	c, ok := w.clients[r.ClientID]
	if !ok {
		// Client vanished mid-queue; drop the orphaned request.
		q.Remove(head)
		w.arena.Free(r.ID())
		return dispatchProgress
	}

	if prev := w.arena.Prev(r); prev != nil && prev.Slot != r.Slot {
		return dispatchIdle
	}

	conn := w.connFor(c, r.Shard)
	if !conn.Connected() {
		if err := conn.Dial(); err != nil {
			w.replyError(c, appErr.New(appErr.CodeUpstreamDown, "Could not connect to node"))
			q.Remove(head)
			w.decPending(c)
			w.arena.Free(r.ID())
			return dispatchProgress
		}
		privateID := uint64(0)
		if privateOwner != nil {
			privateID = privateOwner.ID
		}
		w.spawnUpstreamReader(conn, r.Shard.Name, privateID)
	}

	payload := r.Raw[r.WriteCursor:]
	n, err := conn.Write(payload)
	if err != nil {
		conn.MarkDead()
		return dispatchIdle
	}
	r.WriteCursor += n
	if r.WriteCursor < len(r.Raw) {
		r.HasWriteHandler = true
		return dispatchIdle
	}

	q.Remove(head)
	r.HasWriteHandler = false
	r.HasReadHandler = true
	if privateOwner == nil {
		r.Queue = request.QueueSharedPending
		pend, ok := w.sharedPend[r.Shard.Name]
		if !ok {
			pend = list.New()
			w.sharedPend[r.Shard.Name] = pend
		}
		pend.PushBack(r)
	} else {
		r.Queue = request.QueuePrivatePending
		c.privatePend.PushBack(r)
	}
	return dispatchProgress
}

// connFor resolves the upstream connection a request should use: a
// shared (worker, shard) slot, or the client's private clone connection.
func (w *Worker) connFor(c *Client, shard *slotmap.Shard) *upstream.Conn {
	if !c.private {
		return w.pool.Slot(shard, w.id)
	}
	conn, ok := c.privateConns[shard.Name]
	if !ok {
		conn = upstream.New(shard, w.cfg.Auth, nil)
		c.privateConns[shard.Name] = conn
	}
	return conn
}

// spawnUpstreamReader owns the blocking side of reply framing: conn's
// ReadReply accumulates socket reads and a consumer cursor across calls,
// so this loop only ever sees whole reply frames, never a split or
// coalesced one, regardless of how the bytes actually arrived on the wire.
func (w *Worker) spawnUpstreamReader(conn *upstream.Conn, shardName string, privateClientID uint64) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			frame, err := conn.ReadReply()
			if len(frame) > 0 {
				w.events <- event{upstreamData: &upstreamDataEvent{shardName: shardName, private: privateClientID, data: frame}}
			}
			if err != nil {
				w.events <- event{upstreamClosed: &upstreamClosedEvent{shardName: shardName, private: privateClientID}}
				return
			}
			if !conn.Connected() {
				return
			}
		}
	}()
}

// onUpstreamData hands one complete reply frame (already framed by
// ReadReply) to the pending queue head for this connection, strictly
// FIFO: whichever request was written first is the one this reply
// belongs to.
func (w *Worker) onUpstreamData(ev *upstreamDataEvent) {
	var pend *list.List
	if ev.private != 0 {
		c, ok := w.clients[ev.private]
		if !ok {
			return
		}
		pend = c.privatePend
	} else {
		pend = w.sharedPend[ev.shardName]
	}
	if pend == nil {
		return
	}

	head := pend.Front()
	if head == nil {
		// No owning request (client disconnected mid-flight): discard.
		return
	}
	r := head.Value.(*request.Request)
	c, ok := w.clients[r.ClientID]
	if !ok {
		pend.Remove(head)
		w.arena.Free(r.ID())
		return
	}

	c.outBuf = append(c.outBuf, ev.data...)
	pend.Remove(head)
	r.HasReadHandler = false
	w.decPending(c)
	w.arena.Free(r.ID())
	if w.mx != nil {
		w.mx.RequestRouted()
	}
}

// onUpstreamClosed implements the reconnect-once-then-drain-with-errors
// policy: the request actively being read is retried once; every other
// pending request on that connection is failed immediately rather than
// silently losing its reply.
func (w *Worker) onUpstreamClosed(ev *upstreamClosedEvent) {
	var pend *list.List
	var conn *upstream.Conn
	if ev.private != 0 {
		c, ok := w.clients[ev.private]
		if !ok {
			return
		}
		pend = c.privatePend
		conn = c.privateConns[ev.shardName]
	} else {
		pend = w.sharedPend[ev.shardName]
		if shard, ok := w.sharedMap.Shard(ev.shardName); ok {
			conn = w.pool.Slot(shard, w.id)
		}
	}
	if pend == nil {
		return
	}

	head := pend.Front()
	if head != nil && conn != nil && conn.TryReconnect() {
		if w.mx != nil {
			w.mx.UpstreamReconnect()
		}
		r := head.Value.(*request.Request)
		r.WriteCursor = 0
		r.HasReadHandler = false
		r.HasWriteHandler = true
		pend.Remove(head)
		if c, ok := w.clients[r.ClientID]; ok {
			if c.private {
				c.privateSend.PushFront(r)
			} else {
				w.sharedSend.PushFront(r)
			}
		}
		head = pend.Front()
	}

	for head != nil {
		next := head.Next()
		r := head.Value.(*request.Request)
		pend.Remove(head)
		if c, ok := w.clients[r.ClientID]; ok {
			w.replyError(c, appErr.New(appErr.CodeUpstreamDown, "Cluster node disconnected"))
			w.decPending(c)
		}
		w.arena.Free(r.ID())
		head = next
	}
}

func (w *Worker) replyError(c *Client, err *appErr.AppError) {
	c.outBuf = append(c.outBuf, []byte(fmt.Sprintf("-ERR %s\r\n", err.Message))...)
}

func (w *Worker) replyAppErr(c *Client, r *request.Request, err error) {
	ae, ok := err.(*appErr.AppError)
	msg := err.Error()
	if ok {
		msg = ae.Message
		if w.mx != nil {
			switch ae.Code {
			case appErr.CodeCrossSlot:
				w.mx.CrossSlotRejection()
			case appErr.CodeProtocol, appErr.CodeUnsupported:
				w.mx.ProtocolError()
			}
		}
	}
	c.outBuf = append(c.outBuf, []byte(fmt.Sprintf("-ERR %s\r\n", msg))...)
	w.decPending(c)
	w.arena.Free(r.ID())
}

// decPending drops a client's in-flight request count and, if it falls
// back under the backpressure cap, resumes the client's read goroutine.
func (w *Worker) decPending(c *Client) {
	c.pendingCount--
	if c.readPaused && c.pendingCount < maxClientPending {
		c.readPaused = false
		c.paused.Store(false)
		select {
		case c.resume <- struct{}{}:
		default:
		}
	}
}

// freeClient removes the client's requests from every queue it could be
// in and releases its resources. Upstream sockets themselves are left
// connected (they are shared); only this client's ownership of in-flight
// requests is cleared.
func (w *Worker) freeClient(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(w.clients, c.ID)
	_ = c.conn.Close()

	removeOwned(w.sharedSend, c.ID, w.arena)
	for _, pend := range w.sharedPend {
		removeOwned(pend, c.ID, w.arena)
	}
	if c.private {
		removeOwned(c.privateSend, c.ID, w.arena)
		removeOwned(c.privatePend, c.ID, w.arena)
		for _, conn := range c.privateConns {
			conn.Close()
		}
	}
	if w.mx != nil {
		w.mx.ClientDisconnected()
		if c.private {
			w.mx.ClientsPrivate.Add(-1)
		}
	}
}

func removeOwned(q *list.List, clientID uint64, arena *request.Arena) {
	if q == nil {
		return
	}
	for e := q.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*request.Request)
		if r.ClientID == clientID {
			q.Remove(e)
			arena.Free(r.ID())
		}
		e = next
	}
}
