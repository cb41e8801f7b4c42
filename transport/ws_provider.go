package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/DataDog/zstd"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaydb/synctree/internal/retryheap"
	"github.com/relaydb/synctree/internal/wirecodec"
	"github.com/relaydb/synctree/node"
	"github.com/relaydb/synctree/path"
	"github.com/relaydb/synctree/query"
	"github.com/relaydb/synctree/view"
)

// controlKind marks a control-plane message on the same socket as data
// frames: a one-byte kind prefix ahead of a big-endian uint64 tag and a
// wirecodec-encoded path (client to server) or a wirecodec frame (server
// to client), so a single connection carries both subscribe/unsubscribe
// requests and the server's data frames.
type controlKind byte

const (
	controlSubscribe controlKind = iota
	controlUnsubscribe
	controlData
)

// WSProvider is a ListenProvider that carries subscribe/unsubscribe
// control messages and server data frames over a single websocket
// connection, following the teacher's plugin-process split
// (vms/rpcchainvm): the Sync Tree talks to an interface, and this type
// is the concrete process boundary, here a TCP/websocket one instead of
// a subprocess one. Reconnects are rate-limited by golang.org/x/time/rate
// and rescheduled through internal/retryheap: one second after the
// connection drops and two seconds after a failed redial; the delay does
// not grow with further failures.
type WSProvider struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	sink     Sink
	pending  map[string]pendingListen // query key -> bookkeeping for resubscribe after reconnect
	limiter  *rate.Limiter
	retries  *retryheap.Heap
	cancel   context.CancelFunc
	group    *errgroup.Group
}

type pendingListen struct {
	q          query.Query
	tag        *uint64
	onComplete func(status string, data node.Node)
}

// NewWSProvider builds a provider that will dial url on Connect. reconnects
// are limited to one per interval with the given burst.
func NewWSProvider(url string, reconnectInterval time.Duration, reconnectBurst int, log *zap.Logger) *WSProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSProvider{
		url:     url,
		dialer:  websocket.DefaultDialer,
		log:     log,
		pending: map[string]pendingListen{},
		limiter: rate.NewLimiter(rate.Every(reconnectInterval), reconnectBurst),
		retries: retryheap.New(),
	}
}

// SetSink wires the owning Sync Tree in; it must be called before Connect.
func (p *WSProvider) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Connect dials the server and starts the read pump plus the reconnect
// monitor on ctx, both run through one errgroup that Close waits on. A
// read failure ends the current read pump and schedules a reconnect;
// the reconnect monitor starts a fresh read pump after each successful
// redial.
func (p *WSProvider) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.group = group
	p.mu.Unlock()

	if err := p.dial(ctx); err != nil {
		cancel()
		return err
	}

	group.Go(func() error { return p.readPump(ctx) })
	group.Go(func() error { return p.reconnectLoop(ctx) })
	return nil
}

// Close tears down the connection and waits for the read and reconnect
// pumps to exit.
func (p *WSProvider) Close() error {
	p.mu.Lock()
	cancel := p.cancel
	conn := p.conn
	group := p.group
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	return nil
}

func (p *WSProvider) dial(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	// Resubscribe everything that was active before a reconnect.
	p.mu.Lock()
	toResend := make([]pendingListen, 0, len(p.pending))
	for _, pl := range p.pending {
		toResend = append(toResend, pl)
	}
	p.mu.Unlock()
	for _, pl := range toResend {
		if err := p.sendSubscribe(pl.q, pl.tag); err != nil {
			return err
		}
	}
	return nil
}

// StartListening sends a subscribe control message and tracks the query
// so it is resubscribed after a reconnect. No bootstrap events are
// known synchronously; they arrive as data frames via the read pump,
// which applies them directly to the sink.
func (p *WSProvider) StartListening(q query.Query, tag *uint64, hashFn func() string, onComplete func(status string, data node.Node)) []view.Event {
	p.mu.Lock()
	p.pending[q.Key()] = pendingListen{q: q, tag: tag, onComplete: onComplete}
	p.mu.Unlock()

	if err := p.sendSubscribe(q, tag); err != nil {
		p.log.Warn("subscribe failed, will resend on reconnect", zap.String("query", q.Key()), zap.Error(err))
	}
	return nil
}

// StopListening sends an unsubscribe control message and drops the
// query from the resubscribe set.
func (p *WSProvider) StopListening(q query.Query, tag *uint64) {
	p.mu.Lock()
	delete(p.pending, q.Key())
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(controlUnsubscribe))
	if err := writeControlQuery(&buf, q, tag); err != nil {
		p.log.Warn("failed to encode unsubscribe", zap.Error(err))
		return
	}
	if err := p.writeMessage(buf.Bytes()); err != nil {
		p.log.Warn("failed to send unsubscribe", zap.Error(err))
	}
}

func (p *WSProvider) sendSubscribe(q query.Query, tag *uint64) error {
	var buf bytes.Buffer
	buf.WriteByte(byte(controlSubscribe))
	if err := writeControlQuery(&buf, q, tag); err != nil {
		return err
	}
	return p.writeMessage(buf.Bytes())
}

func writeControlQuery(buf *bytes.Buffer, q query.Query, tag *uint64) error {
	var t uint64
	if tag != nil {
		t = *tag
	}
	if err := binary.Write(buf, binary.BigEndian, t); err != nil {
		return err
	}
	return wirecodec.EncodePath(buf, q.Path)
}

func (p *WSProvider) writeMessage(payload []byte) error {
	compressed, err := zstd.Compress(nil, payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return conn.WriteMessage(websocket.BinaryMessage, compressed)
}

// readPump decodes inbound data frames and applies them to the sink
// until the connection drops or ctx is canceled.
func (p *WSProvider) readPump(ctx context.Context) error {
	for {
		p.mu.Lock()
		conn := p.conn
		p.mu.Unlock()
		if conn == nil {
			return nil
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			p.log.Warn("websocket read failed, scheduling reconnect", zap.Error(err))
			p.scheduleReconnect()
			return nil
		}

		payload, err := zstd.Decompress(nil, raw)
		if err != nil {
			p.log.Warn("failed to decompress frame", zap.Error(err))
			continue
		}
		if len(payload) == 0 {
			continue
		}

		switch controlKind(payload[0]) {
		case controlData:
			p.applyDataFrame(payload[1:])
		default:
			p.log.Warn("unexpected control byte from server", zap.Uint8("kind", payload[0]))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (p *WSProvider) applyDataFrame(data []byte) {
	f, err := wirecodec.Decode(data)
	if err != nil {
		p.log.Warn("failed to decode data frame", zap.Error(err))
		return
	}

	p.mu.Lock()
	sink := p.sink
	p.mu.Unlock()
	if sink == nil {
		return
	}

	switch f.Kind {
	case wirecodec.FrameOverwrite:
		if f.Tag != 0 {
			sink.ApplyTaggedQueryOverwrite(f.Tag, f.At, f.Node)
		} else {
			sink.ApplyServerOverwrite(f.At, f.Node)
		}
	case wirecodec.FrameMerge:
		children := make(map[string]node.Node, len(f.Changes))
		for k, v := range f.Changes {
			children[k] = v
		}
		if f.Tag != 0 {
			sink.ApplyTaggedQueryMerge(f.Tag, f.At, children)
		} else {
			sink.ApplyServerMerge(f.At, children)
		}
	case wirecodec.FrameListenComplete:
		if pl, ok := p.findPending(f.Tag, f.At); ok {
			pl.onComplete("ok", f.Node)
			return
		}
		// No matching registration (e.g. it was removed after the
		// server already queued this frame); apply directly so the
		// sink's own bookkeeping still sees the completion.
		if f.Tag != 0 {
			sink.ApplyTaggedListenComplete(f.Tag, f.At)
		} else {
			sink.ApplyListenComplete(f.At)
		}
	}
}

// findPending looks up the tracked listen matching the tag/path a
// ListenComplete frame names. The wire's control frame only carries
// (tag, path), not a full query.Query, so tagged listens are matched by
// tag and untagged ones by path equality.
func (p *WSProvider) findPending(tag uint64, at path.Path) (pendingListen, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pl := range p.pending {
		if tag != 0 {
			if pl.tag != nil && *pl.tag == tag {
				return pl, true
			}
			continue
		}
		if pl.tag == nil && pl.q.Path.Equal(at) {
			return pl, true
		}
	}
	return pendingListen{}, false
}

func (p *WSProvider) scheduleReconnect() {
	p.mu.Lock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.retries.Schedule(p.url, time.Now().Add(retryheap.Backoff(1, time.Second, 30*time.Second)))
	p.mu.Unlock()
}

// reconnectLoop watches the retry heap and redials whenever an entry is
// due and the rate limiter allows it, until ctx is canceled.
func (p *WSProvider) reconnectLoop(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.mu.Lock()
			alreadyConnected := p.conn != nil
			p.mu.Unlock()
			if alreadyConnected {
				continue
			}

			due := p.retries.PopDue(time.Now())
			for range due {
				if !p.limiter.Allow() {
					p.retries.Schedule(p.url, time.Now().Add(time.Second))
					continue
				}
				if err := p.dial(ctx); err != nil {
					p.log.Warn("reconnect failed", zap.Error(err))
					p.retries.Schedule(p.url, time.Now().Add(retryheap.Backoff(2, time.Second, 30*time.Second)))
					continue
				}
				p.mu.Lock()
				group := p.group
				p.mu.Unlock()
				group.Go(func() error { return p.readPump(ctx) })
			}
		}
	}
}
