package frontend

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/dispatch"
	"github.com/adred-codev/immortal/internal/monitoring"
	"github.com/adred-codev/immortal/internal/nostr"
	"github.com/adred-codev/immortal/internal/queue"
)

// Client is one WebSocket connection: a read pump feeding the ingress
// queue, a write pump draining the send channel, and a poller moving
// frames from the connection's response list onto the send channel.
type Client struct {
	id     string
	ip     string
	conn   net.Conn
	server *Server
	logger zerolog.Logger

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	// Consecutive send-buffer overflows; reset by any successful enqueue.
	strikes int32

	connectedAt time.Time
}

func newClient(s *Server, id, ip string, conn net.Conn) *Client {
	return &Client{
		id:          id,
		ip:          ip,
		conn:        conn,
		server:      s,
		logger:      s.logger.With().Str("conn_id", id).Logger(),
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
}

// close tears the connection down exactly once. Closing the socket
// unblocks the read pump, whose deferred cleanup does the bookkeeping.
func (c *Client) close() {
	c.closeWith(ws.StatusNormalClosure, "")
}

// closeWith sends a status-coded close frame before dropping the socket.
// The write is best effort; a peer that stopped reading misses it.
func (c *Client) closeWith(status ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(status, reason))
		c.conn.Close()
	})
}

// readPump reads frames from the socket until it fails or the client
// sends a close frame. Panic recovery must be the first defer so it
// also covers the cleanup path.
func (c *Client) readPump() {
	defer monitoring.RecoverPanic(c.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})
	defer c.server.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			monitoring.BytesReceivedTotal.Add(float64(len(msg)))
			c.ingest(msg)
		case ws.OpClose:
			return
		}
	}
}

// ingest classifies one inbound frame and offers it to the ingress
// queue. Rejections are answered in the frame's own vocabulary and the
// socket stays open, except when the circuit breaker turns away
// critical traffic.
func (c *Client) ingest(data []byte) {
	if len(data) > nostr.MaxFrameSize {
		monitoring.FramesReceivedTotal.WithLabelValues("other").Inc()
		c.enqueue(nostr.NoticeFrame(nostr.PrefixInvalid + "frame exceeds size limit"))
		return
	}

	sum, err := nostr.PeekFrame(data)
	if err != nil {
		// Only frames that decode as JSON arrays can ride the work
		// list; garbage is answered at the socket. Protocol-level
		// mistakes inside a well-formed array are still the worker's
		// to diagnose.
		monitoring.FramesReceivedTotal.WithLabelValues("other").Inc()
		c.enqueue(nostr.NoticeFrame(nostr.PrefixInvalid + err.Error()))
		return
	}
	monitoring.FramesReceivedTotal.WithLabelValues(monitoring.VerbLabel(sum.Verb)).Inc()

	pri := priorityFor(sum.Verb)
	res := c.server.queue.Push(data, c.id, pri)
	if res.Accepted {
		monitoring.QueueAcceptedTotal.Inc()
		if res.State != queue.StateHealthy {
			c.enqueue(nostr.NoticeFrame("relay under load: " + res.State.String()))
		}
		return
	}

	monitoring.QueueDroppedTotal.WithLabelValues(res.Reason).Inc()
	c.logger.Debug().
		Str("verb", sum.Verb).
		Str("reason", res.Reason).
		Str("state", res.State.String()).
		Msg("frame dropped at admission")
	c.enqueue(rejectionFrame(sum, res.Reason))

	if pri == queue.PriorityCritical && res.Reason == queue.ReasonCircuitOpen {
		c.logger.Warn().
			Str("verb", sum.Verb).
			Msg("circuit breaker rejected critical frame, scheduling reconnect")
		time.AfterFunc(reconnectDelay, c.close)
	}
}

// priorityFor maps a frame verb to its admission band. Lifecycle verbs
// outrank queries, queries outrank publishes, and anything unknown
// rides in the lowest band.
func priorityFor(verb string) queue.Priority {
	switch verb {
	case nostr.VerbClose, nostr.VerbAuth:
		return queue.PriorityCritical
	case nostr.VerbReq:
		return queue.PriorityHigh
	case nostr.VerbEvent:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

// rejectionFrame translates a queue rejection into the reply the verb's
// sender expects. The reason travels verbatim.
func rejectionFrame(sum *nostr.FrameSummary, reason string) []byte {
	switch sum.Verb {
	case nostr.VerbEvent:
		return nostr.OKFrame(sum.EventID, false, reason)
	case nostr.VerbReq:
		return nostr.ClosedFrame(sum.SubID, reason)
	default:
		return nostr.NoticeFrame(reason)
	}
}

// enqueue offers a frame to the write pump without ever blocking the
// caller. A full buffer means a client too slow to keep up; the frame is
// dropped and a strike recorded. Three consecutive strikes disconnect the
// client so one stalled reader cannot pin a response list forever.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
		atomic.StoreInt32(&c.strikes, 0)
	default:
		n := atomic.AddInt32(&c.strikes, 1)
		c.logger.Warn().Int32("strikes", n).Msg("send buffer full, frame dropped")
		if n >= slowClientStrikes {
			monitoring.ErrorsTotal.WithLabelValues("slow_client", "warn").Inc()
			c.closeWith(ws.StatusPolicyViolation, "slow consumer")
		}
	}
}

// writePump batches frames from the send channel onto the socket and
// keeps the connection alive with pings. Batching through a buffered
// writer cuts syscalls when the poller delivers bursts.
func (c *Client) writePump() {
	defer monitoring.RecoverPanic(c.logger, "writePump", map[string]any{
		"conn_id": c.id,
	})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
			sent, bytes := 1, len(frame)

			// Drain whatever else is already buffered before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				frame = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, frame); err != nil {
					c.logger.Debug().Err(err).Msg("write failed")
					return
				}
				sent++
				bytes += len(frame)
			}
			if err := writer.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("flush failed")
				return
			}
			monitoring.FramesSentTotal.Add(float64(sent))
			monitoring.BytesSentTotal.Add(float64(bytes))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}

		case <-c.closed:
			// closeWith already sent the close frame.
			return
		}
	}
}

// responsePoller moves frames from the connection's response list to
// the send channel on a fixed cadence. Consuming refreshes the list
// TTL; every tenth tick also refreshes the connection's subscription
// TTLs and its registry record, so neither an active client's
// subscriptions nor an idle client's registry entry ever expire.
func (c *Client) responsePoller() {
	defer monitoring.RecoverPanic(c.logger, "responsePoller", map[string]any{
		"conn_id": c.id,
	})
	defer c.close()

	ticker := time.NewTicker(c.server.pollInterval)
	defer ticker.Stop()

	key := dispatch.ResponseKey(c.id)
	tick := 0

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
		tick++

		ctx, cancel := context.WithTimeout(context.Background(), kvTimeout)
		frames, err := c.server.store.LPopCount(ctx, key, c.server.pollBatch)
		if err != nil {
			c.logger.Debug().Err(err).Msg("response poll failed")
			cancel()
			continue
		}
		if len(frames) > 0 {
			if err := c.server.store.Expire(ctx, key, c.server.responseTTL); err != nil {
				c.logger.Debug().Err(err).Msg("response ttl refresh failed")
			}
			for _, f := range frames {
				c.enqueue([]byte(f))
			}
		}
		if tick%refreshEvery == 0 {
			if err := c.server.router.RefreshConnection(ctx, c.id); err != nil {
				c.logger.Debug().Err(err).Msg("subscription refresh failed")
			}
			c.server.touchRegistry(c)
		}
		cancel()
	}
}
