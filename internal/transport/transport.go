// Package transport is the peer-side half of the WebSocket link (spec
// §4.7): dial, reconnect, and a bounded outbound queue so one slow or
// stalled relay connection can never block the room loop that feeds
// it frames.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"roomrelay/internal/wire"
)

// outboundCapacity is the bound on queued-but-unsent frames (spec §4.7:
// "capacity 1000, overflow drops the oldest").
const outboundCapacity = 1000

// reconnectBackoff is the fixed delay between dial attempts. The spec
// names a fixed retry rather than exponential backoff for this link.
const reconnectBackoff = 2 * time.Second

// Conn is a reconnecting WebSocket client for one room attach.
type Conn struct {
	url    string
	header http.Header

	outbound chan []byte
	inbound  chan wire.Frame

	done chan struct{}
}

// Dial starts a Conn that connects to url (already carrying the room
// id path segment and token query parameter the relay's attach route
// expects, as built by AttachURL) and
// begins its read/write/reconnect loop in the background. Callers
// receive frames from Inbound() and send by calling Send.
func Dial(ctx context.Context, url string, header http.Header) *Conn {
	c := &Conn{
		url:      url,
		header:   header,
		outbound: make(chan []byte, outboundCapacity),
		inbound:  make(chan wire.Frame, outboundCapacity),
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Inbound returns the channel of frames received from the relay.
func (c *Conn) Inbound() <-chan wire.Frame { return c.inbound }

// Send enqueues a frame for delivery. If the outbound queue is full,
// the oldest queued frame is dropped to make room (spec §4.7
// "overflow: drop oldest") — Send itself never blocks the caller.
func (c *Conn) Send(tag wire.Tag, payload any) {
	data, err := wire.Marshal(tag, payload)
	if err != nil {
		log.Warn().Err(err).Str("tag", string(tag)).Msg("marshal outbound frame failed")
		return
	}
	select {
	case c.outbound <- data:
		return
	default:
	}
	select {
	case <-c.outbound:
	default:
	}
	select {
	case c.outbound <- data:
	default:
	}
}

// Close stops the reconnect loop and releases the connection.
func (c *Conn) Close() { close(c.done) }

func (c *Conn) run(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			log.Warn().Err(err).Str("url", c.url).Msg("dial failed, retrying")
			if !c.sleep(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		c.serve(ctx, ws)

		if !c.sleep(ctx, reconnectBackoff) {
			return
		}
	}
}

// serve runs one connection's read/write loop until it breaks, then
// returns so run() can redial.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := wire.Decode(data)
			if err != nil {
				log.Warn().Err(err).Msg("invalid frame from relay")
				continue
			}
			select {
			case c.inbound <- frame:
			case <-c.done:
				return
			}
		}
	}()

	defer ws.Close()
	for {
		select {
		case <-closed:
			return
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case data := <-c.outbound:
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// AttachURL builds the relay attach URL for roomID, formatted the way
// the relay's route expects (spec §6 /ws/:room_id?token=...).
func AttachURL(baseURL, roomID, token string) string {
	return fmt.Sprintf("%s/ws/%s?token=%s", baseURL, roomID, token)
}
