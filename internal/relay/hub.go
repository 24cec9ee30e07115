// Package relay implements the Room Hub (spec §4.1/§4.2): the relay
// side of the system. It accepts WebSocket connections gated by a JWT,
// groups them by room, and fans every frame out to every connection
// in the same room — at most once per connection,
// including an echo back to the sender (spec §4.1 "broadcast includes
// the sender").
//
// Fan-out between hub instances happens over Redis pub/sub so the
// relay can run more than one process in front of a room (spec §4.2
// "Room Hub instances do not share process memory; they share Redis").
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// roomTTL is how long a room's liveness key survives without activity
// before the relay considers it gone (spec §4.2, 24h TTL).
const roomTTL = 24 * time.Hour

// outboundBuffer bounds how many frames can be queued for a slow
// connection before the hub starts dropping the oldest ones, the same
// bounded-queue discipline spec §4.7 uses peer-side.
const outboundBuffer = 100

func activityKey(roomID string) string { return "room:active:" + roomID }
func channelName(roomID string) string { return "room:channel:" + roomID }

// Upgrader is shared across all connections; CheckOrigin is
// intentionally permissive here because the Attach Gate (JWT
// validation) is the actual authorization boundary, not same-origin
// (spec §4.2 "authorization happens at attach, not at the transport").
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one attached WebSocket connection inside a room.
type Conn struct {
	ws       *websocket.Conn
	room     *Room
	username string

	send chan []byte
	once sync.Once
}

func (c *Conn) closeLocked() {
	c.once.Do(func() {
		close(c.send)
		c.ws.Close()
	})
}

// Room is the in-process fan-out group for one room id on this hub
// instance. Membership is local; cross-instance delivery goes through
// Redis.
type Room struct {
	id string

	mu      sync.RWMutex
	members map[*Conn]struct{}
}

// Hub owns every room this process currently has connections for, plus
// the Redis client used for cross-instance fan-out and liveness.
type Hub struct {
	redis *redis.Client

	mu    sync.Mutex
	rooms map[string]*Room
}

// New creates a Hub backed by an already-configured Redis client.
func New(rdb *redis.Client) *Hub {
	return &Hub{redis: rdb, rooms: map[string]*Room{}}
}

func (h *Hub) roomFor(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &Room{id: roomID, members: map[*Conn]struct{}{}}
		h.rooms[roomID] = r
	}
	return r
}

func (h *Hub) dropRoomIfEmpty(r *Room) {
	r.mu.RLock()
	empty := len(r.members) == 0
	r.mu.RUnlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if cur, ok := h.rooms[r.id]; ok && cur == r {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()
}

// Attach upgrades an HTTP request to a WebSocket and joins username
// into roomID, assuming the caller already ran the Attach Gate (JWT
// validation) — Attach itself does no authorization (spec §4.2 splits
// "is this token valid" from "wire up the socket").
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, roomID, username string) error {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	room := h.roomFor(roomID)
	conn := &Conn{ws: ws, room: room, username: username, send: make(chan []byte, outboundBuffer)}

	room.mu.Lock()
	room.members[conn] = struct{}{}
	room.mu.Unlock()

	if err := h.markActive(r.Context(), roomID); err != nil {
		log.Warn().Err(err).Str("room", roomID).Msg("mark room active failed")
	}

	sub := h.redis.Subscribe(context.Background(), channelName(roomID))

	var wg sync.WaitGroup
	wg.Add(3)
	go h.writePump(conn, &wg)
	go h.readPump(conn, &wg)
	go h.subscribePump(conn, sub, &wg)
	wg.Wait()

	room.mu.Lock()
	delete(room.members, conn)
	room.mu.Unlock()
	h.dropRoomIfEmpty(room)
	sub.Close()

	return nil
}

// readPump reads frames from the socket and republishes them on Redis,
// which both in-process and remote hub instances are subscribed to —
// local delivery therefore always goes through the same path as
// cross-instance delivery, so "at most once, including sender echo" is
// one code path instead of two (spec §4.1).
func (h *Hub) readPump(c *Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	defer c.closeLocked()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if err := h.Publish(context.Background(), c.room.id, data); err != nil {
			log.Warn().Err(err).Str("room", c.room.id).Msg("publish failed")
		}
		if err := h.markActive(context.Background(), c.room.id); err != nil {
			log.Warn().Err(err).Str("room", c.room.id).Msg("mark room active failed")
		}
	}
}

// writePump drains c.send to the socket. Frames arrive here from
// subscribePump, never directly from readPump — that indirection
// through Redis is what makes broadcast correct whether or not other
// hub instances are running.
func (h *Hub) writePump(c *Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	for data := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.closeLocked()
			return
		}
	}
}

// subscribePump feeds the Redis channel for this room into c.send,
// dropping the oldest queued frame instead of blocking when a
// connection falls behind (spec §4.7-equivalent bounded-queue rule,
// applied relay-side too).
func (h *Hub) subscribePump(c *Conn, sub *redis.PubSub, wg *sync.WaitGroup) {
	defer wg.Done()
	ch := sub.Channel()
	for msg := range ch {
		select {
		case c.send <- []byte(msg.Payload):
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- []byte(msg.Payload):
			default:
			}
		}
	}
}

// Publish sends data to every connection attached to roomID, on this
// hub instance or any other sharing the same Redis.
func (h *Hub) Publish(ctx context.Context, roomID string, data []byte) error {
	return h.redis.Publish(ctx, channelName(roomID), data).Err()
}

// markActive refreshes roomID's liveness TTL (spec §4.2 "activity
// resets the 24h window").
func (h *Hub) markActive(ctx context.Context, roomID string) error {
	return h.redis.Set(ctx, activityKey(roomID), time.Now().Unix(), roomTTL).Err()
}

// IsActive reports whether roomID's liveness key is still present.
func (h *Hub) IsActive(ctx context.Context, roomID string) (bool, error) {
	n, err := h.redis.Exists(ctx, activityKey(roomID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MemberCount reports how many connections this hub instance currently
// holds open for roomID — used by the voting/resolver layer to size
// majority thresholds against local membership when no room registry
// is consulted.
func (h *Hub) MemberCount(roomID string) int {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

