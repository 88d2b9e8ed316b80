package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/liftsync/meetserver/internal/auth"
	"github.com/liftsync/meetserver/internal/meet"
	"github.com/liftsync/meetserver/internal/middleware"
	"github.com/liftsync/meetserver/internal/storage"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10 // spec.md §5: ~30s keepalive, scaled to pongWait
	maxMessageSize = 6 << 20             // 6MiB: opl_csv is bounded to 4MiB (spec.md §6.1) plus envelope/JSON overhead
	relayBuffer    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one client WebSocket connection: a reader goroutine dispatching
// inbound envelopes, and a writer goroutine multiplexing outbound frames
// and fanned-out relays onto the single allowed writer (gorilla/websocket
// forbids concurrent writes on one connection).
type Conn struct {
	ws *websocket.Conn

	authSvc  *auth.Service
	registry *meet.Registry
	store    *storage.Store

	send  chan []byte
	relay chan *meet.Relay

	// done signals the connection is shutting down. It is only ever closed
	// by cleanup (reader side) under closeOnce, never c.send/c.relay — the
	// writer goroutine is the sole owner of writes to the websocket and
	// must never observe a send on a channel someone else closed out from
	// under it.
	done      chan struct{}
	closeOnce sync.Once

	meetID     string
	session    *auth.Session
	actor      *meet.Actor
	clientAddr string

	// connID is a process-local correlation id for log lines about this
	// connection; it never leaves the process (not the meet-id or any
	// session/CSRF token).
	connID string
}

// Serve upgrades r and blocks for the connection's lifetime.
func Serve(w http.ResponseWriter, r *http.Request, authSvc *auth.Service, registry *meet.Registry, store *storage.Store) {
	clientAddr := middleware.ClientIPFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Conn{
		ws:         ws,
		authSvc:    authSvc,
		registry:   registry,
		store:      store,
		send:       make(chan []byte, 32),
		relay:      make(chan *meet.Relay, relayBuffer),
		done:       make(chan struct{}),
		clientAddr: clientAddr,
		connID:     uuid.NewString(),
	}

	log.Debug().Str("conn_id", c.connID).Str("client_addr", clientAddr).Msg("websocket connected")
	defer log.Debug().Str("conn_id", c.connID).Msg("websocket disconnected")

	go c.writePump()
	c.readPump()
}

func (c *Conn) readPump() {
	defer c.cleanup()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		c.handleEnvelope(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case rel := <-c.relay:
			c.sendRelay(rel)

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
			return
		}
	}
}

func (c *Conn) sendRelay(rel *meet.Relay) {
	if rel.Dropped {
		// the actor already could not keep up; nothing more to send for
		// this relay, the client must ClientPull to resynchronize.
		return
	}
	entries := make([]RelayEntry, 0, len(rel.Updates))
	for _, u := range rel.Updates {
		entries = append(entries, RelayEntry{
			ServerSeq:           u.ServerSeq,
			Location:            u.Location,
			Value:               u.Value,
			OriginatingLocation: u.OriginatingLocation,
		})
	}
	c.writeEnvelope(TypeUpdateRelay, UpdateRelayPayload{Relays: entries})
}

// writeEnvelope marshals v as the payload of an envelope of type msgType
// and queues it on the write pump. Marshal failures are a programming
// error (v is always one of our own payload structs), so they're logged
// rather than surfaced to the client.
func (c *Conn) writeEnvelope(msgType string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("marshal outbound payload")
		return
	}
	env, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		log.Error().Err(err).Msg("marshal outbound envelope")
		return
	}
	select {
	case c.send <- env:
	default:
		log.Warn().Str("type", msgType).Msg("outbound buffer full, dropping connection")
		c.ws.Close()
	}
}

// cleanup runs on the reader goroutine once readPump's loop ends. It never
// closes c.send or c.relay — the writer goroutine still owns sendRelay's
// writeEnvelope calls on those and must not race a close against them —
// instead it signals done, which writePump observes to shut itself down.
func (c *Conn) cleanup() {
	if c.actor != nil && c.session != nil {
		_ = c.actor.Unsubscribe(c.session.Token)
	}
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) handleEnvelope(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: "invalid envelope: " + err.Error()})
		return
	}

	switch env.Type {
	case TypeCreateMeet:
		c.handleCreateMeet(env.Payload)
	case TypeJoinMeet:
		c.handleJoinMeet(env.Payload)
	case TypeUpdateInit:
		c.handleUpdateInit(env.Payload)
	case TypeClientPull:
		c.handleClientPull(env.Payload)
	case TypePublishMeet:
		c.handlePublishMeet(env.Payload)
	case TypeRotateSession:
		c.handleRotateSession(env.Payload)
	default:
		c.writeEnvelope(TypeUnknownMessageType, UnknownMessageTypePayload{MsgType: env.Type})
	}
}

func (c *Conn) decodeAndValidate(raw json.RawMessage, dst any) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: "invalid payload: " + err.Error()})
		return false
	}
	if err := validatePayload(dst); err != nil {
		c.writeEnvelope(TypeMalformedMessage, MalformedMessagePayload{ErrMsg: err.Error()})
		return false
	}
	return true
}

// locationsMapFor loads the authoritative location table for meetID from
// its auth blob, for handing to the registry/actor (spec.md §4.3: the
// actor's locations table is authoritative and loaded from auth.json,
// never inferred from in-memory actor state).
func (c *Conn) locationsMapFor(meetID string) (map[string]int, storage.AuthBlob, error) {
	blob, err := c.store.ReadAuthBlob(meetID)
	if err != nil {
		return nil, storage.AuthBlob{}, err
	}
	return auth.LocationsToMap(blob.Locations), blob, nil
}

func (c *Conn) remoteAddr() string {
	if c.clientAddr != "" {
		return c.clientAddr
	}
	return c.ws.RemoteAddr().String()
}
