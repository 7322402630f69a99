package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/model"
)

// PropMessage carries free text messages on the stream.
const PropMessage = "message"

const clientBuffer = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type propKey struct {
	device   string
	property string
}

// Hub keeps the latest value of every property and pushes each update to
// the connected websocket clients.
type Hub struct {
	mu      sync.RWMutex
	latest  map[propKey]host.Update
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{
		latest:  map[propKey]host.Update{},
		clients: map[chan []byte]struct{}{},
	}
}

func (h *Hub) Update(device, property string, state model.PropertyState, message string, values any) {
	u := host.Update{Device: device, Property: property, State: state, Message: message, Values: values}
	h.mu.Lock()
	h.latest[propKey{device, property}] = u
	h.mu.Unlock()
	h.broadcast(u)
}

func (h *Hub) Message(device, message string) {
	log.Info().Str("device", device).Msg(message)
	h.broadcast(host.Update{Device: device, Property: PropMessage, State: model.StateOk, Message: message})
}

// Snapshot returns the latest update of every property ordered by device and
// property name.
func (h *Hub) Snapshot() []host.Update {
	h.mu.RLock()
	out := make([]host.Update, 0, len(h.latest))
	for _, u := range h.latest {
		out = append(out, u)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Device != out[j].Device {
			return out[i].Device < out[j].Device
		}
		return out[i].Property < out[j].Property
	})
	return out
}

func (h *Hub) broadcast(u host.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.Warn().Err(err).Str("property", u.Property).Msg("Failed to encode update")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
			// a client that cannot keep up is dropped
			delete(h.clients, ch)
			close(ch)
		}
	}
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, clientBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS sends the current snapshot and then every update until the client
// goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for _, u := range h.Snapshot() {
		if err := conn.WriteJSON(u); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
