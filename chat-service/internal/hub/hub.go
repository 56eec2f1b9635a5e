// Package hub fans realtime frames out to connected clients grouped by thread.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weiawesome/incident-chat/chat-service/internal/config"
	"github.com/weiawesome/incident-chat/pkg/log"
)

// Hub owns client registration and thread groups. Every outbound frame,
// whether for a group or a single client, passes through one queue drained
// by Run, so frames are delivered in the order they were enqueued.
type Hub struct {
	clients    map[string]*Client            // clientID -> client
	groups     map[string]map[string]*Client // "thread:{id}" -> clientID -> client
	register   chan *Client
	unregister chan *Client
	outbound   chan *outboundMessage
	quit       chan struct{}
	doneCh     chan struct{}
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

type outboundMessage struct {
	Group   string
	Target  *Client
	Message []byte
	Exclude string // Client ID to exclude
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		groups:     make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		outbound:   make(chan *outboundMessage, 256),
		quit:       make(chan struct{}),
		doneCh:     make(chan struct{}),
		config:     cfg,
	}
}

// ThreadGroup names the broadcast group of a thread.
func ThreadGroup(threadID uint) string {
	return fmt.Sprintf("thread:%d", threadID)
}

func (h *Hub) Run() {
	defer close(h.doneCh)
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.Send)
			}
			h.groups = make(map[string]map[string]*Client)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				for key, members := range h.groups {
					delete(members, client.ID)
					if len(members) == 0 {
						delete(h.groups, key)
					}
				}
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")

		case msg := <-h.outbound:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg *outboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.Target != nil {
		if client, ok := h.clients[msg.Target.ID]; ok {
			h.offer(client, msg.Message)
		}
		return
	}

	for clientID, client := range h.groups[msg.Group] {
		if clientID == msg.Exclude {
			continue
		}
		h.offer(client, msg.Message)
	}
}

// offer drops a client whose send buffer is full rather than stalling the hub.
func (h *Hub) offer(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		l := log.L()
		l.Warn().Str(log.FieldClientID, client.ID).Msg("client send buffer full, disconnecting")
		go h.removeClient(client)
	}
}

// Stop ends Run and closes every client's send channel.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.doneCh
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) JoinThread(client *Client, threadID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := ThreadGroup(threadID)
	if _, ok := h.groups[key]; !ok {
		h.groups[key] = make(map[string]*Client)
	}
	h.groups[key][client.ID] = client
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str("group", key).Msg("client joined thread group")
}

func (h *Hub) LeaveThread(client *Client, threadID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := ThreadGroup(threadID)
	if members, ok := h.groups[key]; ok {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.groups, key)
		}
	}
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str("group", key).Msg("client left thread group")
}

// BroadcastToThread queues message for every member of the thread's group
// except exclude.
func (h *Hub) BroadcastToThread(threadID uint, message interface{}, exclude string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.enqueue(&outboundMessage{Group: ThreadGroup(threadID), Message: data, Exclude: exclude})
	return nil
}

// SendTo queues message for one client, behind anything already queued.
func (h *Hub) SendTo(client *Client, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.enqueue(&outboundMessage{Target: client, Message: data})
	return nil
}

func (h *Hub) enqueue(msg *outboundMessage) {
	select {
	case h.outbound <- msg:
	case <-h.quit:
	}
}

func (h *Hub) ThreadClientCount(threadID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[ThreadGroup(threadID)])
}

// UserConnected reports whether userID has a session in the thread's group
// other than excludeClientID.
func (h *Hub) UserConnected(threadID, userID uint, excludeClientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for clientID, client := range h.groups[ThreadGroup(threadID)] {
		if clientID == excludeClientID {
			continue
		}
		if u := client.Session.User(); u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) removeClient(client *Client) {
	h.Unregister(client)
}
