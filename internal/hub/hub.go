// Package hub manages live WebSocket connections and routes typed messages
// to per-job subscribers.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Hub owns the set of live connections and the job subscription registry.
// All map mutation happens under one mutex; broadcasting snapshots targets
// first and enqueues outside any per-connection wait, so one slow consumer
// never delays another.
type Hub struct {
	mu         sync.Mutex
	clients    map[*Client]struct{}
	jobSubs    map[string]map[*Client]struct{}
	clientJobs map[*Client]map[string]struct{}
	log        zerolog.Logger
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		jobSubs:    make(map[string]map[*Client]struct{}),
		clientJobs: make(map[*Client]map[string]struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Connect registers a new connection and starts its writer goroutine.
func (h *Hub) Connect(writer MessageWriter) *Client {
	c := &Client{
		id:     uuid.NewString(),
		hub:    h,
		writer: writer,
		out:    make(chan Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
	c.log = h.log.With().Str("conn_id", c.id).Logger()

	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	go c.writeLoop()

	h.log.Info().Str("conn_id", c.id).Int("connections", total).Msg("Client connected")
	return c
}

// Disconnect unregisters a connection and cascade-removes its subscriptions.
// Safe to call multiple times.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	if _, known := h.clients[c]; !known {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(h.clients, c)
	for jobID := range h.clientJobs[c] {
		delete(h.jobSubs[jobID], c)
		if len(h.jobSubs[jobID]) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
	delete(h.clientJobs, c)
	total := len(h.clients)
	h.mu.Unlock()

	c.close()
	h.log.Info().Str("conn_id", c.id).Int("connections", total).Msg("Client disconnected")
}

// Subscribe adds the connection to a job's broadcast set.
func (h *Hub) Subscribe(c *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, known := h.clients[c]; !known {
		return
	}
	if h.jobSubs[jobID] == nil {
		h.jobSubs[jobID] = make(map[*Client]struct{})
	}
	h.jobSubs[jobID][c] = struct{}{}
	if h.clientJobs[c] == nil {
		h.clientJobs[c] = make(map[string]struct{})
	}
	h.clientJobs[c][jobID] = struct{}{}
}

// Unsubscribe removes the connection from a job's broadcast set.
func (h *Hub) Unsubscribe(c *Client, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.jobSubs[jobID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.jobSubs, jobID)
		}
	}
	if jobs, ok := h.clientJobs[c]; ok {
		delete(jobs, jobID)
	}
}

// BroadcastToJob sends a frame to every subscriber of the job. Connections
// that cannot accept delivery are disconnected. Returns the number of
// connections the frame was queued for.
func (h *Hub) BroadcastToJob(jobID string, env Envelope) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.jobSubs[jobID]))
	for c := range h.jobSubs[jobID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	return h.deliver(targets, env)
}

// BroadcastAll sends a frame to every live connection. Used for price
// updates, which are routed by the prediction id embedded in the payload
// rather than by job subscription.
func (h *Hub) BroadcastAll(env Envelope) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	return h.deliver(targets, env)
}

func (h *Hub) deliver(targets []*Client, env Envelope) int {
	sent := 0
	for _, c := range targets {
		if c.enqueue(env) {
			sent++
			continue
		}
		// Queue full or client closing: slow consumers are dropped, not waited on.
		h.log.Warn().Str("conn_id", c.id).Str("type", string(env.Type)).Msg("Send queue full, dropping client")
		h.Disconnect(c)
	}
	return sent
}

// inboundMessage is the client-to-server frame shape.
type inboundMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// HandleInbound processes one client frame: subscribe, unsubscribe or ping.
// Malformed or unknown frames are answered with an error frame.
func (h *Hub) HandleInbound(c *Client, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(NewError("", "invalid message"))
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.JobID == "" {
			c.enqueue(NewError("", "subscribe requires job_id"))
			return
		}
		h.Subscribe(c, msg.JobID)
		h.log.Debug().Str("conn_id", c.id).Str("job_id", msg.JobID).Msg("Subscribed")
	case "unsubscribe":
		if msg.JobID == "" {
			c.enqueue(NewError("", "unsubscribe requires job_id"))
			return
		}
		h.Unsubscribe(c, msg.JobID)
		h.log.Debug().Str("conn_id", c.id).Str("job_id", msg.JobID).Msg("Unsubscribed")
	case "ping":
		c.enqueue(NewPong())
	default:
		c.enqueue(NewError("", "unknown message type: "+msg.Type))
	}
}

// Counts returns the number of live connections and active job
// subscriptions. Used by the system status endpoint.
func (h *Hub) Counts() (connections, subscriptions int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connections = len(h.clients)
	for _, subs := range h.jobSubs {
		subscriptions += len(subs)
	}
	return connections, subscriptions
}
