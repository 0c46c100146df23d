// Package events streams console events to remote tools over gRPC: goals
// picked on the map and rendered viewport frames.
package events

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"tailscale.com/tsweb"
)

// Config holds configuration for the events gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// ClientBuffer is the per-client queue length; a full queue drops events
	// for that client only.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		ClientBuffer: 16,
	}
}

// Kind is the type of an event.
type Kind int

const (
	KindGoal Kind = iota + 1
	KindFrame
)

func (k Kind) String() string {
	switch k {
	case KindGoal:
		return "goal"
	case KindFrame:
		return "frame"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one item on the broadcast queue.
type Event struct {
	Kind  Kind
	At    time.Time
	Goal  mapview.Goal
	Frame mapview.Frame
}

// Publisher manages the gRPC server and event broadcasting.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener
	logf     func(format string, v ...interface{})

	eventChan chan Event
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	goalCount   atomic.Uint64
	frameCount  atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id     string
	kind   Kind
	events chan Event
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		logf:      monitoring.Tagged("Events"),
		eventChan: make(chan Event, 64),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start listens on the configured address and serves the event stream.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves the event stream on lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	// frames are full PNG viewports
	const maxMsgSize = 16 * 1024 * 1024
	p.server = grpc.NewServer(grpc.MaxSendMsgSize(maxMsgSize))
	RegisterConsoleEventsServer(p.server, p)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop stops the gRPC server and ends every client stream.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)

	if p.server != nil {
		// GracefulStop blocks on open streams
		p.server.Stop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	p.logf("gRPC server stopped")
}

// PublishGoal queues a goal event for all goal subscribers.
func (p *Publisher) PublishGoal(goal mapview.Goal, at time.Time) {
	p.enqueue(Event{Kind: KindGoal, At: at, Goal: goal})
}

// PublishFrame queues a rendered frame for all frame subscribers.
func (p *Publisher) PublishFrame(frame mapview.Frame) {
	p.enqueue(Event{Kind: KindFrame, At: frame.At, Frame: frame})
}

func (p *Publisher) enqueue(ev Event) {
	if !p.running.Load() {
		return
	}
	select {
	case p.eventChan <- ev:
		if ev.Kind == KindGoal {
			p.goalCount.Add(1)
		} else {
			p.frameCount.Add(1)
		}
	default:
		dropped := p.dropped.Add(1)
		if ev.Kind == KindGoal {
			p.logf("DROPPED goal %s (total dropped: %d), queue full", ev.Goal.ID, dropped)
		}
	}
}

// broadcastLoop distributes events to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.eventChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				if client.kind != ev.Kind {
					continue
				}
				select {
				case client.events <- ev:
				default:
					// slow client; drop for this client only
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client for events of kind.
func (p *Publisher) addClient(kind Kind) *clientStream {
	client := &clientStream{
		id:     uuid.NewString(),
		kind:   kind,
		events: make(chan Event, p.config.ClientBuffer),
	}

	p.clientsMu.Lock()
	p.clients[client.id] = client
	p.clientsMu.Unlock()

	p.clientCount.Add(1)
	p.logf("%s client connected: %s (total: %d)", kind, client.id, p.clientCount.Load())
	return client
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	if ok {
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()
	if !ok {
		return
	}
	p.clientCount.Add(-1)
	p.logf("%s client disconnected: %s (remaining: %d)", client.kind, id, p.clientCount.Load())
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Goals:   p.goalCount.Load(),
		Frames:  p.frameCount.Load(),
		Dropped: p.dropped.Load(),
		Clients: p.clientCount.Load(),
		Running: p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Goals   uint64 `json:"goals"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
	Clients int32  `json:"clients"`
	Running bool   `json:"running"`
}

// AttachAdminRoutes exposes publisher stats under /debug/events.
func (p *Publisher) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("events", "Event stream stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(p.Stats())
	})
}
