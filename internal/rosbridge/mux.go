package rosbridge

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/banshee-data/operator.console/internal/timeutil"
	"tailscale.com/tsweb"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth.
const DefaultSubscriberBuffer = 32

type topicState struct {
	msgType     string
	subscribers map[string]chan json.RawMessage
	received    uint64
	dropped     uint64
}

// TopicMux multiplexes rosbridge topics over a single link. Many local
// subscribers may share a topic; the bridge sees one subscription per topic.
type TopicMux struct {
	// controlMu serialises outbound control traffic and guards link and
	// advertised.
	controlMu  sync.Mutex
	link       Link
	advertised map[string]string

	subscriberMu sync.Mutex
	topics       map[string]*topicState
	taps         map[string]chan string

	closing   bool
	closingMu sync.Mutex

	connected atomic.Bool
	buffer    int
	logf      func(format string, v ...interface{})
}

// NewTopicMux creates a mux. link may be nil; subscriptions made before a
// link is bound are sent by Rebind.
func NewTopicMux(link Link) *TopicMux {
	m := &TopicMux{
		advertised: make(map[string]string),
		topics:     make(map[string]*topicState),
		taps:       make(map[string]chan string),
		buffer:     DefaultSubscriberBuffer,
		logf:       monitoring.Tagged("Rosbridge"),
	}
	m.link = link
	m.connected.Store(link != nil)
	return m
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (m *TopicMux) isClosing() bool {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	return m.closing
}

// Connected reports whether a link is currently bound.
func (m *TopicMux) Connected() bool { return m.connected.Load() }

// send writes one envelope to the bound link. controlMu must be held.
func (m *TopicMux) send(env Envelope) error {
	if m.link == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Op, err)
	}
	if err := m.link.WriteMessage(b); err != nil {
		return fmt.Errorf("%s %s: %w", env.Op, env.Topic, err)
	}
	return nil
}

// Subscribe registers a subscriber for topic. The first subscriber on a
// topic sends a subscribe request to the bridge. If that request cannot be
// sent the subscription is still kept and is replayed by the next Rebind.
func (m *TopicMux) Subscribe(topic, msgType string) (string, <-chan json.RawMessage, error) {
	ch := make(chan json.RawMessage, m.buffer)
	if m.isClosing() {
		close(ch)
		return "", ch, ErrClosed
	}
	id := randomID()

	m.controlMu.Lock()
	defer m.controlMu.Unlock()

	m.subscriberMu.Lock()
	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicState{msgType: msgType, subscribers: make(map[string]chan json.RawMessage)}
		m.topics[topic] = ts
	}
	ts.subscribers[id] = ch
	first := len(ts.subscribers) == 1
	m.subscriberMu.Unlock()

	if first {
		err := m.send(Envelope{Op: OpSubscribe, ID: "subscribe:" + topic, Topic: topic, Type: msgType})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			return id, ch, err
		}
	}
	return id, ch, nil
}

// Unsubscribe removes a subscriber and closes its channel. Removing the
// last subscriber of a topic unsubscribes from the bridge.
func (m *TopicMux) Unsubscribe(id string) {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()

	m.subscriberMu.Lock()
	var topic string
	var last bool
	for name, ts := range m.topics {
		ch, ok := ts.subscribers[id]
		if !ok {
			continue
		}
		close(ch)
		delete(ts.subscribers, id)
		if len(ts.subscribers) == 0 {
			delete(m.topics, name)
			topic, last = name, true
		}
		break
	}
	m.subscriberMu.Unlock()

	if last {
		err := m.send(Envelope{Op: OpUnsubscribe, ID: "subscribe:" + topic, Topic: topic})
		if err != nil && !errors.Is(err, ErrNotConnected) {
			m.logf("unsubscribe %s failed: %v", topic, err)
		}
	}
}

// Publish sends msg on topic, advertising the topic first if this mux has
// not done so yet.
func (m *TopicMux) Publish(topic, msgType string, msg interface{}) error {
	if m.isClosing() {
		return ErrClosed
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", topic, err)
	}

	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	if _, ok := m.advertised[topic]; !ok {
		m.advertised[topic] = msgType
		if err := m.send(Envelope{Op: OpAdvertise, ID: "advertise:" + topic, Topic: topic, Type: msgType}); err != nil {
			return err
		}
	}
	return m.send(Envelope{Op: OpPublish, Topic: topic, Msg: payload})
}

// Tap returns a channel receiving every raw inbound message.
func (m *TopicMux) Tap() (string, chan string) {
	id := randomID()
	ch := make(chan string, m.buffer)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.taps[id] = ch
	return id, ch
}

// Untap removes a tap added by Tap.
func (m *TopicMux) Untap(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.taps[id]; ok {
		close(ch)
		delete(m.taps, id)
	}
}

// Monitor reads messages from the bound link and fans them out to topic
// subscribers until the context is cancelled or the link fails. A link
// that reaches EOF ends Monitor with a nil error.
func (m *TopicMux) Monitor(ctx context.Context) error {
	m.controlMu.Lock()
	link := m.link
	m.controlMu.Unlock()
	if link == nil {
		return ErrNotConnected
	}

	msgChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking ReadMessage does not interfere with the outer loop
	// awaiting messages and context cancellation.
	go func() {
		defer close(msgChan)
		for {
			b, err := link.ReadMessage()
			if err != nil {
				readErrChan <- err
				return
			}
			select {
			case msgChan <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case b, ok := <-msgChan:
			if !ok {
				select {
				case err := <-readErrChan:
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				default:
					return nil
				}
			}
			if m.isClosing() {
				return nil
			}
			m.dispatch(b)
		}
	}
}

func (m *TopicMux) dispatch(b []byte) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		m.logf("dropped malformed message: %v", err)
		return
	}

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for _, tap := range m.taps {
		select {
		case tap <- string(b):
		default:
		}
	}

	switch env.Op {
	case OpPublish:
		ts, ok := m.topics[env.Topic]
		if !ok {
			return
		}
		ts.received++
		for _, ch := range ts.subscribers {
			select {
			case ch <- env.Msg:
			default:
				// a slow subscriber must not stall the link
				ts.dropped++
			}
		}
	case OpStatus:
		var text string
		if err := json.Unmarshal(env.Msg, &text); err != nil {
			text = string(env.Msg)
		}
		m.logf("bridge %s: %s", env.Level, text)
	}
}

// Rebind binds a new link and replays every subscription and advertisement
// on it. Passing nil detaches the current link.
func (m *TopicMux) Rebind(link Link) error {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	m.link = link
	m.connected.Store(link != nil)
	if link == nil {
		return nil
	}

	m.subscriberMu.Lock()
	subs := make(map[string]string, len(m.topics))
	for name, ts := range m.topics {
		subs[name] = ts.msgType
	}
	m.subscriberMu.Unlock()

	for _, topic := range slices.Sorted(maps.Keys(subs)) {
		if err := m.send(Envelope{Op: OpSubscribe, ID: "subscribe:" + topic, Topic: topic, Type: subs[topic]}); err != nil {
			return err
		}
	}
	for _, topic := range slices.Sorted(maps.Keys(m.advertised)) {
		if err := m.send(Envelope{Op: OpAdvertise, ID: "advertise:" + topic, Topic: topic, Type: m.advertised[topic]}); err != nil {
			return err
		}
	}
	return nil
}

func (m *TopicMux) detach(link Link) {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	if m.link == link {
		m.link = nil
		m.connected.Store(false)
	}
}

// Supervise keeps the mux connected: it dials, rebinds, monitors until the
// link drops, then waits delay and dials again. It returns when ctx is
// cancelled or the mux is closed.
func (m *TopicMux) Supervise(ctx context.Context, dial Dialer, clock timeutil.Clock, delay time.Duration) error {
	for {
		link, err := dial(ctx)
		if err != nil {
			m.logf("connect failed: %v", err)
		} else {
			m.logf("link up")
			if err = m.Rebind(link); err == nil {
				err = m.Monitor(ctx)
			}
			m.detach(link)
			link.Close()
			if ctx.Err() == nil && !m.isClosing() {
				m.logf("link lost: %v", err)
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.isClosing() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(delay):
		}
	}
}

// Close closes every subscriber channel and the bound link.
func (m *TopicMux) Close() error {
	m.closingMu.Lock()
	if m.closing {
		m.closingMu.Unlock()
		return nil
	}
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	for _, ts := range m.topics {
		for id, ch := range ts.subscribers {
			close(ch)
			delete(ts.subscribers, id)
		}
	}
	clear(m.topics)
	for id, ch := range m.taps {
		close(ch)
		delete(m.taps, id)
	}
	m.subscriberMu.Unlock()

	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	m.connected.Store(false)
	if m.link == nil {
		return nil
	}
	err := m.link.Close()
	m.link = nil
	return err
}

// TopicStats describes one subscribed topic.
type TopicStats struct {
	Topic       string `json:"topic"`
	Type        string `json:"type"`
	Subscribers int    `json:"subscribers"`
	Received    uint64 `json:"received"`
	Dropped     uint64 `json:"dropped"`
}

// Stats is a point-in-time view of the mux.
type Stats struct {
	Connected  bool         `json:"connected"`
	Topics     []TopicStats `json:"topics"`
	Advertised []string     `json:"advertised"`
}

// Stats reports link state and per-topic counters.
func (m *TopicMux) Stats() Stats {
	st := Stats{Connected: m.Connected()}

	m.subscriberMu.Lock()
	for _, name := range slices.Sorted(maps.Keys(m.topics)) {
		ts := m.topics[name]
		st.Topics = append(st.Topics, TopicStats{
			Topic:       name,
			Type:        ts.msgType,
			Subscribers: len(ts.subscribers),
			Received:    ts.received,
			Dropped:     ts.dropped,
		})
	}
	m.subscriberMu.Unlock()

	m.controlMu.Lock()
	st.Advertised = slices.Sorted(maps.Keys(m.advertised))
	m.controlMu.Unlock()
	return st
}

// AttachAdminRoutes mounts the topic table and a live tail of inbound
// messages under /debug/.
func (m *TopicMux) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("rosbridge", "rosbridge link and topic counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(m.Stats()); err != nil {
			http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
		}
	})

	// Server-Sent Events stream of every inbound rosbridge message.
	debug.HandleSilentFunc("rosbridge-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Tap()
		defer m.Untap(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
