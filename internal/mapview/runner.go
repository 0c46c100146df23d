package mapview

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"image"
	"image/png"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/banshee-data/operator.console/internal/timeutil"
)

// Frame is one composed viewport image.
type Frame struct {
	Seq    uint64
	At     time.Time
	Width  int
	Height int
	PNG    []byte
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Options       Options
	Clock         timeutil.Clock
	FrameInterval time.Duration
	// FrameBuffer is the per-subscriber channel depth.
	FrameBuffer int
	// OnTick, if set, is called on the engine goroutine after every tick
	// while a pose is being tracked.
	OnTick func(now time.Time, displayed, target Pose)
}

// Runner owns an Engine on a single goroutine. Inbound messages, input
// events and queries are posted to that goroutine, which also runs the
// animation tick and publishes composed frames to subscribers.
type Runner struct {
	engine *Engine
	clock  timeutil.Clock
	ticker timeutil.Ticker
	onTick func(now time.Time, displayed, target Pose)
	logf   func(format string, v ...interface{})

	cmds    chan func(*Engine)
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	subscriberMu sync.Mutex
	subscribers  map[string]chan Frame
	frameBuffer  int
	needFrame    atomic.Bool
	seq          uint64
	dropped      atomic.Uint64
}

// NewRunner builds the engine, its raster and the frame ticker, and starts
// the owning goroutine. Close releases all of them.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = time.Second / 30
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 2
	}
	r := &Runner{
		engine:      NewEngine(cfg.Options),
		clock:       cfg.Clock,
		ticker:      cfg.Clock.NewTicker(cfg.FrameInterval),
		onTick:      cfg.OnTick,
		logf:        monitoring.Tagged("MapView"),
		cmds:        make(chan func(*Engine), 64),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan Frame),
		frameBuffer: cfg.FrameBuffer,
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	defer close(r.done)
	defer r.ticker.Stop()
	for {
		select {
		case <-r.closing:
			return
		case fn := <-r.cmds:
			fn(r.engine)
		case now := <-r.ticker.C():
			r.tick(now)
		}
	}
}

func (r *Runner) tick(now time.Time) {
	changed := r.engine.Tick(now)
	if r.onTick != nil && r.engine.animator.State() == AnimatorTracking {
		r.onTick(now, r.engine.animator.Displayed(), r.engine.animator.Target())
	}
	force := r.needFrame.Swap(false)
	if !changed && !force {
		return
	}
	if r.subscriberCount() == 0 {
		return
	}
	frame, err := r.compose(now)
	if err != nil {
		r.logf("frame encode failed: %v", err)
		return
	}
	r.broadcast(frame)
}

func (r *Runner) compose(now time.Time) (Frame, error) {
	img := r.engine.Render()
	b, err := encodePNG(img)
	if err != nil {
		return Frame{}, err
	}
	r.seq++
	return Frame{
		Seq:    r.seq,
		At:     now,
		Width:  img.Rect.Dx(),
		Height: img.Rect.Dy(),
		PNG:    b,
	}, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Runner) broadcast(f Frame) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- f:
		default:
			// slow subscriber; the next frame supersedes this one
			if n := r.dropped.Add(1); n%100 == 1 {
				r.logf("frame subscriber %s is slow, %d frames dropped", id, n)
			}
		}
	}
}

func (r *Runner) subscriberCount() int {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	return len(r.subscribers)
}

// SubscribeFrames registers a frame subscriber. The channel is closed by
// Unsubscribe or Close.
func (r *Runner) SubscribeFrames() (string, <-chan Frame) {
	id := randomID()
	ch := make(chan Frame, r.frameBuffer)
	r.subscriberMu.Lock()
	select {
	case <-r.closing:
		close(ch)
	default:
		r.subscribers[id] = ch
	}
	r.subscriberMu.Unlock()
	r.needFrame.Store(true)
	return id, ch
}

// Unsubscribe removes a frame subscriber and closes its channel.
func (r *Runner) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		delete(r.subscribers, id)
		close(ch)
	}
}

// Post queues fn to run on the engine goroutine.
func (r *Runner) Post(fn func(*Engine)) error {
	select {
	case <-r.closing:
		return ErrClosed
	default:
	}
	select {
	case r.cmds <- fn:
		return nil
	case <-r.closing:
		return ErrClosed
	}
}

// Do runs fn on the engine goroutine and waits for it to finish.
func (r *Runner) Do(ctx context.Context, fn func(*Engine)) error {
	finished := make(chan struct{})
	if err := r.Post(func(e *Engine) {
		defer close(finished)
		fn(e)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// State returns the engine state.
func (r *Runner) State(ctx context.Context) (State, error) {
	var s State
	err := r.Do(ctx, func(e *Engine) { s = e.State() })
	return s, err
}

// Snapshot renders and encodes a frame immediately.
func (r *Runner) Snapshot(ctx context.Context) (Frame, error) {
	var (
		f   Frame
		err error
	)
	if doErr := r.Do(ctx, func(e *Engine) { f, err = r.compose(r.clock.Now()) }); doErr != nil {
		return Frame{}, doErr
	}
	return f, err
}

// HandleSnapshot posts a full map.
func (r *Runner) HandleSnapshot(s GridSnapshot) {
	r.post(func(e *Engine) { _ = e.HandleSnapshot(s) })
}

// HandlePatch posts an incremental map update.
func (r *Runner) HandlePatch(p GridPatch) {
	r.post(func(e *Engine) { _ = e.HandlePatch(p) })
}

// HandlePoseSample posts a pose sample.
func (r *Runner) HandlePoseSample(s PoseSample) {
	r.post(func(e *Engine) { e.HandlePoseSample(s) })
}

// ResetMap posts a geometry reset.
func (r *Runner) ResetMap() {
	r.post(func(e *Engine) { e.ResetMap() })
}

// ResetView posts a view reset.
func (r *Runner) ResetView() {
	r.post(func(e *Engine) { e.ResetView() })
}

// SetInteractionMode posts a mode change.
func (r *Runner) SetInteractionMode(m InteractionMode) {
	r.post(func(e *Engine) { e.SetInteractionMode(m) })
}

func (r *Runner) post(fn func(*Engine)) {
	if err := r.Post(fn); err != nil {
		r.logf("dropped command: %v", err)
	}
}

// Close stops the loop, closes every frame subscriber and releases the
// raster. It is safe to call more than once.
func (r *Runner) Close() error {
	r.once.Do(func() {
		r.subscriberMu.Lock()
		close(r.closing)
		r.subscriberMu.Unlock()
		<-r.done

		r.subscriberMu.Lock()
		for id, ch := range r.subscribers {
			close(ch)
			delete(r.subscribers, id)
		}
		r.subscriberMu.Unlock()

		r.engine.Release()
		r.logf("runner stopped")
	})
	return nil
}

// Done is closed once the engine goroutine has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}
