package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/operator.console/internal/config"
	"github.com/banshee-data/operator.console/internal/console"
	"github.com/banshee-data/operator.console/internal/events"
	"github.com/banshee-data/operator.console/internal/mapstore"
	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/posetrace"
	"github.com/banshee-data/operator.console/internal/rosbridge"
	"github.com/banshee-data/operator.console/internal/session"
	"github.com/banshee-data/operator.console/internal/timeutil"
	"github.com/banshee-data/operator.console/internal/version"
)

var (
	configPath   = flag.String("config", config.DefaultConfigPath, "Path to the console YAML config")
	printConfig  = flag.Bool("print-config", false, "Print the effective config as YAML and exit")
	devReplay    = flag.String("dev", "", "Replay rosbridge messages from this capture file instead of connecting to a robot")
	replayPeriod = flag.Duration("dev-interval", 50*time.Millisecond, "Delay between replayed messages")
	tracePath    = flag.String("trace-out", "", "Write the pose trace plot to this PNG on shutdown")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

// newDialer picks the robot link: a replay file, a serial port or the
// rosbridge websocket, in that order.
func newDialer(cfg *config.ConsoleConfig, replay string, interval time.Duration) (rosbridge.Dialer, string) {
	if replay != "" {
		return func(ctx context.Context) (rosbridge.Link, error) {
			return rosbridge.OpenReplay(replay, interval)
		}, "replay " + replay
	}
	if port := cfg.GetSerialPort(); port != "" {
		opts := rosbridge.PortOptions{BaudRate: cfg.GetSerialBaud()}
		return func(ctx context.Context) (rosbridge.Link, error) {
			return rosbridge.OpenSerial(port, opts)
		}, "serial " + port
	}
	url := cfg.GetLinkURL()
	return func(ctx context.Context) (rosbridge.Link, error) {
		return rosbridge.DialWebsocket(ctx, url)
	}, url
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Print(version.String())

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *printConfig {
		if err := cfg.Effective().WriteYAML(os.Stdout); err != nil {
			log.Fatalf("failed to print config: %v", err)
		}
		return
	}
	mode, err := session.ParseMode(cfg.GetMode())
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Robot link
	bus := rosbridge.NewTopicMux(nil)
	dial, target := newDialer(cfg, *devReplay, *replayPeriod)
	log.Printf("robot link: %s", target)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bus.Supervise(ctx, dial, timeutil.RealClock{}, cfg.GetReconnectDelay()); err != nil && err != context.Canceled {
			log.Printf("link supervisor stopped: %v", err)
		}
		log.Print("link supervisor terminated")
	}()

	// Static map cache. A database failure degrades to a memory-only cache.
	var store *mapstore.Store
	if path := cfg.GetDatabasePath(); path != "" {
		store, err = mapstore.Open(path)
		if err != nil {
			log.Printf("map cache disabled: %v", err)
			store = nil
		} else {
			defer store.Close()
		}
	}
	var cache *session.StaticMapCache
	if store != nil {
		cache = session.NewStaticMapCache(cfg.GetStaticMapName(), store)
	} else {
		cache = session.NewStaticMapCache(cfg.GetStaticMapName(), nil)
	}

	publisher := events.NewPublisher(events.Config{
		ListenAddr:   cfg.GetGRPCAddr(),
		ClientBuffer: events.DefaultConfig().ClientBuffer,
	})
	if cfg.GetGRPCAddr() != "" {
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start events server: %v", err)
		}
		defer publisher.Stop()
	}

	trace := posetrace.NewRecorder(cfg.GetPoseTraceCapacity())

	// The controller is created after the runner it feeds; goals only
	// arrive once the browser is interacting, long after both exist.
	var controller *session.Controller
	opts := mapview.OptionsFromConfig(cfg)
	opts.OnGoal = func(g mapview.Goal) {
		publisher.PublishGoal(g, time.Now())
		go func() {
			if err := controller.PublishGoal(g); err != nil {
				log.Printf("goal %s not sent: %v", g.ID, err)
			}
		}()
	}
	runner := mapview.NewRunner(mapview.RunnerConfig{
		Options:       opts,
		FrameInterval: cfg.GetFrameInterval(),
		OnTick: func(now time.Time, displayed, target mapview.Pose) {
			trace.Record(now, displayed, target)
		},
	})
	defer runner.Close()

	controller = session.NewController(session.Config{
		Bus:    bus,
		Viewer: runner,
		Cache:  cache,
		Topics: session.Topics{
			MapInfo:   cfg.GetMapInfoTopic(),
			MapUpdate: cfg.GetMapUpdateTopic(),
			StaticMap: cfg.GetStaticMapTopic(),
			Odom:      cfg.GetOdomTopic(),
			Goal:      cfg.GetGoalTopic(),
		},
		Mode: mode,
		OnModeChange: func(m session.Mode) {
			trace.Reset()
		},
	})
	if err := controller.Start(ctx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	defer controller.Close()

	// Forward rendered frames to gRPC subscribers.
	if cfg.GetGRPCAddr() != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, frames := runner.SubscribeFrames()
			defer runner.Unsubscribe(id)
			for {
				select {
				case f, ok := <-frames:
					if !ok {
						return
					}
					publisher.PublishFrame(f)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	srv := console.NewServer(console.Config{
		Address:       cfg.GetListenAddr(),
		Viewport:      runner,
		Session:       controller,
		Trace:         trace,
		FrameInterval: cfg.GetFrameInterval(),
	})
	bus.AttachAdminRoutes(srv.DebugMux())
	publisher.AttachAdminRoutes(srv.DebugMux())
	if store != nil {
		store.AttachAdminRoutes(srv.DebugMux())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			log.Printf("HTTP server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	bus.Close()
	wg.Wait()

	if *tracePath != "" {
		if err := trace.Save(*tracePath); err != nil {
			log.Printf("pose trace not saved: %v", err)
		} else {
			log.Printf("pose trace written to %s", *tracePath)
		}
	}
	log.Printf("Graceful shutdown complete")
}
