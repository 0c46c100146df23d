package events

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"github.com/banshee-data/operator.console/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func init() {
	monitoring.SetLogger(nil)
}

func startBufconn(t *testing.T, cfg Config) (*Publisher, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(cfg)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return pub, NewClient(conn)
}

func waitForClients(t *testing.T, pub *Publisher, n int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pub.Stats().Clients == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:50061", cfg.ListenAddr)
	assert.Equal(t, 16, cfg.ClientBuffer)

	pub := NewPublisher(Config{})
	assert.Equal(t, 16, pub.config.ClientBuffer)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "goal", KindGoal.String())
	assert.Equal(t, "frame", KindFrame.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
}

func TestPublishNotRunning(t *testing.T) {
	pub := NewPublisher(DefaultConfig())
	pub.PublishGoal(mapview.Goal{ID: "g"}, time.Now())
	stats := pub.Stats()
	assert.False(t, stats.Running)
	assert.Zero(t, stats.Goals)
	// Stop before Start is a no-op
	pub.Stop()
}

func TestServeTwice(t *testing.T) {
	pub, _ := startBufconn(t, DefaultConfig())
	assert.Error(t, pub.Serve(bufconn.Listen(1024)))
}

func TestStreamGoals(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamGoals(ctx)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	at := time.Date(2026, 5, 1, 9, 30, 0, 125000000, time.UTC)
	want := mapview.Goal{ID: "goal-1", X: 1.25, Y: -3.5, Yaw: 0.75}
	pub.PublishGoal(want, at)
	// frames never reach goal subscribers
	pub.PublishFrame(mapview.Frame{Seq: 1, PNG: []byte{1}})

	msg, err := stream.Recv()
	require.NoError(t, err)
	got, gotAt, err := GoalFromStruct(msg)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, gotAt.Equal(at))
	assert.Equal(t, "map", msg.GetFields()["frame"].GetStringValue())

	stats := pub.Stats()
	assert.Equal(t, uint64(1), stats.Goals)
	assert.Equal(t, uint64(1), stats.Frames)
}

func TestStreamFrames(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamFrames(ctx)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	png := []byte{0x89, 'P', 'N', 'G', 1, 2, 3}
	pub.PublishFrame(mapview.Frame{Seq: 4, Width: 10, Height: 10, PNG: png})

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, png, msg.GetValue())
}

func TestClientDisconnectRemovesClient(t *testing.T) {
	pub, client := startBufconn(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	_, err := client.StreamGoals(ctx)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	cancel()
	waitForClients(t, pub, 0)
}

func TestSlowClientDrops(t *testing.T) {
	pub := NewPublisher(Config{ClientBuffer: 1})
	pub.running.Store(true)
	pub.wg.Add(1)
	go pub.broadcastLoop()
	defer func() {
		pub.running.Store(false)
		close(pub.stopCh)
		pub.wg.Wait()
	}()

	client := pub.addClient(KindGoal)
	for i := 0; i < 3; i++ {
		pub.PublishGoal(mapview.Goal{ID: "g"}, time.Now())
	}
	require.Eventually(t, func() bool {
		return pub.Stats().Dropped == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, client.events, 1)

	pub.removeClient(client.id)
	pub.removeClient(client.id)
	assert.Zero(t, pub.Stats().Clients)
}

func TestStopEndsStreams(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	pub := NewPublisher(DefaultConfig())
	require.NoError(t, pub.Serve(lis))

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := NewClient(conn).StreamFrames(ctx)
	require.NoError(t, err)
	waitForClients(t, pub, 1)

	pub.Stop()
	_, err = stream.Recv()
	assert.Error(t, err)
	assert.False(t, pub.Stats().Running)
}

func TestGoalFromStructErrors(t *testing.T) {
	msg, err := GoalStruct(mapview.Goal{}, time.Now())
	require.NoError(t, err)
	_, _, err = GoalFromStruct(msg)
	assert.Error(t, err)

	msg, err = GoalStruct(mapview.Goal{ID: "x"}, time.Now())
	require.NoError(t, err)
	delete(msg.Fields, "stamp")
	_, _, err = GoalFromStruct(msg)
	assert.Error(t, err)
}

func TestAdminRoutes(t *testing.T) {
	pub := NewPublisher(DefaultConfig())
	mux := http.NewServeMux()
	pub.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/events", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats PublisherStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.False(t, stats.Running)
}
