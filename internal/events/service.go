package events

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const serviceName = "console.v1.ConsoleEvents"

// ConsoleEventsServer is the server API for the console.v1.ConsoleEvents
// service.
type ConsoleEventsServer interface {
	StreamGoals(*emptypb.Empty, GoalStreamServer) error
	StreamFrames(*emptypb.Empty, FrameStreamServer) error
}

// GoalStreamServer is the server side of StreamGoals.
type GoalStreamServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// FrameStreamServer is the server side of StreamFrames.
type FrameStreamServer interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

var _ ConsoleEventsServer = (*Publisher)(nil)

var consoleEventsServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ConsoleEventsServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamGoals",
			Handler:       streamGoalsHandler,
			ServerStreams: true,
		},
		{
			StreamName:    "StreamFrames",
			Handler:       streamFramesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "console/v1/events.proto",
}

// RegisterConsoleEventsServer registers srv with s.
func RegisterConsoleEventsServer(s grpc.ServiceRegistrar, srv ConsoleEventsServer) {
	s.RegisterService(&consoleEventsServiceDesc, srv)
}

type goalStreamServer struct{ grpc.ServerStream }

func (x *goalStreamServer) Send(m *structpb.Struct) error { return x.ServerStream.SendMsg(m) }

type frameStreamServer struct{ grpc.ServerStream }

func (x *frameStreamServer) Send(m *wrapperspb.BytesValue) error { return x.ServerStream.SendMsg(m) }

func streamGoalsHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ConsoleEventsServer).StreamGoals(m, &goalStreamServer{stream})
}

func streamFramesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ConsoleEventsServer).StreamFrames(m, &frameStreamServer{stream})
}

// StreamGoals sends every goal published after the client connects.
func (p *Publisher) StreamGoals(_ *emptypb.Empty, stream GoalStreamServer) error {
	return p.stream(stream.Context(), KindGoal, func(ev Event) error {
		msg, err := GoalStruct(ev.Goal, ev.At)
		if err != nil {
			return err
		}
		return stream.Send(msg)
	})
}

// StreamFrames sends rendered PNG frames. Slow clients skip frames.
func (p *Publisher) StreamFrames(_ *emptypb.Empty, stream FrameStreamServer) error {
	return p.stream(stream.Context(), KindFrame, func(ev Event) error {
		return stream.Send(wrapperspb.Bytes(ev.Frame.PNG))
	})
}

func (p *Publisher) stream(ctx context.Context, kind Kind, send func(Event) error) error {
	client := p.addClient(kind)
	defer p.removeClient(client.id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case ev := <-client.events:
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

// GoalStruct encodes a goal event.
func GoalStruct(goal mapview.Goal, at time.Time) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"id":    goal.ID,
		"x":     goal.X,
		"y":     goal.Y,
		"yaw":   goal.Yaw,
		"frame": "map",
		"stamp": at.UTC().Format(time.RFC3339Nano),
	})
}

// GoalFromStruct decodes a goal event produced by GoalStruct.
func GoalFromStruct(s *structpb.Struct) (mapview.Goal, time.Time, error) {
	f := s.GetFields()
	goal := mapview.Goal{
		ID:  f["id"].GetStringValue(),
		X:   f["x"].GetNumberValue(),
		Y:   f["y"].GetNumberValue(),
		Yaw: f["yaw"].GetNumberValue(),
	}
	if goal.ID == "" {
		return goal, time.Time{}, fmt.Errorf("goal event without id")
	}
	at, err := time.Parse(time.RFC3339Nano, f["stamp"].GetStringValue())
	if err != nil {
		return goal, time.Time{}, fmt.Errorf("goal %s stamp: %w", goal.ID, err)
	}
	return goal, at, nil
}

// Client is a console.v1.ConsoleEvents client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GoalStreamClient receives goal events.
type GoalStreamClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

// FrameStreamClient receives frames.
type FrameStreamClient interface {
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ClientStream
}

func (c *Client) open(ctx context.Context, idx int, opts []grpc.CallOption) (grpc.ClientStream, error) {
	desc := &consoleEventsServiceDesc.Streams[idx]
	stream, err := c.cc.NewStream(ctx, desc, "/"+serviceName+"/"+desc.StreamName, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

// StreamGoals subscribes to goal events.
func (c *Client) StreamGoals(ctx context.Context, opts ...grpc.CallOption) (GoalStreamClient, error) {
	stream, err := c.open(ctx, 0, opts)
	if err != nil {
		return nil, err
	}
	return &goalStreamClient{stream}, nil
}

// StreamFrames subscribes to rendered frames.
func (c *Client) StreamFrames(ctx context.Context, opts ...grpc.CallOption) (FrameStreamClient, error) {
	stream, err := c.open(ctx, 1, opts)
	if err != nil {
		return nil, err
	}
	return &frameStreamClient{stream}, nil
}

type goalStreamClient struct{ grpc.ClientStream }

func (x *goalStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type frameStreamClient struct{ grpc.ClientStream }

func (x *frameStreamClient) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
