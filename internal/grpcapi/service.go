// Package grpcapi exposes an admin-facing gRPC streaming surface over a
// running game's broker traffic: a server-streaming watch of score and
// control events, and a client-streaming channel for submitting control
// commands. There is no generated protobuf package for this domain, so
// frames are carried as google.protobuf.Struct values and the service is
// registered by hand through a grpc.ServiceDesc.
package grpcapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"gamecast/broker/internal/logging"
)

const controlProcessTimeout = 250 * time.Millisecond

// Option customises a Service at construction time.
type Option func(*Service)

// WithCompressor overrides the default payload compressor.
func WithCompressor(c Compressor) Option {
	return func(s *Service) {
		if c != nil {
			s.compressor = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service implements the WatchGame/SubmitControls streams over a GameBridge.
type Service struct {
	bridge     GameBridge
	compressor Compressor
	logger     *logging.Logger
}

// NewService wires a Service to bridge with the given options applied.
func NewService(bridge GameBridge, opts ...Option) *Service {
	s := &Service{
		bridge:     bridge,
		compressor: NewGZIPCompressor(),
		logger:     logging.NewTestLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// WatchGame streams every score and control event observed for one game_id
// until the client cancels or the watch ends. req must carry a "game_id"
// string field and an optional "channels" list field (defaults to scores
// and controls).
func (s *Service) WatchGame(req *structpb.Struct, stream grpc.ServerStream) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "watch unavailable")
	}
	gameID := req.GetFields()["game_id"].GetStringValue()
	if gameID == "" {
		return status.Error(codes.InvalidArgument, "game_id is required")
	}
	channels := stringList(req.GetFields()["channels"])
	if len(channels) == 0 {
		channels = []string{"scores", "controls"}
	}

	ctx := stream.Context()
	events, cancel, err := s.bridge.Watch(ctx, gameID, channels)
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "watch game: %v", err)
	}
	defer cancel()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case event, ok := <-events:
			if !ok {
				return nil
			}
			seq++
			compressed, err := s.compressor.Compress(event.Payload)
			if err != nil {
				return status.Errorf(codes.Internal, "compress frame: %v", err)
			}
			frame, err := structpb.NewStruct(map[string]any{
				"seq":      float64(seq),
				"channel":  event.Channel,
				"encoding": s.compressor.Name(),
				"payload":  base64.StdEncoding.EncodeToString(compressed),
			})
			if err != nil {
				return status.Errorf(codes.Internal, "build frame: %v", err)
			}
			if err := stream.SendMsg(frame); err != nil {
				return err
			}
		}
	}
}

// SubmitControls ingests a client-streamed run of control frames, each
// carrying a "game_id", "encoding" and base64 "payload" field, and
// republishes the decoded payload onto the game's controls channel. It
// replies once, on stream close, with an accepted/rejected summary.
func (s *Service) SubmitControls(stream grpc.ServerStream) error {
	if s == nil || s.bridge == nil {
		return status.Error(codes.FailedPrecondition, "submit unavailable")
	}
	ctx := stream.Context()
	var accepted, rejected uint32

	for {
		frame := &structpb.Struct{}
		err := stream.RecvMsg(frame)
		if errors.Is(err, io.EOF) {
			summary, buildErr := structpb.NewStruct(map[string]any{
				"accepted": float64(accepted),
				"rejected": float64(rejected),
			})
			if buildErr != nil {
				return status.Errorf(codes.Internal, "build summary: %v", buildErr)
			}
			return stream.SendMsg(summary)
		}
		if err != nil {
			return err
		}

		fields := frame.GetFields()
		gameID := fields["game_id"].GetStringValue()
		encoding := fields["encoding"].GetStringValue()
		if encoding != s.compressor.Name() {
			rejected++
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(fields["payload"].GetStringValue())
		if err != nil {
			rejected++
			continue
		}
		payload, err := s.compressor.Decompress(raw)
		if err != nil {
			rejected++
			continue
		}

		submitCtx, cancel := context.WithTimeout(ctx, controlProcessTimeout)
		err = s.bridge.SubmitControl(submitCtx, gameID, payload)
		cancel()
		if err != nil {
			s.logger.Warn("control submission rejected", logging.String("game_id", gameID), logging.Error(err))
			rejected++
			continue
		}
		accepted++
	}
}

func stringList(v *structpb.Value) []string {
	list := v.GetListValue()
	if list == nil {
		return nil
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		if s := item.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ServiceDesc is the hand-written grpc.ServiceDesc registering Service's two
// streams, standing in for generated protoc-gen-go-grpc registration code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "gamecast.broker.GameStreamService",
	HandlerType: (*Service)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchGame",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				req := &structpb.Struct{}
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(*Service).WatchGame(req, stream)
			},
		},
		{
			StreamName:    "SubmitControls",
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(*Service).SubmitControls(stream)
			},
		},
	},
	Metadata: "gamecast/broker/grpcapi",
}

// Register attaches Service to server under ServiceDesc.
func Register(server *grpc.Server, svc *Service) {
	server.RegisterService(&ServiceDesc, svc)
}
