// Package admin exposes the live state of a running switch over gRPC.
package admin

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/baransel/aseba/internal/relay"
)

// Source is what the admin service reports on; *relay.Relay implements it.
type Source interface {
	Peers() []relay.PeerInfo
	Stats() relay.Stats
}

// Server answers admin RPCs from a Source.
type Server struct {
	UnimplementedAdminServer
	Source Source
}

func (s *Server) ListPeers(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.Source == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing switch")
	}
	peers := s.Source.Peers()
	list := make([]interface{}, 0, len(peers))
	for _, p := range peers {
		row := map[string]interface{}{
			"id":        p.ID,
			"target":    p.Target,
			"direction": p.Direction.String(),
			"opened":    p.Opened.UTC().Format(time.RFC3339Nano),
		}
		if p.Remapped {
			row["remap"] = int(p.Remap)
		}
		list = append(list, row)
	}
	out, err := structpb.NewStruct(map[string]interface{}{"peers": list})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.Source == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing switch")
	}
	st := s.Source.Stats()
	out, err := structpb.NewStruct(map[string]interface{}{
		"peers":        st.Peers,
		"frames_in":    st.FramesIn,
		"frames_out":   st.FramesOut,
		"write_errors": st.WriteErrors,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Listener is a running admin endpoint.
type Listener struct {
	srv *grpc.Server
	lis net.Listener
}

// Listen serves the admin service for src on addr until ctx is done.
func Listen(ctx context.Context, addr string, src Source, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := grpc.NewServer()
	RegisterAdminServer(srv, &Server{Source: src})
	go func() {
		if err := srv.Serve(lis); err != nil {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	log.Debug("admin listening", zap.String("addr", lis.Addr().String()))
	return &Listener{srv: srv, lis: lis}, nil
}

func (l *Listener) Addr() string { return l.lis.Addr().String() }

// Stop closes the listener and every open RPC.
func (l *Listener) Stop() { l.srv.Stop() }
