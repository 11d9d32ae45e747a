// ABOUTME: gRPC service exposing the self-hosted backend engine
// ABOUTME: Hand-declared service descriptor over well-known protobuf message types

package remote

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/profilesync/internal/auth"
	"github.com/2389/profilesync/internal/backend/local"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "profilesync.v1.Backend"

const (
	methodSignInAnonymously = "/" + ServiceName + "/SignInAnonymously"
	methodSignInWithToken   = "/" + ServiceName + "/SignInWithToken"
	methodRefreshSession    = "/" + ServiceName + "/RefreshSession"
	methodSetDocument       = "/" + ServiceName + "/SetDocument"
	methodWatchDocument     = "/" + ServiceName + "/WatchDocument"
)

// publicMethods skip bearer authentication.
var publicMethods = map[string]bool{
	methodSignInAnonymously: true,
	methodSignInWithToken:   true,
	methodRefreshSession:    true,
}

// BackendServer is the server API of the backend service.
type BackendServer interface {
	SignInAnonymously(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SignInWithToken(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefreshSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetDocument(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchDocument(*structpb.Struct, grpc.ServerStream) error
}

// ServiceDesc describes the backend service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignInAnonymously", Handler: signInAnonymouslyHandler},
		{MethodName: "SignInWithToken", Handler: signInWithTokenHandler},
		{MethodName: "RefreshSession", Handler: refreshSessionHandler},
		{MethodName: "SetDocument", Handler: setDocumentHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchDocument", Handler: watchDocumentHandler, ServerStreams: true},
	},
	Metadata: "profilesync/v1/backend.proto",
}

func signInAnonymouslyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).SignInAnonymously(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSignInAnonymously}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).SignInAnonymously(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func signInWithTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).SignInWithToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSignInWithToken}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).SignInWithToken(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func refreshSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).RefreshSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRefreshSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).RefreshSession(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func setDocumentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).SetDocument(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetDocument}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).SetDocument(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func watchDocumentHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BackendServer).WatchDocument(in, stream)
}

// Server implements BackendServer on top of a local.Engine.
type Server struct {
	engine *local.Engine
	logger *slog.Logger
}

var _ BackendServer = (*Server)(nil)

// NewServer creates a service for engine.
func NewServer(engine *local.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger.With("component", "grpc")}
}

// NewGRPCServer builds a grpc.Server with keepalive and bearer authentication
// and registers the backend service on it.
func NewGRPCServer(engine *local.Engine, logger *slog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	authLogger := logger.With("component", "auth")
	base := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(engine.Verifier(), publicMethods, authLogger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(engine.Verifier(), publicMethods, authLogger)),
	}
	server := grpc.NewServer(append(base, opts...)...)
	server.RegisterService(&ServiceDesc, NewServer(engine, logger))
	return server
}

// shutdownGrace bounds how long Serve waits for in-flight RPCs on shutdown.
const shutdownGrace = 5 * time.Second

// Serve runs server on lis until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, server *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		// Watch streams only end with their client, so graceful stop is bounded.
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			server.Stop()
			<-stopped
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// SignInAnonymously creates an anonymous user.
func (s *Server) SignInAnonymously(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	sess, err := s.engine.SignUpAnonymous(ctx)
	if err != nil {
		s.logger.Error("anonymous sign-in failed", "error", err)
		return nil, status.Error(codes.Internal, "anonymous sign-in failed")
	}
	return sessionStruct(sess), nil
}

// SignInWithToken exchanges a custom token for a session.
func (s *Server) SignInWithToken(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["token"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	sess, err := s.engine.SignInWithCustomToken(ctx, token)
	if err != nil {
		if isAuthError(err) {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		s.logger.Error("token sign-in failed", "error", err)
		return nil, status.Error(codes.Internal, "token sign-in failed")
	}
	return sessionStruct(sess), nil
}

// RefreshSession trades a refresh token for a fresh id token.
func (s *Server) RefreshSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := req.GetFields()["refreshToken"].GetStringValue()
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "refreshToken is required")
	}
	sess, err := s.engine.Refresh(ctx, token)
	if err != nil {
		if isAuthError(err) || errors.Is(err, local.ErrUnknownUser) {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		s.logger.Error("session refresh failed", "error", err)
		return nil, status.Error(codes.Internal, "session refresh failed")
	}
	return sessionStruct(sess), nil
}

func isAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) ||
		errors.Is(err, auth.ErrWrongKind) || errors.Is(err, auth.ErrMissingClaim)
}

// SetDocument writes a document for an authenticated caller.
func (s *Server) SetDocument(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	caller := auth.FromContext(ctx)
	if caller == nil {
		return nil, status.Error(codes.Unauthenticated, "not authenticated")
	}
	fields := req.GetFields()
	path := fields["path"].GetStringValue()
	data := fromStruct(fields["data"].GetStructValue())
	merge := fields["merge"].GetBoolValue()

	if _, err := s.engine.SetDocument(ctx, path, data, merge); err != nil {
		if errors.Is(err, local.ErrInvalidRef) {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Error("document write failed", "path", path, "uid", caller.UID, "error", err)
		return nil, status.Error(codes.Internal, "document write failed")
	}
	s.logger.Debug("document written", "path", path, "uid", caller.UID, "merge", merge)
	return &emptypb.Empty{}, nil
}

// WatchDocument streams the current state of a document and every change.
func (s *Server) WatchDocument(req *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	path := req.GetFields()["path"].GetStringValue()

	changes, err := s.engine.Watch(ctx, path)
	if err != nil {
		if errors.Is(err, local.ErrInvalidRef) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		s.logger.Error("watch failed", "path", path, "error", err)
		return status.Error(codes.Internal, "watch failed")
	}

	for c := range changes {
		msg, err := changeStruct(c)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func sessionStruct(sess *local.Session) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"uid":          structpb.NewStringValue(sess.User.UID),
		"email":        structpb.NewStringValue(sess.User.Email),
		"anonymous":    structpb.NewBoolValue(sess.User.Anonymous),
		"idToken":      structpb.NewStringValue(sess.IDToken),
		"refreshToken": structpb.NewStringValue(sess.RefreshToken),
		"expiresAt":    structpb.NewStringValue(sess.ExpiresAt.UTC().Format(time.RFC3339)),
	}}
}

func changeStruct(c local.Change) (*structpb.Struct, error) {
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"path":   structpb.NewStringValue(c.Path),
		"exists": structpb.NewBoolValue(c.Doc != nil),
	}}
	if c.Doc == nil {
		return msg, nil
	}
	data, err := toStruct(c.Doc.Data)
	if err != nil {
		return nil, err
	}
	msg.Fields["version"] = structpb.NewNumberValue(float64(c.Doc.Version))
	msg.Fields["data"] = structpb.NewStructValue(data)
	return msg, nil
}
