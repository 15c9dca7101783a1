package server

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/arserver/arserver/internal/session"
	v1 "github.com/arserver/arserver/pkg/api/v1"
	"github.com/arserver/arserver/pkg/rpc"
)

func (s *Server) registerSessionHandlers() {
	s.register(rpc.ReqSystemInfo, 0, s.handleSystemInfo)
	s.register(rpc.ReqRegisterUser, 0, s.handleRegisterUser)
	s.register(rpc.ReqVersion, 0, s.handleVersion)
}

func (s *Server) handleSystemInfo(ctx context.Context, rc *reqContext) (interface{}, error) {
	supported := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		supported = append(supported, name)
	}
	sort.Strings(supported)
	return v1.SystemInfoData{
		Version:           Version,
		APIVersion:        APIVersion,
		SupportedRPCTypes: supported,
	}, nil
}

type registerUserArgs struct {
	UserName string `json:"userName"`
}

func (s *Server) handleRegisterUser(ctx context.Context, rc *reqContext) (interface{}, error) {
	var args registerUserArgs
	if err := rc.parseArgs(&args); err != nil {
		return nil, err
	}
	if rc.dryRun {
		if _, taken := s.sessions.ClientID(args.UserName); taken {
			return nil, rpc.Preconditionf("Username already exists.")
		}
		return nil, nil
	}
	if err := s.sessions.Register(ctx, rc.client.ID, args.UserName); err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyUserName):
			return nil, rpc.Validationf("Empty user name.")
		case errors.Is(err, session.ErrUserAlreadyRegistered):
			return nil, rpc.Preconditionf("Username already exists.")
		default:
			return nil, rpc.Internalf("registering user: %v", err)
		}
	}
	s.logger.Info("User registered", zap.String("user", args.UserName))
	return nil, nil
}

type versionData struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(ctx context.Context, rc *reqContext) (interface{}, error) {
	return versionData{Version: APIVersion}, nil
}
