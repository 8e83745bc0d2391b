//go:build !linux

package server

import (
	"context"

	"github.com/sirupsen/logrus"
)

// logListenBacklog logs the listen address (non-Linux systems)
func logListenBacklog(logger logrus.FieldLogger, addr string) {
	logger.WithField("addr", addr).Info("WebSocket host listening")
}

// monitorListenOverflows is a no-op on non-Linux systems
func (s *Server) monitorListenOverflows(ctx context.Context) {}
