package main

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/atelier/internal/app"
	"github.com/metalagman/atelier/internal/session"
	"go.uber.org/fx"
)

const stopTimeout = 30 * time.Second

// startSessions boots the session service without the HTTP server.
func startSessions(ctx context.Context) (*session.Service, func(), error) {
	var svc *session.Service
	fxApp := fx.New(app.Quiet(), app.Core(cfg), fx.Populate(&svc))
	if err := fxApp.Err(); err != nil {
		return nil, func() {}, fmt.Errorf("build app: %w", err)
	}
	if err := fxApp.Start(ctx); err != nil {
		return nil, func() {}, fmt.Errorf("start app: %w", err)
	}
	stop := func() {
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = fxApp.Stop(sctx)
	}
	return svc, stop, nil
}
