package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/tsel-ticketmaster/tm-gate/config"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/outbox"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/scan"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/snapshot"
	"github.com/tsel-ticketmaster/tm-gate/pkg/applogger"
	"github.com/tsel-ticketmaster/tm-gate/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/pkg/postgresql"
	"github.com/tsel-ticketmaster/tm-gate/pkg/redis"
	"github.com/tsel-ticketmaster/tm-gate/pkg/server"
	"github.com/tsel-ticketmaster/tm-gate/pkg/validator"
)

// gateagent runs on the gate device itself: local outbox, local snapshot,
// offline scan decisions, and a background replayer that reconciles with the
// authoritative service whenever it is reachable.

var (
	c *config.Config
)

func init() {
	c = config.Get()
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := applogger.GetLogrus()

	validate := validator.Get()

	hc := http.DefaultClient

	psqldb := postgresql.GetDatabase()
	if err := psqldb.Ping(); err != nil {
		logger.WithContext(ctx).WithError(err).Error()
	}

	rc := redis.GetClient()
	if err := rc.Ping(context.Background()).Err(); err != nil {
		logger.WithContext(ctx).WithError(err).Error()
	}

	snapshotStore := snapshot.NewRedisStore(logger, rc)
	outboxRepo := outbox.NewOutboxRepository(logger, psqldb)
	serverClient := outbox.NewServerClient(c.Agent.ServerBaseURL, c.Agent.ServerToken, logger, hc)

	replayer := outbox.NewReplayer(outbox.ReplayerProperty{
		Logger:     logger,
		Repository: outboxRepo,
		Client:     serverClient,
		Interval:   c.Agent.ReplayInterval,
		OnCorrection: func(correction outbox.Correction) {
			logger.WithContext(ctx).WithField("eventId", correction.EventID).
				WithField("localResult", correction.LocalResult).
				WithField("serverResult", correction.ServerResult).
				Warn("local outcome corrected by the server")
		},
	})

	go replayer.Run(ctx)

	scanUseCase := scan.NewScanUseCase(scan.ScanUseCaseProperty{
		Logger:         logger,
		Timeout:        c.Application.Timeout,
		DeviceID:       c.Agent.DeviceID,
		Store:          snapshotStore,
		Outbox:         outboxRepo,
		DefaultWindow:  c.Gate.DuplicateWindow,
		TimepassWindow: c.Gate.TimepassDuplicateWindow,
	})

	router := mux.NewRouter()
	router.Use(
		middleware.NewHTTPRequestLogger(logger, c.Application.Debug, http.StatusInternalServerError).Middleware,
	)

	scan.InitHTTPHandler(router, validate, scanUseCase)

	srv := &server.Server{
		Server: http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", c.Agent.Port),
			Handler: router,
		},
		Logger: logger,
	}

	go func() {
		srv.ListenAndServe()
	}()

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	<-sigterm

	srv.Shutdown(ctx)
	psqldb.Close()
	rc.Close()
}
