package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/tsel-ticketmaster/tm-gate/config"
	gateapp_audit "github.com/tsel-ticketmaster/tm-gate/internal/module/gateapp/audit"
	gateapp_redemption "github.com/tsel-ticketmaster/tm-gate/internal/module/gateapp/redemption"
	gateapp_ticket "github.com/tsel-ticketmaster/tm-gate/internal/module/gateapp/ticket"
	posapp_issuance "github.com/tsel-ticketmaster/tm-gate/internal/module/posapp/issuance"
	posapp_ticket "github.com/tsel-ticketmaster/tm-gate/internal/module/posapp/ticket"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/audit"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/jwt"
	internalMiddleare "github.com/tsel-ticketmaster/tm-gate/internal/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/session"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/settings"
	"github.com/tsel-ticketmaster/tm-gate/pkg/applogger"
	"github.com/tsel-ticketmaster/tm-gate/pkg/gctasks"
	"github.com/tsel-ticketmaster/tm-gate/pkg/kafka"
	"github.com/tsel-ticketmaster/tm-gate/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/pkg/monitoring"
	"github.com/tsel-ticketmaster/tm-gate/pkg/postgresql"
	"github.com/tsel-ticketmaster/tm-gate/pkg/pubsub"
	"github.com/tsel-ticketmaster/tm-gate/pkg/redis"
	"github.com/tsel-ticketmaster/tm-gate/pkg/server"
	"github.com/tsel-ticketmaster/tm-gate/pkg/validator"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

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

	mon := monitoring.NewOpenTelemetry(
		c.Application.Name,
		c.Application.Environment,
		c.GCP.ProjectID,
	)

	mon.Start(ctx)

	validate := validator.Get()

	jsonWebToken := jwt.NewJSONWebToken(c.JWT.PrivateKey, c.JWT.PublicKey)

	psqldb := postgresql.GetDatabase()
	if err := psqldb.Ping(); err != nil {
		logger.WithContext(ctx).WithError(err).Error()
	}

	publisher := pubsub.PublisherFromConfluentKafkaProducer(logger, kafka.NewProducer())

	rc := redis.GetClient()
	if err := rc.Ping(context.Background()).Err(); err != nil {
		logger.WithContext(ctx).WithError(err).Error()
	}

	cloudTask := gctasks.NewGCTasks(logger, c.GCP.ProjectID, c.GCP.ServiceAccount)

	sessionStore := session.NewRedisSessionStore(logger, rc)

	deviceSessionMiddleware := internalMiddleare.NewDeviceSessionMiddleware(jsonWebToken, sessionStore)

	settingsRepo := settings.NewRepository(settings.RepositoryProperty{
		Logger:         logger,
		DB:             psqldb,
		Cache:          rc,
		DefaultWindow:  c.Gate.DuplicateWindow,
		TimepassWindow: c.Gate.TimepassDuplicateWindow,
	})

	auditPublisher := audit.NewKafkaPublisher(audit.PublisherProperty{
		Logger:    logger,
		Publisher: publisher,
		Topic:     c.Gate.AuditTopic,
		Tasks:     cloudTask,
		ReplayURL: c.Application.TMGate.BaseURL,
	})

	router := mux.NewRouter()
	router.Use(
		otelmux.Middleware(c.Application.Name),
		middleware.HTTPResponseTraceInjection,
		middleware.NewHTTPRequestLogger(logger, c.Application.Debug, http.StatusInternalServerError).Middleware,
	)

	// pos's app
	posappTicketRepo := posapp_ticket.NewTicketRepository(logger, psqldb)
	posappBatchRepo := posapp_issuance.NewBatchRepository(logger, psqldb)
	posappIdempotencyStore := posapp_issuance.NewRedisIdempotencyStore(logger, rc)
	posappIssuanceUseCase := posapp_issuance.NewIssuanceUseCase(posapp_issuance.IssuanceUseCaseProperty{
		Logger:           logger,
		Timeout:          c.Application.Timeout,
		IdempotencyTTL:   c.Gate.IdempotencyTTL,
		TicketRepository: posappTicketRepo,
		BatchRepository:  posappBatchRepo,
		IdempotencyStore: posappIdempotencyStore,
		Settings:         settingsRepo,
		AuditPublisher:   auditPublisher,
	})
	posapp_issuance.InitHTTPHandler(router, deviceSessionMiddleware, validate, posappIssuanceUseCase)

	// gate's app
	gateappTicketRepo := gateapp_ticket.NewTicketRepository(logger, psqldb, c.Gate.ClaimMaxRetry)
	gateappRedemptionRepo := gateapp_ticket.NewRedemptionRepository(logger, psqldb)
	gateappRedemptionUseCase := gateapp_redemption.NewRedemptionUseCase(gateapp_redemption.RedemptionUseCaseProperty{
		Logger:               logger,
		Timeout:              c.Application.Timeout,
		TicketRepository:     gateappTicketRepo,
		RedemptionRepository: gateappRedemptionRepo,
		Settings:             settingsRepo,
		AuditPublisher:       auditPublisher,
	})
	gateapp_redemption.InitHTTPHandler(router, deviceSessionMiddleware, validate, gateappRedemptionUseCase)

	gateappAuditReplayUseCase := gateapp_audit.NewReplayUseCase(gateapp_audit.ReplayUseCaseProperty{
		Logger:    logger,
		Timeout:   c.Application.Timeout,
		Publisher: publisher,
		Topic:     c.Gate.AuditTopic,
	})
	gateapp_audit.InitHTTPHandler(router, gateappAuditReplayUseCase)

	handler := middleware.SetChain(
		router,
		cors.New(cors.Options{
			AllowedOrigins:   c.CORS.AllowedOrigins,
			AllowedMethods:   c.CORS.AllowedMethods,
			AllowedHeaders:   c.CORS.AllowedHeaders,
			ExposedHeaders:   c.CORS.ExposedHeaders,
			MaxAge:           c.CORS.MaxAge,
			AllowCredentials: c.CORS.AllowCredentials,
		}).Handler,
	)

	srv := &server.Server{
		Server: http.Server{
			Addr:    fmt.Sprintf(":%d", c.Application.Port),
			Handler: handler,
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
	publisher.Close()
	psqldb.Close()
	rc.Close()
	mon.Stop(ctx)
}
