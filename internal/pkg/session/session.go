package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type contextKey string

const deviceContextKey contextKey = "tm-gate/device-session"

// Device is the authenticated identity of a gate or POS terminal.
type Device struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	StoreID  string `json:"store_id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

func ContextWithDevice(ctx context.Context, d Device) context.Context {
	return context.WithValue(ctx, deviceContextKey, d)
}

func GetDeviceFromCtx(ctx context.Context) (Device, error) {
	d, ok := ctx.Value(deviceContextKey).(Device)
	if !ok {
		return Device{}, errors.New(http.StatusUnauthorized, status.UNAUTHORIZED, "device session is not found on the request context")
	}

	return d, nil
}

type Store interface {
	Set(ctx context.Context, sessionID string, d Device, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (Device, error)
	Delete(ctx context.Context, sessionID string) error
}

type redisSessionStore struct {
	logger *logrus.Logger
	client *goredis.Client
}

func NewRedisSessionStore(logger *logrus.Logger, client *goredis.Client) Store {
	return &redisSessionStore{
		logger: logger,
		client: client,
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("tm-gate:session:%s", sessionID)
}

func (s *redisSessionStore) Set(ctx context.Context, sessionID string, d Device, ttl time.Duration) error {
	buff, _ := json.Marshal(d)

	if err := s.client.Set(ctx, sessionKey(sessionID), buff, ttl).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while storing the device session")
	}

	return nil
}

func (s *redisSessionStore) Get(ctx context.Context, sessionID string) (Device, error) {
	buff, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return Device{}, errors.New(http.StatusUnauthorized, status.UNAUTHORIZED, "device session has expired or does not exist")
		}
		s.logger.WithContext(ctx).WithError(err).Error()
		return Device{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting the device session")
	}

	var d Device
	if err := json.Unmarshal(buff, &d); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return Device{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while decoding the device session")
	}

	return d, nil
}

func (s *redisSessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while deleting the device session")
	}

	return nil
}
