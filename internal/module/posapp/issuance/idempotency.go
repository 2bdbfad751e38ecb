package issuance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// IdempotencyStore gates the first-writer for an idempotency key. Losing the
// acquisition means another request with the same key got there first, so the
// caller must resolve the stored batch instead of minting a new one.
type IdempotencyStore interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type redisIdempotencyStore struct {
	logger *logrus.Logger
	client *goredis.Client
}

func NewRedisIdempotencyStore(logger *logrus.Logger, client *goredis.Client) IdempotencyStore {
	return &redisIdempotencyStore{
		logger: logger,
		client: client,
	}
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("tm-gate:issuance-idempotency:%s", key)
}

func (s *redisIdempotencyStore) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, idempotencyKey(key), time.Now().UnixNano(), ttl).Result()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return false, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while acquiring the idempotency key")
	}

	return ok, nil
}

func (s *redisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while releasing the idempotency key")
	}

	return nil
}
