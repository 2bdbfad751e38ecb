package snapshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// Store holds the device-local ticket state in the on-device Redis. Claims
// against it are provisional: the server re-decides every one of them during
// outbox replay.
type Store interface {
	SaveTicket(ctx context.Context, t TicketSnapshot) error
	FindTicketByQRToken(ctx context.Context, qrToken string) (TicketSnapshot, error)
	// ClaimUnit atomically takes one unit of quota. The increment is rolled
	// back when it would exceed the quota, so concurrent lanes on the same
	// device can never oversell the last unit.
	ClaimUnit(ctx context.Context, ticketID string, quota int64) (remaining int64, granted bool, err error)
	// ActivateTimepass stamps the activation time once and returns the
	// effective stamp, first caller wins.
	ActivateTimepass(ctx context.Context, ticketID string, now time.Time) (time.Time, error)

	SaveKeyring(ctx context.Context, tenantID string, masterSecret []byte, activeVersion int) error
	Keyring(ctx context.Context, tenantID string) (*signer.Keyring, error)

	MarkPass(ctx context.Context, ticketID, deviceID string, window time.Duration) error
	HasRecentPass(ctx context.Context, ticketID, deviceID string) (bool, error)
}

type redisStore struct {
	logger *logrus.Logger
	client *goredis.Client
}

func NewRedisStore(logger *logrus.Logger, client *goredis.Client) Store {
	return &redisStore{
		logger: logger,
		client: client,
	}
}

func ticketKey(qrToken string) string {
	return fmt.Sprintf("tm-gate:device:ticket:%s", qrToken)
}

func usedKey(ticketID string) string {
	return fmt.Sprintf("tm-gate:device:used:%s", ticketID)
}

func activatedKey(ticketID string) string {
	return fmt.Sprintf("tm-gate:device:activated:%s", ticketID)
}

func keyringKey(tenantID string) string {
	return fmt.Sprintf("tm-gate:device:keyring:%s", tenantID)
}

func recentPassKey(ticketID, deviceID string) string {
	return fmt.Sprintf("tm-gate:device:recent-pass:%s:%s", ticketID, deviceID)
}

// SaveTicket implements Store.
func (s *redisStore) SaveTicket(ctx context.Context, t TicketSnapshot) error {
	buff, _ := json.Marshal(t)

	if err := s.client.Set(ctx, ticketKey(t.QRToken), buff, 0).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving ticket snapshot")
	}

	if err := s.client.Set(ctx, usedKey(t.ID), t.Used, 0).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving ticket snapshot")
	}

	if t.ActivatedAt != nil {
		if err := s.client.SetNX(ctx, activatedKey(t.ID), t.ActivatedAt.Unix(), 0).Err(); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error()
			return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving ticket snapshot")
		}
	}

	return nil
}

// FindTicketByQRToken implements Store. The returned snapshot carries the
// live local counter and activation stamp, not the ones synced last.
func (s *redisStore) FindTicketByQRToken(ctx context.Context, qrToken string) (TicketSnapshot, error) {
	buff, err := s.client.Get(ctx, ticketKey(qrToken)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return TicketSnapshot{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found in the device snapshot")
		}
		s.logger.WithContext(ctx).WithError(err).Error()
		return TicketSnapshot{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket snapshot")
	}

	var t TicketSnapshot
	if err := json.Unmarshal(buff, &t); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return TicketSnapshot{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket snapshot")
	}

	if used, err := s.client.Get(ctx, usedKey(t.ID)).Int64(); err == nil {
		t.Used = used
	}

	if stamp, err := s.client.Get(ctx, activatedKey(t.ID)).Int64(); err == nil {
		at := time.Unix(stamp, 0)
		t.ActivatedAt = &at
	}

	return t, nil
}

// ClaimUnit implements Store.
func (s *redisStore) ClaimUnit(ctx context.Context, ticketID string, quota int64) (int64, bool, error) {
	used, err := s.client.Incr(ctx, usedKey(ticketID)).Result()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return 0, false, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while claiming a quota unit")
	}

	if used > quota {
		if err := s.client.Decr(ctx, usedKey(ticketID)).Err(); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error()
		}
		return 0, false, nil
	}

	return quota - used, true, nil
}

// ActivateTimepass implements Store.
func (s *redisStore) ActivateTimepass(ctx context.Context, ticketID string, now time.Time) (time.Time, error) {
	key := activatedKey(ticketID)

	ok, err := s.client.SetNX(ctx, key, now.Unix(), 0).Result()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return time.Time{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while activating the timepass")
	}

	if ok {
		return now, nil
	}

	stamp, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return time.Time{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while activating the timepass")
	}

	return time.Unix(stamp, 0), nil
}

type cachedKeyring struct {
	MasterSecret  string `json:"master_secret"`
	ActiveVersion int    `json:"active_version"`
}

// SaveKeyring implements Store.
func (s *redisStore) SaveKeyring(ctx context.Context, tenantID string, masterSecret []byte, activeVersion int) error {
	buff, _ := json.Marshal(cachedKeyring{
		MasterSecret:  base64.StdEncoding.EncodeToString(masterSecret),
		ActiveVersion: activeVersion,
	})

	if err := s.client.Set(ctx, keyringKey(tenantID), buff, 0).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving tenant's key material")
	}

	return nil
}

// Keyring implements Store.
func (s *redisStore) Keyring(ctx context.Context, tenantID string) (*signer.Keyring, error) {
	buff, err := s.client.Get(ctx, keyringKey(tenantID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, errors.New(http.StatusNotFound, status.NOT_FOUND, fmt.Sprintf("key material for tenant '%s' is not in the device snapshot", tenantID))
		}
		s.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting tenant's key material")
	}

	var ck cachedKeyring
	if err := json.Unmarshal(buff, &ck); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting tenant's key material")
	}

	secret, err := base64.StdEncoding.DecodeString(ck.MasterSecret)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting tenant's key material")
	}

	return signer.NewKeyring(tenantID, secret, ck.ActiveVersion), nil
}

// MarkPass implements Store.
func (s *redisStore) MarkPass(ctx context.Context, ticketID, deviceID string, window time.Duration) error {
	if window <= 0 {
		return nil
	}

	if err := s.client.Set(ctx, recentPassKey(ticketID, deviceID), 1, window).Err(); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while recording the pass")
	}

	return nil
}

// HasRecentPass implements Store.
func (s *redisStore) HasRecentPass(ctx context.Context, ticketID, deviceID string) (bool, error) {
	n, err := s.client.Exists(ctx, recentPassKey(ticketID, deviceID)).Result()
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error()
		return false, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while checking recent passes")
	}

	return n > 0, nil
}
