package settings

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// Settings supplies the per-tenant signing key material and the
// duplicate-suppression windows the decision engine consults.
type Settings interface {
	SigningKeyring(ctx context.Context, tenantID string) (*signer.Keyring, error)
	DuplicateWindow(ticketType string) time.Duration
}

type sqlCommand interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type repository struct {
	logger          *logrus.Logger
	db              *sql.DB
	cache           *goredis.Client
	cacheTTL        time.Duration
	defaultWindow   time.Duration
	timepassWindow  time.Duration
	perTypeOverride map[string]time.Duration
}

type RepositoryProperty struct {
	Logger          *logrus.Logger
	DB              *sql.DB
	Cache           *goredis.Client
	CacheTTL        time.Duration
	DefaultWindow   time.Duration
	TimepassWindow  time.Duration
	PerTypeOverride map[string]time.Duration
}

func NewRepository(props RepositoryProperty) Settings {
	if props.CacheTTL == 0 {
		props.CacheTTL = 5 * time.Minute
	}

	return &repository{
		logger:          props.Logger,
		db:              props.DB,
		cache:           props.Cache,
		cacheTTL:        props.CacheTTL,
		defaultWindow:   props.DefaultWindow,
		timepassWindow:  props.TimepassWindow,
		perTypeOverride: props.PerTypeOverride,
	}
}

type cachedKey struct {
	MasterSecret  string `json:"master_secret"`
	ActiveVersion int    `json:"active_version"`
}

func signingKeyCacheKey(tenantID string) string {
	return fmt.Sprintf("tm-gate:signing-key:%s", tenantID)
}

// SigningKeyring loads the tenant's master secret and active key version,
// preferring the cache. The secret never leaves this package unwrapped.
func (r *repository) SigningKeyring(ctx context.Context, tenantID string) (*signer.Keyring, error) {
	if r.cache != nil {
		if buff, err := r.cache.Get(ctx, signingKeyCacheKey(tenantID)).Bytes(); err == nil {
			var ck cachedKey
			if json.Unmarshal(buff, &ck) == nil {
				secret, decodeErr := base64.StdEncoding.DecodeString(ck.MasterSecret)
				if decodeErr == nil {
					return signer.NewKeyring(tenantID, secret, ck.ActiveVersion), nil
				}
			}
		}
	}

	var cmd sqlCommand = r.db

	query := `
		SELECT master_secret, active_version
		FROM tenant_signing_key
		WHERE tenant_id = $1
		LIMIT 1
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting tenant's signing key")
	}
	defer stmt.Close()

	var masterSecret []byte
	var activeVersion int

	err = stmt.QueryRowContext(ctx, tenantID).Scan(&masterSecret, &activeVersion)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New(http.StatusNotFound, status.NOT_FOUND, fmt.Sprintf("signing key for tenant '%s' is not found", tenantID))
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting tenant's signing key")
	}

	if r.cache != nil {
		buff, _ := json.Marshal(cachedKey{
			MasterSecret:  base64.StdEncoding.EncodeToString(masterSecret),
			ActiveVersion: activeVersion,
		})
		if err := r.cache.Set(ctx, signingKeyCacheKey(tenantID), buff, r.cacheTTL).Err(); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn()
		}
	}

	return signer.NewKeyring(tenantID, masterSecret, activeVersion), nil
}

// DuplicateWindow returns the suppression window for a ticket type. Timepass
// defaults to zero because re-entry is expected there.
func (r *repository) DuplicateWindow(ticketType string) time.Duration {
	if w, ok := r.perTypeOverride[ticketType]; ok {
		return w
	}

	if ticketType == decision.TypeTimepass {
		return r.timepassWindow
	}

	return r.defaultWindow
}
