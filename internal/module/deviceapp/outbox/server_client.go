package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// ReplayOutcome is the server's authoritative answer for one replayed event.
type ReplayOutcome struct {
	Result string
	Reason string
}

// ServerClient ships outbox events to the authoritative service. A transport
// failure is returned with a 5xx application error so the caller can retry;
// a definitive server rejection comes back with the server's status code.
type ServerClient interface {
	ReplayRedemption(ctx context.Context, e Event) (ReplayOutcome, error)
	ReplayEvent(ctx context.Context, e Event) (ReplayOutcome, error)
}

type serverClient struct {
	baseURL     string
	bearerToken string
	logger      *logrus.Logger
	hc          *http.Client
}

func NewServerClient(baseURL string, bearerToken string, logger *logrus.Logger, hc *http.Client) ServerClient {
	return &serverClient{
		baseURL:     baseURL,
		bearerToken: bearerToken,
		logger:      logger,
		hc:          hc,
	}
}

type replayEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	} `json:"data"`
}

// ReplayRedemption implements ServerClient.
func (c *serverClient) ReplayRedemption(ctx context.Context, e Event) (ReplayOutcome, error) {
	url := fmt.Sprintf("%s/v1/gateapp/redemptions/replay", c.baseURL)

	return c.post(ctx, url, e.Payload)
}

// ReplayEvent implements ServerClient.
func (c *serverClient) ReplayEvent(ctx context.Context, e Event) (ReplayOutcome, error) {
	url := fmt.Sprintf("%s/v1/posapp/outbox/replay", c.baseURL)

	return c.post(ctx, url, e.Payload)
}

func (c *serverClient) post(ctx context.Context, url string, payload []byte) (ReplayOutcome, error) {
	body := bytes.NewBuffer(payload)

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Error()
		return ReplayOutcome{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while building the replay request")
	}

	hr.Header.Add("Content-Type", "application/json")
	hr.Header.Add("Accept", "application/json")
	hr.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.bearerToken))

	hresp, err := c.hc.Do(hr)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn()
		return ReplayOutcome{}, errors.New(http.StatusGatewayTimeout, status.GATEWAY_TIMEOUT, "the replay endpoint is unreachable")
	}

	defer hresp.Body.Close()

	respBody, err := io.ReadAll(hresp.Body)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Warn()
		return ReplayOutcome{}, errors.New(http.StatusGatewayTimeout, status.GATEWAY_TIMEOUT, "the replay endpoint is unreachable")
	}

	var envelope replayEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil && hresp.StatusCode < 500 {
		c.logger.WithContext(ctx).WithError(err).Error()
		return ReplayOutcome{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "the replay endpoint returned an unreadable response")
	}

	if hresp.StatusCode >= 500 {
		return ReplayOutcome{}, errors.New(http.StatusGatewayTimeout, status.GATEWAY_TIMEOUT, "the replay endpoint is temporarily failing")
	}

	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		return ReplayOutcome{}, errors.New(hresp.StatusCode, envelope.Status, envelope.Message)
	}

	return ReplayOutcome{
		Result: envelope.Data.Result,
		Reason: envelope.Data.Reason,
	}, nil
}
