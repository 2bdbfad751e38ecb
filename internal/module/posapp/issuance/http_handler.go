package issuance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	internalMiddleware "github.com/tsel-ticketmaster/tm-gate/internal/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	publicMiddleware "github.com/tsel-ticketmaster/tm-gate/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/pkg/response"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type HTTPHandler struct {
	Validate        *validator.Validate
	IssuanceUseCase IssuanceUseCase
}

func InitHTTPHandler(router *mux.Router, deviceSession *internalMiddleware.DeviceSession, validate *validator.Validate, issuanceUseCase IssuanceUseCase) {
	handler := &HTTPHandler{
		Validate:        validate,
		IssuanceUseCase: issuanceUseCase,
	}

	router.HandleFunc("/tm-gate/v1/posapp/tickets", publicMiddleware.SetRouteChain(handler.Issue, deviceSession.Verify)).Methods(http.MethodPost)
	router.HandleFunc("/tm-gate/v1/posapp/tickets/{ticketId}/reprint", publicMiddleware.SetRouteChain(handler.Reprint, deviceSession.Verify)).Methods(http.MethodPost)
	router.HandleFunc("/tm-gate/v1/posapp/tickets/{ticketId}/refund", publicMiddleware.SetRouteChain(handler.Refund, deviceSession.Verify)).Methods(http.MethodPost)
	router.HandleFunc("/tm-gate/v1/posapp/tickets/{ticketId}/revoke", publicMiddleware.SetRouteChain(handler.Revoke, deviceSession.Verify)).Methods(http.MethodPost)
	router.HandleFunc("/tm-gate/v1/posapp/outbox/replay", publicMiddleware.SetRouteChain(handler.OnReplayEvent, deviceSession.Verify)).Methods(http.MethodPost)
}

func (handler HTTPHandler) validate(ctx context.Context, payload interface{}) error {
	err := handler.Validate.StructCtx(ctx, payload)
	if err == nil {
		return nil
	}

	errorFields := err.(validator.ValidationErrors)

	errMessages := make([]string, len(errorFields))

	for k, errorField := range errorFields {
		errMessages[k] = fmt.Sprintf("invalid '%s' with value '%v'", errorField.Field(), errorField.Value())
	}

	return fmt.Errorf("%s", strings.Join(errMessages, ", "))
}

func (handler HTTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := IssueRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.JSON(w, http.StatusUnprocessableEntity, response.RESTEnvelope{
			Status:  status.UNPROCESSABLE_ENTITY,
			Message: err.Error(),
		})

		return
	}

	if err := handler.validate(ctx, req); err != nil {
		response.JSON(w, http.StatusBadRequest, response.RESTEnvelope{
			Status:  status.BAD_REQUEST,
			Message: err.Error(),
		})

		return
	}

	resp, err := handler.IssuanceUseCase.Issue(ctx, req)
	if err != nil {
		ae := errors.Destruct(err)
		response.JSON(w, ae.HTTPStatusCode, response.RESTEnvelope{
			Status:  ae.Status,
			Message: ae.Message,
		})

		return
	}

	response.JSON(w, http.StatusCreated, response.RESTEnvelope{
		Status:  status.CREATED,
		Message: "tickets have been issued",
		Data:    resp,
	})
}

func (handler HTTPHandler) Reprint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := ReprintRequest{
		TicketID: mux.Vars(r)["ticketId"],
	}

	if err := handler.validate(ctx, req); err != nil {
		response.JSON(w, http.StatusBadRequest, response.RESTEnvelope{
			Status:  status.BAD_REQUEST,
			Message: err.Error(),
		})

		return
	}

	resp, err := handler.IssuanceUseCase.Reprint(ctx, req)
	if err != nil {
		ae := errors.Destruct(err)
		response.JSON(w, ae.HTTPStatusCode, response.RESTEnvelope{
			Status:  ae.Status,
			Message: ae.Message,
		})

		return
	}

	response.JSON(w, http.StatusOK, response.RESTEnvelope{
		Status:  status.OK,
		Message: "ticket has been reprinted",
		Data:    resp,
	})
}

func (handler HTTPHandler) Refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := RefundRequest{
		TicketID: mux.Vars(r)["ticketId"],
	}

	if err := handler.validate(ctx, req); err != nil {
		response.JSON(w, http.StatusBadRequest, response.RESTEnvelope{
			Status:  status.BAD_REQUEST,
			Message: err.Error(),
		})

		return
	}

	if err := handler.IssuanceUseCase.Refund(ctx, req); err != nil {
		ae := errors.Destruct(err)
		response.JSON(w, ae.HTTPStatusCode, response.RESTEnvelope{
			Status:  ae.Status,
			Message: ae.Message,
		})

		return
	}

	response.JSON(w, http.StatusOK, response.RESTEnvelope{
		Status:  status.OK,
		Message: "ticket has been refunded",
	})
}

func (handler HTTPHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := RevokeRequest{
		TicketID: mux.Vars(r)["ticketId"],
	}

	if err := handler.validate(ctx, req); err != nil {
		response.JSON(w, http.StatusBadRequest, response.RESTEnvelope{
			Status:  status.BAD_REQUEST,
			Message: err.Error(),
		})

		return
	}

	if err := handler.IssuanceUseCase.Revoke(ctx, req); err != nil {
		ae := errors.Destruct(err)
		response.JSON(w, ae.HTTPStatusCode, response.RESTEnvelope{
			Status:  ae.Status,
			Message: ae.Message,
		})

		return
	}

	response.JSON(w, http.StatusOK, response.RESTEnvelope{
		Status:  status.OK,
		Message: "ticket has been revoked",
	})
}

func (handler HTTPHandler) OnReplayEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := ReplayEventRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.JSON(w, http.StatusUnprocessableEntity, response.RESTEnvelope{
			Status:  status.UNPROCESSABLE_ENTITY,
			Message: err.Error(),
		})

		return
	}

	if err := handler.validate(ctx, req); err != nil {
		response.JSON(w, http.StatusBadRequest, response.RESTEnvelope{
			Status:  status.BAD_REQUEST,
			Message: err.Error(),
		})

		return
	}

	resp, err := handler.IssuanceUseCase.OnReplayEvent(ctx, req)
	if err != nil {
		ae := errors.Destruct(err)
		response.JSON(w, ae.HTTPStatusCode, response.RESTEnvelope{
			Status:  ae.Status,
			Message: ae.Message,
		})

		return
	}

	response.JSON(w, http.StatusOK, response.RESTEnvelope{
		Status:  status.OK,
		Message: "outbox event has been reconciled",
		Data:    resp,
	})
}
