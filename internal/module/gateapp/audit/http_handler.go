package audit

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	publicMiddleware "github.com/tsel-ticketmaster/tm-gate/pkg/middleware"
	"github.com/tsel-ticketmaster/tm-gate/pkg/response"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type HTTPHandler struct {
	ReplayUseCase ReplayUseCase
}

// InitHTTPHandler registers the replay callback invoked by the deferred-task
// queue, not by devices; it carries the original audit entry verbatim.
func InitHTTPHandler(router *mux.Router, replayUseCase ReplayUseCase) {
	handler := &HTTPHandler{
		ReplayUseCase: replayUseCase,
	}

	router.HandleFunc("/tm-gate/v1/gateapp/audits/replay", publicMiddleware.SetRouteChain(handler.OnReplay)).Methods(http.MethodPost)
}

func (handler HTTPHandler) OnReplay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil || !json.Valid(body) {
		response.JSON(w, http.StatusUnprocessableEntity, response.RESTEnvelope{
			Status:  status.UNPROCESSABLE_ENTITY,
			Message: "malformed audit entry",
		})

		return
	}

	if err := handler.ReplayUseCase.Republish(ctx, body); err != nil {
		// Non-2xx makes the task queue retry later.
		response.JSON(w, http.StatusInternalServerError, response.RESTEnvelope{
			Status:  status.INTERNAL_SERVER_ERROR,
			Message: "audit entry could not be republished",
		})

		return
	}

	response.JSON(w, http.StatusOK, response.RESTEnvelope{
		Status:  status.OK,
		Message: "audit entry has been republished",
	})
}
