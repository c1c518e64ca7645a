// Package rpc exposes the Router's IMService surface (§6 EXPANSION) over
// plain net/http + JSON, matching the teacher's own choice of a bare HTTP
// mux (server.go) rather than introducing a new RPC framework dependency.
package rpc

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/types"
)

// Handler wires a router.Service to an http.ServeMux.
type Handler struct {
	svc    *router.Service
	logger zerolog.Logger
}

func New(svc *router.Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the IMService surface and /healthz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/route-private-message", h.routePrivate)
	mux.HandleFunc("/v1/route-group-message", h.routeGroup)
	mux.HandleFunc("/v1/get-message-status", h.getMessageStatus)
	mux.HandleFunc("/healthz", h.healthz)
}

type routePrivateRequest struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	MsgID     string          `json:"msg_id"`
	Content   json.RawMessage `json:"content"`
	ClientTS  int64           `json:"client_ts"`
}

type routePrivateResponse struct {
	Sequence  uint64 `json:"sequence"`
	Path      string `json:"path"`
	Duplicate bool   `json:"duplicate"`
}

func (h *Handler) routePrivate(w http.ResponseWriter, r *http.Request) {
	var req routePrivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.InvalidArgument("malformed request body: %v", err))
		return
	}

	result, err := h.svc.RoutePrivate(r.Context(), req.Sender, req.Recipient, req.MsgID, req.Content, req.ClientTS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routePrivateResponse{
		Sequence:  result.Sequence,
		Path:      string(result.Path),
		Duplicate: result.Duplicate,
	})
}

type routeGroupRequest struct {
	Sender   string          `json:"sender"`
	Group    string          `json:"group"`
	MsgID    string          `json:"msg_id"`
	Content  json.RawMessage `json:"content"`
	ClientTS int64           `json:"client_ts"`
}

type routeGroupResponse struct {
	Sequence  uint64 `json:"sequence"`
	Duplicate bool   `json:"duplicate"`
}

func (h *Handler) routeGroup(w http.ResponseWriter, r *http.Request) {
	var req routeGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.InvalidArgument("malformed request body: %v", err))
		return
	}

	result, err := h.svc.RouteGroup(r.Context(), req.Sender, req.Group, req.MsgID, req.Content, req.ClientTS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeGroupResponse{Sequence: result.Sequence, Duplicate: result.Duplicate})
}

type messageStatusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) getMessageStatus(w http.ResponseWriter, r *http.Request) {
	msgID := r.URL.Query().Get("msg_id")
	state, err := h.svc.GetMessageStatus(r.Context(), msgID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageStatusResponse{Status: string(state)})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func httpStatusFor(code types.Code) int {
	switch code {
	case types.CodeInvalidArgument:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case types.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := types.CodeOf(err)
	writeJSON(w, httpStatusFor(code), errorResponse{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
