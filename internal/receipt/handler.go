package receipt

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/fiscal-receipts/internal/transport"
)

type Handler struct {
	transport.BaseHandler
	Service *Service
	Logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.BaseHandler{Logger: logger},
		Service:     service,
		Logger:      logger,
	}
}

// CreateReceipt handles POST /api/v1/receipts
func (h *Handler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req CreateReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("CreateReceipt: failed to parse request body", "error", err)
		h.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := req.Validate(); err != nil {
		h.Logger.Error("CreateReceipt: validation error", "error", err)
		h.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.Service.CreateReceipt(r.Context(), &req)
	if err != nil {
		h.Logger.Error("CreateReceipt: service error", "error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusCreated, ToView(rec))
}

// GetReceipt handles GET /api/v1/receipts/{uuid}
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	internalUUID := chi.URLParam(r, "uuid")

	rec, err := h.Service.GetByInternalUUID(r.Context(), internalUUID)
	if err != nil {
		h.Logger.Error("GetReceipt: service error", "error", err, "internal_uuid", internalUUID)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, ToView(rec))
}

// Redirect handles GET /r/{uuid}: an anonymous proxy to the OFD provider.
// The short stable link outlives OFD URL-scheme changes and keeps SMS
// messages small. Missing receipts and malformed report data both collapse
// into a user-friendly 404.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	internalUUID := chi.URLParam(r, "uuid")

	link, err := h.Service.OFDLink(r.Context(), internalUUID)
	if err != nil {
		h.Logger.Warn("Redirect: receipt unavailable", "error", err, "internal_uuid", internalUUID)
		http.NotFound(w, r)
		return
	}

	http.Redirect(w, r, link, http.StatusFound)
}
