package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/ledger"
)

// Handler exposes the engine over JSON/HTTP. It owns no state beyond its
// collaborators; every domain decision lives in the engine.
type Handler struct {
	engine *ledger.Engine
	recon  *ledger.Reconciler
	log    zerolog.Logger
}

func NewHandler(engine *ledger.Engine, recon *ledger.Reconciler, log zerolog.Logger) *Handler {
	return &Handler{engine: engine, recon: recon, log: log}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/accounts", h.openAccount).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{id}/freeze", h.freezeAccount).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/unfreeze", h.unfreezeAccount).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/close", h.closeAccount).Methods(http.MethodPost)
	r.HandleFunc("/v1/accounts/{id}/entries", h.listEntries).Methods(http.MethodGet)

	r.HandleFunc("/v1/transfers", h.createTransfer).Methods(http.MethodPost)
	r.HandleFunc("/v1/transfers", h.listTransfers).Methods(http.MethodGet)
	r.HandleFunc("/v1/transfers/{id}", h.getTransfer).Methods(http.MethodGet)
	r.HandleFunc("/v1/transfers/{id}/reverse", h.reverseTransfer).Methods(http.MethodPost)

	r.HandleFunc("/v1/reconciliation", h.reconcile).Methods(http.MethodGet)
}

func (h *Handler) openAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "malformed JSON body")
		return
	}
	dto, err := h.engine.OpenAccount(r.Context(), req)
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+dto.ID)
	respondJSON(w, http.StatusCreated, dto)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	dto, err := h.engine.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto)
}

func (h *Handler) freezeAccount(w http.ResponseWriter, r *http.Request) {
	h.mutateAccount(w, r, h.engine.FreezeAccount)
}

func (h *Handler) unfreezeAccount(w http.ResponseWriter, r *http.Request) {
	h.mutateAccount(w, r, h.engine.UnfreezeAccount)
}

func (h *Handler) closeAccount(w http.ResponseWriter, r *http.Request) {
	h.mutateAccount(w, r, h.engine.CloseAccount)
}

func (h *Handler) mutateAccount(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*ledger.AccountDTO, error)) {
	dto, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.ListEntries(r.Context(), mux.Vars(r)["id"], pageFromQuery(r))
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "unreadable request body")
		return
	}
	var req ledger.TransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "malformed JSON body")
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	// The idempotency fingerprint covers the body as sent, unknown fields
	// included.
	req.RawBody = body

	result, err := h.engine.ExecuteTransfer(r.Context(), req)
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !result.Replayed && result.StatusCode == http.StatusCreated {
		w.Header().Set("Location", "/v1/transfers/"+result.Transfer.ID)
	}
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

func (h *Handler) getTransfer(w http.ResponseWriter, r *http.Request) {
	dto, err := h.engine.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, dto)
}

func (h *Handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	filter := ledger.TransferFilter{
		Status:    ledger.TransferStatus(r.URL.Query().Get("status")),
		AccountID: ledger.AccountID(r.URL.Query().Get("accountId")),
		Page:      pageFromQuery(r),
	}
	page, err := h.engine.ListTransfers(r.Context(), filter)
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *Handler) reverseTransfer(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ReverseTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.StatusCode)
	_, _ = w.Write(result.Body)
}

// reconcile runs one page when ?page= is given, a full sweep of non-OK
// findings otherwise.
func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if pageStr := q.Get("page"); pageStr != "" {
		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			respondError(w, http.StatusBadRequest, string(ledger.KindInvalidRequest), "page must be a positive integer")
			return
		}
		it := h.recon.Iterator(page)
		findings, ok, err := it.Next(r.Context())
		if err != nil {
			h.respondKindError(w, err)
			return
		}
		resp := map[string]any{"page": page, "findings": findings, "exhausted": !ok}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	drifts, err := h.recon.Sweep(r.Context())
	if err != nil {
		h.respondKindError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"driftCount": len(drifts), "findings": drifts})
}

func pageFromQuery(r *http.Request) ledger.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	return ledger.Page{Page: page, PerPage: perPage}
}

// statusForKind translates failure codes through their category so new
// kinds inherit a sane status without touching the adapter.
func statusForKind(kind ledger.Kind) int {
	switch kind.Category() {
	case ledger.CategoryNotFound:
		return http.StatusNotFound
	case ledger.CategoryConflict:
		return http.StatusConflict
	case ledger.CategoryValidation:
		return http.StatusBadRequest
	case ledger.CategoryRetryable:
		return http.StatusServiceUnavailable
	case ledger.CategoryRetryAfter:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondKindError(w http.ResponseWriter, err error) {
	kind := ledger.KindOf(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
		respondError(w, status, string(ledger.KindInternal), "internal error")
		return
	}
	if kind.Category() == ledger.CategoryRetryAfter {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, string(kind), err.Error())
}

func respondError(w http.ResponseWriter, code int, kind, message string) {
	respondJSON(w, code, map[string]string{"code": kind, "error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}
