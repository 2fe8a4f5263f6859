// Package ingest implements the metric ingestion boundary: validation,
// single-vs-array normalization, and the asynchronous persistence pipeline.
package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pulseboard/pulseboard/pkg/auth"
	"github.com/pulseboard/pulseboard/pkg/httpx"
)

const maxBodyBytes = 1 << 20

// Handler handles POST /v1/metrics.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates an ingestion handler backed by pipeline.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// decodeBody normalizes the request body into a slice of raw objects. A body
// whose first non-space byte is '[' is a bulk submission; '{' is a single
// metric wrapped into a batch of one.
func decodeBody(body []byte) (items []map[string]interface{}, single bool, err error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, io.ErrUnexpectedEOF
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	if trimmed[0] == '[' {
		if err := dec.Decode(&items); err != nil {
			return nil, false, err
		}
		return items, false, nil
	}

	var item map[string]interface{}
	if err := dec.Decode(&item); err != nil {
		return nil, false, err
	}
	return []map[string]interface{}{item}, true, nil
}

// HandleIngest accepts one or more metric submissions for the authenticated
// tenant. The whole batch is validated up front (no partial success) and then
// queued; persistence and fan-out happen asynchronously, so success is 202.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	items, single, err := decodeBody(body)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, "Malformed JSON")
		return
	}

	subs, fieldErrs := ValidateBatch(items, single)
	if fieldErrs != nil {
		httpx.RespondValidationErrors(w, fieldErrs)
		return
	}

	if err := h.pipeline.Enqueue(r.Context(), tenant, subs); err != nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, "Ingestion queue unavailable")
		return
	}

	httpx.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
