package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/prguard/engine/internal/api/middleware"
	"github.com/prguard/engine/internal/api/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: types.FromAppError(err), Meta: meta(r)})
}

func meta(r *http.Request) *types.Meta {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return &types.Meta{RequestID: id}
	}
	return nil
}
