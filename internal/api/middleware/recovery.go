package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/prguard/engine/internal/api/types"
	appErr "github.com/prguard/engine/pkg/errors"
	"github.com/prguard/engine/pkg/logger"
)

// Recovery logs panics and answers 500 so webhook senders retry the delivery.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.L().Error("panic recovered",
					zap.String("id", GetRequestID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(w).Encode(types.APIResponse{
					Error: &types.APIError{Code: string(appErr.CodeInternal), Message: http.StatusText(http.StatusInternalServerError)},
					Meta:  &types.Meta{RequestID: GetRequestID(r.Context())},
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
