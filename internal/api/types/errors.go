package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	appErr "github.com/prguard/engine/pkg/errors"
)

// FromAppError renders err for a response body. Metadata on an AppError becomes
// the details string; causes of internal errors are never exposed.
func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var ae *appErr.AppError
	if !errors.As(err, &ae) {
		return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
	}
	return &APIError{Code: string(ae.Code), Message: ae.Message, Details: details(ae.Meta)}
}

func details(meta map[string]any) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, meta[k])
	}
	return strings.Join(parts, " ")
}
