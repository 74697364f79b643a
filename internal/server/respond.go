package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	htrules "github.com/eugener/htrules/internal"
)

// maxBody is the maximum allowed request body size (1 MB).
const maxBody = 1 << 20

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	return typedErrorResponse(msg, "invalid_request_error")
}

func typedErrorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, htrules.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, htrules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, htrules.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, htrules.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs server-side failures in full and returns a sanitized
// message so filesystem paths and SQLite errors stay out of responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, htrules.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, htrules.ErrBadRequest), errors.Is(err, htrules.ErrUnauthorized):
		writeJSON(w, status, errorResponse(err.Error()))
	case errors.Is(err, htrules.ErrRateLimited):
		writeJSON(w, status, typedErrorResponse(err.Error(), "rate_limit_error"))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", htrules.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		msg, typ := "internal error", "server_error"
		switch {
		case errors.Is(err, htrules.ErrConfiguration):
			msg, typ = "configuration error", "configuration_error"
		case errors.Is(err, htrules.ErrFilesystem):
			msg, typ = "filesystem error", "filesystem_error"
		}
		writeJSON(w, status, typedErrorResponse(msg, typ))
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// readBody reads a size-limited request body and writes a 400 on error.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return nil, false
	}
	return body, true
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
	Total  int `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}
