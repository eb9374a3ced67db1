package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vespid/control-plane/internal/apierr"
	"github.com/vespid/control-plane/internal/cryptoutil"
	"github.com/vespid/control-plane/internal/store"
)

// respond writes a JSON body with the given status.
func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Error("response encoding failed", "error", err)
		}
	}
}

// fail maps an error to the public taxonomy and writes it. Store sentinels
// become their HTTP shapes; anything unrecognized is a 500 with the cause
// logged (redacted), never sent.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apierr.As(err)
	if !ok {
		switch {
		case errors.Is(err, store.ErrNotFound):
			e = apierr.NotFound(apierr.CodeNotFound, "resource not found")
		case errors.Is(err, store.ErrAlreadyExists):
			e = apierr.Conflict(apierr.CodeConflict, "resource already exists")
		case errors.Is(err, store.ErrConflict):
			e = apierr.Conflict(apierr.CodeConflict, "conflicting state")
		default:
			s.logger.Error("unhandled error",
				"method", r.Method, "path", r.URL.Path,
				"error", cryptoutil.RedactSecrets(err.Error()))
			e = apierr.Internal("internal error")
		}
	}
	if e.Status >= 500 {
		s.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", e.Status, "code", e.Code,
			"error", cryptoutil.RedactSecrets(e.Message))
	} else {
		s.logger.Warn("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", e.Status, "code", e.Code)
	}
	s.respond(w, e.Status, e)
}

// decode parses a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apierr.Validation("malformed request body")
	}
	return nil
}

// pageFrom reads limit/cursor query parameters.
func pageFrom(r *http.Request) store.Page {
	p := store.Page{Cursor: r.URL.Query().Get("cursor")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			p.Limit = n
		}
	}
	return p
}
