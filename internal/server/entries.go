package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	htrules "github.com/eugener/htrules/internal"
	"github.com/eugener/htrules/internal/app"
	"github.com/eugener/htrules/internal/worker"
)

// parseEntryRequest reads a cache event object:
//
//	{"id": "...", "target_path": "/abs/index.html", "lifetime": 3600,
//	 "send_cache_control_header": true,
//	 "headers": {"Content-Type": "text/html", "Link": ["<a>", "<b>"]}}
//
// encoding/json would lose the order of the headers object, so it is walked
// with gjson. Array values are joined with ", ". CR, LF and NUL in header
// names and values become spaces, as with obsolete line folding in HTTP, so a
// value always renders as a single directive.
func parseEntryRequest(r gjson.Result) (app.GenerateRequest, error) {
	var req app.GenerateRequest
	if !r.IsObject() {
		return req, fmt.Errorf("%w: expected a JSON object", htrules.ErrBadRequest)
	}

	for _, field := range []string{"id", "target_path"} {
		if v := r.Get(field); v.Exists() && v.Type != gjson.String {
			return req, fmt.Errorf("%w: %s must be a string", htrules.ErrBadRequest, field)
		}
	}
	req.ID = r.Get("id").String()
	req.TargetPath = r.Get("target_path").String()

	if v := r.Get("lifetime"); v.Exists() {
		if v.Type != gjson.Number || v.Num != float64(int64(v.Num)) {
			return req, fmt.Errorf("%w: lifetime must be an integer", htrules.ErrBadRequest)
		}
		req.Lifetime = int(v.Int())
	}

	if v := r.Get("send_cache_control_header"); v.Exists() {
		if v.Type != gjson.True && v.Type != gjson.False {
			return req, fmt.Errorf("%w: send_cache_control_header must be a boolean", htrules.ErrBadRequest)
		}
		req.SendCacheControlHeader = v.Bool()
	}

	h := r.Get("headers")
	if !h.Exists() || h.Type == gjson.Null {
		return req, nil
	}
	if !h.IsObject() {
		return req, fmt.Errorf("%w: headers must be an object", htrules.ErrBadRequest)
	}
	var err error
	h.ForEach(func(name, value gjson.Result) bool {
		var v string
		switch {
		case value.IsArray():
			var parts []string
			for _, p := range value.Array() {
				parts = append(parts, p.String())
			}
			v = strings.Join(parts, ", ")
		case value.IsObject():
			err = fmt.Errorf("%w: header %q has an object value", htrules.ErrBadRequest, name.String())
			return false
		default:
			v = value.String()
		}
		req.Headers = req.Headers.Set(unfold.Replace(name.String()), unfold.Replace(v))
		return true
	})
	return req, err
}

var unfold = strings.NewReplacer("\r", " ", "\n", " ", "\x00", " ")

func parseBody(w http.ResponseWriter, r *http.Request) (gjson.Result, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(body), true
}

func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	req, err := parseEntryRequest(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e, err := s.deps.Rules.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/entries/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (s *server) handleEvict(w http.ResponseWriter, r *http.Request) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	req, err := parseEntryRequest(body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Rules.Remove(r.Context(), req.ID, req.TargetPath); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	entries, total, err := s.deps.Rules.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*htrules.Entry{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       entries,
		Pagination: pagination{Offset: offset, Limit: limit, Total: total},
	})
}

func (s *server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Rules.RemoveByID(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type eventsResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// handleEvents queues a batch of cache events. The batch is validated as a
// whole before anything is queued.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := parseBody(w, r)
	if !ok {
		return
	}
	list := body.Get("events")
	if !list.IsArray() {
		writeJSON(w, http.StatusBadRequest, errorResponse("events must be an array"))
		return
	}

	var events []worker.Event
	for i, raw := range list.Array() {
		kind := worker.EventKind(raw.Get("kind").String())
		if kind != worker.EventPopulate && kind != worker.EventEvict {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Sprintf("events[%d]: kind must be populate or evict", i)))
			return
		}
		req, err := parseEntryRequest(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Sprintf("events[%d]: %v", i, err)))
			return
		}
		events = append(events, worker.Event{Kind: kind, Request: req})
	}

	if s.deps.RateLimiter != nil && s.deps.RateLimits.Events > 0 {
		if !writeRateLimit(w, r, s.limiter(r).AllowEvents(len(events))) {
			countRateLimited(s.deps.Metrics, "events")
			return
		}
	}

	var resp eventsResponse
	for _, e := range events {
		ok := s.deps.Events.Enqueue(e)
		countEvent(s.deps.Metrics, e.Kind, ok)
		if ok {
			resp.Accepted++
		} else {
			resp.Dropped++
		}
	}
	status := http.StatusAccepted
	if resp.Dropped > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
