package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/objlog/internal/catalog"
	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
	"github.com/ehrlich-b/objlog/internal/timeset"
)

// maxAppendBody bounds a single POST body.
const maxAppendBody = 8 << 20

// Log is one served log of JSON payloads. *objlog.Logger[json.RawMessage]
// satisfies it.
type Log interface {
	Name() string
	LogRecord(rec record.Record[json.RawMessage]) error
	GetAll(ctx context.Context) (*timeset.Set[json.RawMessage], error)
	GetSince(ctx context.Context, from time.Time) (*timeset.Set[json.RawMessage], error)
	GetRange(ctx context.Context, from, to time.Time) (*timeset.Set[json.RawMessage], error)
	Dropped() int64
	QueueLen() int
}

// StatsSource reports per-log counters. *catalog.Catalog satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, log string) (*catalog.Stats, error)
}

// APIHandler handles HTTP API requests.
type APIHandler struct {
	logs  map[string]Log
	names []string
	hub   *Hub
	stats StatsSource
	now   func() time.Time
	log   *slog.Logger
}

// NewAPIHandler creates a new API handler. hub and stats may be nil.
func NewAPIHandler(logs []Log, hub *Hub, stats StatsSource, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	h := &APIHandler{
		logs:  make(map[string]Log, len(logs)),
		hub:   hub,
		stats: stats,
		now:   time.Now,
		log:   log,
	}
	for _, l := range logs {
		h.logs[l.Name()] = l
		h.names = append(h.names, l.Name())
	}
	sort.Strings(h.names)
	return h
}

// ServeHTTP routes API requests.
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/logs" && r.Method == http.MethodGet:
		h.listLogs(w, r)
	case strings.HasPrefix(path, "/logs/"):
		name := strings.TrimPrefix(path, "/logs/")
		l, ok := h.logs[name]
		if !ok {
			h.writeError(w, http.StatusNotFound, fmt.Sprintf("log %q not found", name))
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.queryLog(w, r, l)
		case http.MethodPost:
			h.appendLog(w, r, l)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

// --- Logs ---

type logResponse struct {
	Name     string `json:"name"`
	Queued   int    `json:"queued"`
	Dropped  int64  `json:"dropped"`
	Segments int64  `json:"segments"`
	Written  int64  `json:"written"`
	Skipped  int64  `json:"skipped"`
	Tailing  int    `json:"tailing"`
}

func (h *APIHandler) listLogs(w http.ResponseWriter, r *http.Request) {
	resp := make([]logResponse, 0, len(h.names))
	for _, name := range h.names {
		l := h.logs[name]
		lr := logResponse{
			Name:    name,
			Queued:  l.QueueLen(),
			Dropped: l.Dropped(),
		}
		if h.stats != nil {
			st, err := h.stats.Stats(r.Context(), name)
			switch {
			case err == nil:
				lr.Segments = st.Segments
				lr.Written = st.Written
				lr.Skipped = st.Skipped
			case !errors.Is(err, catalog.ErrNotFound):
				h.log.Warn("failed to read log stats", "log", name, "error", err)
			}
		}
		if h.hub != nil {
			lr.Tailing = h.hub.Count(name)
		}
		resp = append(resp, lr)
	}
	h.writeJSON(w, map[string]any{"logs": resp})
}

type recordResponse struct {
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type queryResponse struct {
	Log     string           `json:"log"`
	Count   int              `json:"count"`
	Records []recordResponse `json:"records"`
}

// queryLog answers GET /api/logs/{name}?from=&to=&limit=. Times are RFC 3339.
// Without from the store's lookup window is read; limit keeps the newest.
func (h *APIHandler) queryLog(w http.ResponseWriter, r *http.Request, l Log) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	var set *timeset.Set[json.RawMessage]
	switch {
	case from.IsZero() && to.IsZero():
		set, err = l.GetAll(r.Context())
	case to.IsZero():
		set, err = l.GetSince(r.Context(), from)
	case from.IsZero():
		h.writeError(w, http.StatusBadRequest, "to requires from")
		return
	default:
		set, err = l.GetRange(r.Context(), from, to)
	}
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	resp := queryResponse{Log: l.Name(), Records: []recordResponse{}}
	if set != nil {
		recs := set.Records()
		if limit > 0 && len(recs) > limit {
			recs = recs[len(recs)-limit:]
		}
		for _, rec := range recs {
			resp.Records = append(resp.Records, recordResponse{Time: rec.Time, Payload: rec.Payload})
		}
	}
	resp.Count = len(resp.Records)
	h.writeJSON(w, resp)
}

// appendLog accepts a JSON value, or an array of them, and logs each element.
func (h *APIHandler) appendLog(w http.ResponseWriter, r *http.Request, l Log) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAppendBody))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	payloads, err := splitPayloads(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted := 0
	for _, p := range payloads {
		rec := record.At(h.now(), p)
		if err := l.LogRecord(rec); err != nil {
			h.log.Error("failed to append record", "log", l.Name(), "error", err)
			h.writeStatus(w, statusFor(err), map[string]any{"error": err.Error(), "accepted": accepted})
			return
		}
		accepted++
		if h.hub != nil {
			h.hub.Publish(l.Name(), rec.Time, p)
		}
	}

	h.writeStatus(w, http.StatusAccepted, map[string]any{"accepted": accepted})
}

// splitPayloads parses body as one JSON value, or an array whose elements are
// each a payload. Null payloads are rejected.
func splitPayloads(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if !json.Valid(body) {
		return nil, errors.New("body is not valid JSON")
	}

	var payloads []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &payloads); err != nil {
			return nil, fmt.Errorf("decode array: %w", err)
		}
	} else {
		payloads = []json.RawMessage{body}
	}
	for i, p := range payloads {
		if bytes.Equal(bytes.TrimSpace(p), []byte("null")) {
			return nil, fmt.Errorf("element %d is null", i)
		}
	}
	return payloads, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.Invalid, errs.Encoding:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.CapacityExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- Helpers ---

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	h.writeStatus(w, http.StatusOK, v)
}

func (h *APIHandler) writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeStatus(w, status, map[string]string{"error": msg})
}
