// Package edge wires C3's scan query and C6's socket registration onto
// HTTP handlers — the only surface the rest of the system exposes to the
// outside world.
package edge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tickstock/patternrelay/internal/fanout"
	"github.com/tickstock/patternrelay/internal/offline"
	"github.com/tickstock/patternrelay/internal/orchestrator"
	"github.com/tickstock/patternrelay/internal/platform/logging"
	"github.com/tickstock/patternrelay/internal/scan"

	"github.com/google/uuid"
)

// ScanHandler serves the §4.3 scan HTTP contract: a JSON body or flat query
// params in, {patterns, pagination, cache_info} out, plus partial=true when
// the scan ran over its time budget.
func ScanHandler(engine *scan.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters, err := parseFilters(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp, err := engine.Scan(r.Context(), filters)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// parseFilters accepts either a JSON body or flat query params, per the
// scan HTTP contract.
func parseFilters(r *http.Request) (scan.Filters, error) {
	var f scan.Filters
	if r.Method == http.MethodPost && r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return f, err
		}
		return f, nil
	}

	q := r.URL.Query()
	if v := q.Get("pattern_types"); v != "" {
		f.PatternTypes = strings.Split(v, ",")
	}
	if v := q.Get("symbols"); v != "" {
		f.Symbols = strings.Split(v, ",")
	}
	if v, err := parseFloatParam(q, "confidence_min"); err == nil && v != nil {
		f.ConfidenceMin = v
	}
	if v, err := parseFloatParam(q, "rs_min"); err == nil && v != nil {
		f.RSMin = v
	}
	if v, err := parseFloatParam(q, "vol_min"); err == nil && v != nil {
		f.VolMin = v
	}
	if lo, loErr := parseFloatParam(q, "rsi_min"); loErr == nil && lo != nil {
		hi, hiErr := parseFloatParam(q, "rsi_max")
		if hiErr == nil && hi != nil {
			f.RSIRange = &[2]float64{*lo, *hi}
		}
	}
	if v := q.Get("sort_by"); v != "" {
		f.SortBy = scan.SortBy(v)
	}
	if v := q.Get("sort_order"); v != "" {
		f.SortOrder = scan.SortOrder(v)
	}
	if v := q.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Page = n
		}
	}
	if v := q.Get("per_page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.PerPage = n
		}
	}
	return f, nil
}

func parseFloatParam(q map[string][]string, key string) (*float64, error) {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(vals[0], 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// HealthHandler exposes C9's single health() aggregator over HTTP.
func HealthHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := orch.Health(r.Context())
		status := http.StatusOK
		if report.Status == "error" {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(report)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SocketHandler upgrades the request to a websocket, registers the
// connection under the caller's user_id (query param, for lack of a fuller
// auth layer in scope here), drains their offline backlog, and blocks
// reading (discarding client frames) until the socket closes.
func SocketHandler(registry *fanout.Registry, offlineBuf *offline.Buffer, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		connID := uuid.NewString()
		wrapped := fanout.NewConnection(connID, userID, conn)
		registry.Register(wrapped)

		if offlineBuf != nil {
			if _, err := offlineBuf.Drain(r.Context(), userID); err != nil {
				logger.Warn(r.Context(), "offline drain on connect failed", map[string]interface{}{"user_id": userID, "error": err.Error()})
			}
		}

		defer registry.Unregister(connID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
