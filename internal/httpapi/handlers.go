package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/sniffer/internal/store"
)

// parseConnKeyHex decodes a hex-encoded connection key, as returned by
// store.ConnKey.String, back into a store.ConnKey for the chunks endpoint.
func parseConnKeyHex(s string) (store.ConnKey, error) {
	var key store.ConnKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("httpapi: conn_id must be %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// countReadError records a store read failure by family, mirroring the
// write side's StoreWriteErrorsTotal in internal/registry and
// internal/chunkparser.
func (s *Server) countReadError(family string) {
	if s.metrics != nil {
		s.metrics.StoreReadErrorsTotal.WithLabelValues(family).Inc()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func queryUint(r *http.Request, name string) (uint64, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// reverseMessages flips a descending (newest-first) page into ascending
// order, for direction=forward.
func reverseMessages(msgs []store.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.MessageFilter

	cursor, _, err := queryUint(r, "cursor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	f.Cursor = cursor

	if limit, ok, err := queryUint(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	} else if ok {
		f.Limit = int(limit)
	}

	if types := q.Get("types"); types != "" {
		f.Types = strings.Split(types, ",")
	}
	f.RemoteAddr = q.Get("remote_addr")

	if v := q.Get("incoming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid incoming")
			return
		}
		f.Incoming = &b
	}

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if ts := q.Get("timestamp"); ts != "" && from.IsZero() && to.IsZero() {
		point, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timestamp")
			return
		}
		from, to = point, point
	}
	f.From, f.To = from, to

	msgs, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: query messages")
		s.countReadError("messages")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if q.Get("direction") == "forward" {
		reverseMessages(msgs)
	}
	writeJSON(w, msgs)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	msg, ok, err := s.store.GetMessage(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: get message")
		s.countReadError("messages")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, msg)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.LogFilter

	cursor, _, err := queryUint(r, "cursor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	f.Cursor = cursor
	if limit, ok, err := queryUint(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	} else if ok {
		f.Limit = int(limit)
	}
	f.Section = q.Get("source_type")
	f.Level = q.Get("log_level")

	from, err := queryTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if !from.IsZero() {
		f.From = from.UnixNano()
	}
	if !to.IsZero() {
		f.To = to.UnixNano()
	}

	logs, err := s.store.QueryLogs(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: query logs")
		s.countReadError("logs")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, logs)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	var f store.ConnectionFilter
	cursor, _, err := queryUint(r, "cursor")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}
	f.Cursor = cursor
	if limit, ok, err := queryUint(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	} else if ok {
		f.Limit = int(limit)
	}

	conns, err := s.store.ListConnections(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: list connections")
		s.countReadError("connections")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, conns)
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	connIDHex := q.Get("conn_id")
	senderStr := q.Get("sender")
	if connIDHex == "" || senderStr == "" {
		writeError(w, http.StatusBadRequest, "conn_id and sender are required")
		return
	}

	key, err := parseConnKeyHex(connIDHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conn_id")
		return
	}

	var sender store.Sender
	switch senderStr {
	case "initiator":
		sender = store.SenderInitiator
	case "responder":
		sender = store.SenderResponder
	default:
		writeError(w, http.StatusBadRequest, "sender must be initiator or responder")
		return
	}

	chunks, err := s.store.IterateChunks(r.Context(), key, sender)
	if err != nil {
		s.log.Error().Err(err).Msg("httpapi: iterate chunks")
		s.countReadError("chunks")
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, chunks)
}
