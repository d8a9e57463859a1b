package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/rjeffmyers/vpnrdp/credentials"
	"github.com/rjeffmyers/vpnrdp/orchestrator"
	"github.com/rjeffmyers/vpnrdp/profile"
	"github.com/rjeffmyers/vpnrdp/stats"
)

// sessionView adds the error fields that Info keeps out of JSON.
type sessionView struct {
	orchestrator.Info
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func viewOf(in orchestrator.Info) sessionView {
	v := sessionView{Info: in}
	if in.Err != nil {
		v.ErrorKind = in.Err.Kind.String()
		v.Error = in.Err.Error()
	}
	return v
}

type snapshotView struct {
	orchestrator.Snapshot
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func snapshotViewOf(s orchestrator.Snapshot) snapshotView {
	v := snapshotView{Snapshot: s}
	if s.Err != nil {
		v.ErrorKind = s.Err.Kind.String()
		v.Error = s.Err.Error()
	}
	return v
}

type statusResponse struct {
	Active  *sessionView   `json:"active"`
	Traffic *stats.Sample  `json:"traffic,omitempty"`
	Samples []stats.Sample `json:"samples,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if info, ok := s.sessions.Active(); ok {
		v := viewOf(info)
		resp.Active = &v
	}
	if s.opts.Traffic != nil {
		if latest, ok := s.opts.Traffic.Latest(); ok {
			resp.Traffic = &latest
			resp.Samples = s.opts.Traffic.History()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil {
		writeError(w, http.StatusNotImplemented, "profiles unavailable")
		return
	}
	list := s.opts.Profiles.List()
	if list == nil {
		list = []*profile.Profile{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if s.opts.Profiles == nil || s.opts.Credentials == nil {
		writeError(w, http.StatusNotImplemented, "connect unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	p, err := s.opts.Profiles.Get(name)
	if err != nil {
		writeKindError(w, err)
		return
	}

	creds, missing, err := s.opts.Credentials.ResolveAll(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(missing) > 0 {
		kinds := make([]string, len(missing))
		for i, k := range missing {
			kinds[i] = string(k)
		}
		writeError(w, http.StatusConflict, "stored credentials required: "+strings.Join(kinds, ", "))
		return
	}

	id, err := s.sessions.Connect(r.Context(), name, creds)
	creds.Wipe()
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.Sessions()
	out := make([]sessionView, len(list))
	for i, in := range list {
		out[i] = viewOf(in)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Acknowledge(chi.URLParam(r, "id")); err != nil {
		writeKindError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DisconnectTimeout)
	defer cancel()

	if err := s.sessions.Disconnect(ctx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeKindError(w, err)
		return
	}
	info, err := s.sessions.Session(id)
	if err != nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(info))
}

// handleEvents streams a session's snapshots as server-sent events,
// replaying from the first transition.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, err := s.sessions.Subscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeKindError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for snap := range ch {
		data, err := json.Marshal(snapshotViewOf(snap))
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", snap.State, snap.Seq, data)
		flusher.Flush()
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotImplemented, "history disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.opts.History.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeKindError maps an error kind onto an HTTP status.
func writeKindError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch common.KindOf(err) {
	case common.KindNotFound:
		status = http.StatusNotFound
	case common.KindBusy:
		status = http.StatusConflict
	case common.KindConfigInvalid:
		status = http.StatusUnprocessableEntity
	case common.KindCancelled:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"error":      err.Error(),
		"error_kind": common.KindOf(err).String(),
	})
}

var _ CredentialSource = (*credentials.Resolver)(nil)
