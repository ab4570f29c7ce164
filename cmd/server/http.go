package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"arenaswap.ai/internal/boot"
	"arenaswap.ai/internal/persistence/mirror"
	"arenaswap.ai/internal/sim/lifecycle"
	"arenaswap.ai/internal/sim/model"
	"arenaswap.ai/internal/transport/ws"
)

func buildMux(ctx context.Context, a *app, enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, a)
	})
	mux.HandleFunc("/v1/ws", a.ws.Handler())

	if !enableAdmin {
		a.log.Info("admin endpoints disabled (ARENASWAP_ENABLE_ADMIN_HTTP=false)")
		return mux
	}

	// Local-only admin endpoints.
	mux.HandleFunc("/admin/v1/state", adminOnly(http.MethodGet, func(rw http.ResponseWriter, r *http.Request) {
		name, cause := a.seq.LastFailure()
		resp := struct {
			Runtime     string             `json:"runtime"`
			Initialized []string           `json:"initialized"`
			FailedStep  string             `json:"failed_step,omitempty"`
			FailedError string             `json:"failed_error,omitempty"`
			Players     []lifecycle.Status `json:"players"`
			Stats       lifecycle.Stats    `json:"stats"`
		}{
			Runtime:     a.seq.State().String(),
			Initialized: a.seq.Registry(),
			FailedStep:  name,
			Players:     a.coord.Statuses(),
			Stats:       a.coord.Stats(),
		}
		if cause != nil {
			resp.FailedError = cause.Error()
		}
		writeJSONResp(rw, http.StatusOK, resp)
	}))
	mux.HandleFunc("/admin/v1/zones/reload", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		if err := a.reloadZones(); err != nil {
			writeJSONResp(rw, http.StatusBadRequest, map[string]any{"ok": false, "code": ws.ErrorCode(err), "error": err.Error()})
			return
		}
		writeJSONResp(rw, http.StatusOK, map[string]any{"ok": true, "zones": a.zones.Table().Len()})
	}))
	mux.HandleFunc("/admin/v1/exit", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		id, ok := playerParam(rw, r)
		if !ok {
			return
		}
		if err := a.coord.Exit(r.Context(), id); err != nil {
			writeJSONResp(rw, http.StatusConflict, map[string]any{"ok": false, "code": ws.ErrorCode(err), "error": err.Error()})
			return
		}
		writeJSONResp(rw, http.StatusOK, map[string]any{"ok": true, "player": id})
	}))
	mux.HandleFunc("/admin/v1/override", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		id, ok := playerParam(rw, r)
		if !ok {
			return
		}
		enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
		if err != nil {
			http.Error(rw, "bad enabled", http.StatusBadRequest)
			return
		}
		if !a.coord.SetOverride(id, enabled) {
			writeJSONResp(rw, http.StatusInternalServerError, map[string]any{"ok": false, "player": id})
			return
		}
		writeJSONResp(rw, http.StatusOK, map[string]any{"ok": true, "player": id, "enabled": enabled})
	}))
	mux.HandleFunc("/admin/v1/reset", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		a.seq.Reset()
		rebootResp(ctx, rw, a)
	}))
	mux.HandleFunc("/admin/v1/reinit", adminOnly(http.MethodPost, func(rw http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if !a.seq.ForceReinit(name) {
			writeJSONResp(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "not initialized: " + name})
			return
		}
		rebootResp(ctx, rw, a)
	}))
	return mux
}

// rebootResp reruns boot on the server's context, not the request's, so a
// client hanging up does not abort a step halfway.
func rebootResp(ctx context.Context, rw http.ResponseWriter, a *app) {
	if err := a.boot(ctx); err != nil {
		a.log.Error("reboot failed", zap.Error(err))
		writeJSONResp(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "runtime": a.seq.State().String(), "error": err.Error()})
		return
	}
	writeJSONResp(rw, http.StatusOK, map[string]any{"ok": true, "runtime": a.seq.State().String()})
}

func adminOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func playerParam(rw http.ResponseWriter, r *http.Request) (model.PlayerID, bool) {
	n, err := strconv.ParseUint(r.URL.Query().Get("player"), 10, 64)
	if err != nil || n == 0 {
		http.Error(rw, "bad player", http.StatusBadRequest)
		return 0, false
	}
	return model.PlayerID(n), true
}

func writeJSONResp(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeMetrics renders the Prometheus text exposition by hand.
func writeMetrics(rw http.ResponseWriter, a *app) {
	st := a.coord.Stats()
	fmt.Fprintf(rw, "# HELP arenaswap_transitions_total Finished transitions by direction and outcome.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_transitions_total counter\n")
	fmt.Fprintf(rw, "arenaswap_transitions_total{direction=%q,outcome=%q} %d\n", "enter", "committed", st.Entered)
	fmt.Fprintf(rw, "arenaswap_transitions_total{direction=%q,outcome=%q} %d\n", "exit", "committed", st.Exited)
	fmt.Fprintf(rw, "arenaswap_transitions_total{direction=%q,outcome=%q} %d\n", "recover", "committed", st.Recovered)
	fmt.Fprintf(rw, "arenaswap_transitions_total{direction=%q,outcome=%q} %d\n", "enter", "aborted", st.Aborted)
	fmt.Fprintf(rw, "arenaswap_transitions_total{direction=%q,outcome=%q} %d\n", "enter", "abandoned", st.Abandoned)

	fmt.Fprintf(rw, "# HELP arenaswap_transition_conflicts_total Commands rejected because a transition was in flight.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_transition_conflicts_total counter\n")
	fmt.Fprintf(rw, "arenaswap_transition_conflicts_total %d\n", st.Conflicts)

	fmt.Fprintf(rw, "# HELP arenaswap_transition_retries_total Step retries.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_transition_retries_total counter\n")
	fmt.Fprintf(rw, "arenaswap_transition_retries_total %d\n", st.Retries)

	fmt.Fprintf(rw, "# HELP arenaswap_snapshots_quarantined_total Corrupt snapshots moved to quarantine.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_snapshots_quarantined_total counter\n")
	fmt.Fprintf(rw, "arenaswap_snapshots_quarantined_total %d\n", st.Quarantined)

	fmt.Fprintf(rw, "# HELP arenaswap_snapshot_timeouts_total Snapshot writes outstanding past the save timeout.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_snapshot_timeouts_total counter\n")
	fmt.Fprintf(rw, "arenaswap_snapshot_timeouts_total %d\n", st.Timeouts)

	fmt.Fprintf(rw, "# HELP arenaswap_not_ready_total Triggers and commands refused before the runtime was ready.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_not_ready_total counter\n")
	fmt.Fprintf(rw, "arenaswap_not_ready_total %d\n", st.NotReady)

	fmt.Fprintf(rw, "# HELP arenaswap_players Players by lifecycle state.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_players gauge\n")
	fmt.Fprintf(rw, "arenaswap_players{state=%q} %d\n", "transitioning", st.InFlight)
	fmt.Fprintf(rw, "arenaswap_players{state=%q} %d\n", "alternate_active", st.Alternate)

	snap := a.writer.Stats()
	fmt.Fprintf(rw, "# HELP arenaswap_snapshot_queue_depth Snapshot writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_snapshot_queue_depth gauge\n")
	fmt.Fprintf(rw, "arenaswap_snapshot_queue_depth %d\n", snap.QueueDepth)
	fmt.Fprintf(rw, "# HELP arenaswap_snapshot_queue_capacity Snapshot writer queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_snapshot_queue_capacity gauge\n")
	fmt.Fprintf(rw, "arenaswap_snapshot_queue_capacity %d\n", snap.QueueCapacity)
	fmt.Fprintf(rw, "# HELP arenaswap_snapshot_writes_total Snapshot writer jobs by result.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_snapshot_writes_total counter\n")
	fmt.Fprintf(rw, "arenaswap_snapshot_writes_total{result=%q} %d\n", "saved", snap.SavedTotal)
	fmt.Fprintf(rw, "arenaswap_snapshot_writes_total{result=%q} %d\n", "deleted", snap.DeletedTotal)
	fmt.Fprintf(rw, "arenaswap_snapshot_writes_total{result=%q} %d\n", "failed", snap.FailedTotal)
	fmt.Fprintf(rw, "arenaswap_snapshot_writes_total{result=%q} %d\n", "rejected", snap.RejectedTotal)

	idx := a.idx.Stats()
	fmt.Fprintf(rw, "# HELP arenaswap_index_queue_depth Index writer backlog.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "arenaswap_index_queue_depth %d\n", idx.QueueDepth)
	fmt.Fprintf(rw, "# HELP arenaswap_index_dropped_total Index rows dropped on a full queue.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_index_dropped_total counter\n")
	fmt.Fprintf(rw, "arenaswap_index_dropped_total{table=%q} %d\n", "body_pairs", idx.DropPairTotal)
	fmt.Fprintf(rw, "arenaswap_index_dropped_total{table=%q} %d\n", "transitions", idx.DropTransitionTotal)
	fmt.Fprintf(rw, "# HELP arenaswap_index_write_fail_total Failed index writes.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_index_write_fail_total counter\n")
	fmt.Fprintf(rw, "arenaswap_index_write_fail_total %d\n", idx.WriteFailTotal)

	fmt.Fprintf(rw, "# HELP arenaswap_runtime_state Runtime state (1 for the current one).\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_runtime_state gauge\n")
	cur := a.seq.State()
	for _, s := range []boot.RuntimeState{boot.Off, boot.Booting, boot.Ready, boot.Failed} {
		v := 0
		if s == cur {
			v = 1
		}
		fmt.Fprintf(rw, "arenaswap_runtime_state{state=%q} %d\n", s.String(), v)
	}

	wst := a.ws.Stats()
	fmt.Fprintf(rw, "# HELP arenaswap_ws_sessions Connected host bridges.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_ws_sessions gauge\n")
	fmt.Fprintf(rw, "arenaswap_ws_sessions %d\n", wst.Sessions)
	fmt.Fprintf(rw, "# HELP arenaswap_ws_commands_total Decoded host messages.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_ws_commands_total counter\n")
	fmt.Fprintf(rw, "arenaswap_ws_commands_total %d\n", wst.CommandsTotal)
	fmt.Fprintf(rw, "# HELP arenaswap_ws_rate_limited_total Commands rejected by the per-connection limiter.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_ws_rate_limited_total counter\n")
	fmt.Fprintf(rw, "arenaswap_ws_rate_limited_total %d\n", wst.RateLimitedTotal)
	fmt.Fprintf(rw, "# HELP arenaswap_ws_events_dropped_total Lifecycle events dropped on full session queues.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_ws_events_dropped_total counter\n")
	fmt.Fprintf(rw, "arenaswap_ws_events_dropped_total %d\n", wst.EventsDropped)

	writeMirrorMetrics(rw, a.mirror)
}

func writeMirrorMetrics(rw http.ResponseWriter, m *mirror.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(rw, "# HELP arenaswap_mirror_queue_depth Journal mirror backlog.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "arenaswap_mirror_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(rw, "# HELP arenaswap_mirror_dropped_total Journal files dropped on a full mirror queue.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_mirror_dropped_total counter\n")
	fmt.Fprintf(rw, "arenaswap_mirror_dropped_total %d\n", s.DroppedTotal)
	fmt.Fprintf(rw, "# HELP arenaswap_mirror_uploads_total Journal uploads by result.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_mirror_uploads_total counter\n")
	fmt.Fprintf(rw, "arenaswap_mirror_uploads_total{result=%q} %d\n", "ok", s.UploadSuccessTotal)
	fmt.Fprintf(rw, "arenaswap_mirror_uploads_total{result=%q} %d\n", "failed", s.UploadFailTotal)
	fmt.Fprintf(rw, "# HELP arenaswap_mirror_last_success_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(rw, "# TYPE arenaswap_mirror_last_success_unix gauge\n")
	fmt.Fprintf(rw, "arenaswap_mirror_last_success_unix %d\n", s.LastSuccessUnix)
}
