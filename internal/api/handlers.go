// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
	"grimm.is/flowguard/internal/packet"
	"grimm.is/flowguard/internal/scoring"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// flowRequest identifies a flow by either endpoint order.
type flowRequest struct {
	A     string `json:"a"`
	B     string `json:"b"`
	Proto string `json:"proto"`
}

func (fr flowRequest) key() (flow.Key, error) {
	a, err := parseEndpoint("a", fr.A)
	if err != nil {
		return flow.Key{}, err
	}
	b, err := parseEndpoint("b", fr.B)
	if err != nil {
		return flow.Key{}, err
	}
	proto, err := parseProto(fr.Proto)
	if err != nil {
		return flow.Key{}, err
	}
	return flow.NewKey(a, b, proto), nil
}

// parseEndpoint accepts "addr:port", "[v6]:port" or a bare address.
func parseEndpoint(field, s string) (flow.Endpoint, error) {
	if s == "" {
		return flow.Endpoint{}, errors.Attr(errors.New(errors.KindValidation, "endpoint required"), "field", field)
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return flow.Endpoint{Addr: ap.Addr(), Port: ap.Port()}, nil
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return flow.Endpoint{}, errors.Attr(errors.Errorf(errors.KindValidation, "invalid endpoint %q", s), "field", field)
	}
	return flow.Endpoint{Addr: addr}, nil
}

func parseProto(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return packet.ProtoTCP, nil
	case "udp":
		return packet.ProtoUDP, nil
	case "icmp":
		return packet.ProtoICMP, nil
	case "icmpv6":
		return packet.ProtoICMPv6, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, errors.Attr(errors.Errorf(errors.KindValidation, "invalid protocol %q", s), "field", "proto")
	}
	return uint8(n), nil
}

func parseLimit(r *http.Request) int {
	limit := defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	return min(limit, maxLimit)
}

// parseTimeRange reads from/to as unix seconds or RFC3339, defaulting to
// the last hour.
func parseTimeRange(fromStr, toStr string) (time.Time, time.Time) {
	to := time.Now()
	if toStr != "" {
		if v, err := strconv.ParseInt(toStr, 10, 64); err == nil {
			to = time.Unix(v, 0)
		} else if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			to = t
		}
	}

	from := to.Add(-1 * time.Hour)
	if fromStr != "" {
		if v, err := strconv.ParseInt(fromStr, 10, 64); err == nil {
			from = time.Unix(v, 0)
		} else if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			from = t
		}
	}
	return from, to
}

// flowResponse is the JSON shape of a flow snapshot.
type flowResponse struct {
	Flow      string        `json:"flow"`
	Initiator string        `json:"initiator"`
	Responder string        `json:"responder"`
	Protocol  uint8         `json:"protocol"`
	State     string        `json:"state"`
	Duration  float64       `json:"duration_secs"`
	Counters  flow.Counters `json:"counters"`
}

func newFlowResponse(v flow.View) flowResponse {
	return flowResponse{
		Flow:      v.Key.String(),
		Initiator: v.Initiator.String(),
		Responder: v.Responder().String(),
		Protocol:  v.Key.Proto,
		State:     v.State.String(),
		Duration:  v.Duration().Seconds(),
		Counters:  v.Counters,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		respondWithError(w, http.StatusServiceUnavailable, "status collector not running")
		return
	}
	respondWithJSON(w, http.StatusOK, s.status.Status())
}

// handleGetFlow returns one flow snapshot: /api/flows?a=&b=&proto=
func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := flowRequest{A: q.Get("a"), B: q.Get("b"), Proto: q.Get("proto")}.key()
	if err != nil {
		respondWithErr(w, err)
		return
	}
	v, ok := s.flows.Snapshot(key)
	if !ok {
		respondWithError(w, http.StatusNotFound, "flow not found")
		return
	}
	respondWithJSON(w, http.StatusOK, newFlowResponse(v))
}

// handleMitigate marks a confirmed attack flow as mitigated.
func (s *Server) handleMitigate(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := req.key()
	if err != nil {
		respondWithErr(w, err)
		return
	}
	state, err := s.flows.Mitigate(key)
	if err != nil {
		status := statusFor(err)
		if errors.IsKind(err, errors.KindValidation) {
			status = http.StatusConflict
		}
		respondWithJSON(w, status, map[string]string{
			"error": err.Error(),
			"flow":  key.String(),
			"state": state.String(),
		})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{
		"flow":  key.String(),
		"state": state.String(),
	})
}

// handleVerdicts lists verdicts newest first, from the store when one is
// configured and from the in-memory ring otherwise. ?src= filters by
// source address and needs the store.
func (s *Server) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	src := r.URL.Query().Get("src")

	if s.store == nil {
		if src != "" {
			respondWithError(w, http.StatusServiceUnavailable, "verdict store not configured")
			return
		}
		respondVerdicts(w, "memory", s.flows.Recent(limit))
		return
	}

	var (
		verdicts []scoring.Verdict
		err      error
	)
	if src != "" {
		addr, perr := netip.ParseAddr(src)
		if perr != nil {
			respondWithError(w, http.StatusBadRequest, "invalid src address")
			return
		}
		verdicts, err = s.store.BySource(addr, limit)
	} else {
		verdicts, err = s.store.Recent(limit)
	}
	if err != nil {
		s.logger.Warn("Verdict query failed", "error", err)
		respondWithErr(w, err)
		return
	}
	respondVerdicts(w, "store", verdicts)
}

func respondVerdicts(w http.ResponseWriter, source string, verdicts []scoring.Verdict) {
	if verdicts == nil {
		verdicts = []scoring.Verdict{}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"source":   source,
		"count":    len(verdicts),
		"verdicts": verdicts,
	})
}

// handleTopSources returns attack sources by verdict count.
func (s *Server) handleTopSources(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondWithError(w, http.StatusServiceUnavailable, "verdict store not configured")
		return
	}
	from, to := parseTimeRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	top, err := s.store.TopSources(from, to, parseLimit(r))
	if err != nil {
		respondWithErr(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"from":    from.UTC(),
		"to":      to.UTC(),
		"sources": top,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.alerts == nil {
		respondWithError(w, http.StatusServiceUnavailable, "alert engine not configured")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"alerts": s.alerts.GetHistory(parseLimit(r)),
	})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithErr(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if field, ok := errors.GetAttributes(err)["field"]; ok {
		body["field"] = field
	}
	respondWithJSON(w, statusFor(err), body)
}
