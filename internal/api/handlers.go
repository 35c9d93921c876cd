package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-controlplane/internal/admission"
	"github.com/xela07ax/spaceai-controlplane/internal/domain"
	"github.com/xela07ax/spaceai-controlplane/internal/infra/auth"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// operator — кто выполнил мутацию (для логов)
func operator(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok {
		return c.OperatorID
	}
	return ""
}

// --- Агенты ---

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Agents.States())
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	agent, ok := s.deps.Graph[name]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	resp := struct {
		Agent domain.AgentDescriptor `json:"agent"`
		State any                    `json:"state,omitempty"`
	}{Agent: agent}
	if s.deps.Agents != nil {
		if st, ok := s.deps.Agents.State(name); ok {
			resp.State = st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) probeAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.deps.Graph[chi.URLParam(r, "name")]
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	if s.deps.Prober == nil {
		writeError(w, http.StatusServiceUnavailable, "health engine is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Prober.Probe(r.Context(), agent.Health))
}

// --- Discovery ---

func (s *Server) discoverySnapshot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Discovery.Snapshot())
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is not configured")
		return
	}
	ep, err := s.deps.Discovery.Resolve(r.Context(), chi.URLParam(r, "name"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, ep)
	}
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is not configured")
		return
	}
	var ep domain.ServiceEndpoint
	if err := decode(r, &ep); err != nil || ep.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid endpoint")
		return
	}

	err := s.deps.Discovery.Register(r.Context(), ep)
	var partial *domain.RegistrationError
	switch {
	case errors.As(err, &partial):
		// Основная запись прошла, часть зеркал нет
		writeJSON(w, http.StatusMultiStatus, map[string]any{"registered": ep.Name, "error": err.Error()})
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Info("agent registered", zap.String("agent", ep.Name), zap.String("operator", operator(r)))
		writeJSON(w, http.StatusCreated, map[string]string{"registered": ep.Name})
	}
}

func (s *Server) unregister(w http.ResponseWriter, r *http.Request) {
	if s.deps.Discovery == nil {
		writeError(w, http.StatusServiceUnavailable, "discovery is not configured")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Discovery.Unregister(r.Context(), name); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.logger.Info("agent unregistered", zap.String("agent", name), zap.String("operator", operator(r)))
	w.WriteHeader(http.StatusNoContent)
}

// --- Rule & Rate Engine ---

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var ctx map[string]any
	if err := decode(r, &ctx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid context")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Admission.EvaluateAccess(ctx))
}

type rateCheckRequest struct {
	Subject   string `json:"subject"`
	Rule      string `json:"rule"`
	Increment *bool  `json:"increment,omitempty"` // по умолчанию true
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateCheckRequest
	if err := decode(r, &req); err != nil || req.Subject == "" || req.Rule == "" {
		writeError(w, http.StatusBadRequest, "subject and rule are required")
		return
	}
	increment := req.Increment == nil || *req.Increment

	allowed, info := s.deps.Admission.CheckRateLimit(req.Subject, req.Rule, increment)
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed, "info": info})
}

func (s *Server) listRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admission.Limiter().Specs())
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admission.Rules())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rule, ok := s.deps.Admission.Rule(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrUnknownRule, name).Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) upsertRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.AccessRule
	if err := decode(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule")
		return
	}
	if err := admission.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var err error
	if s.deps.Rules != nil {
		// Через БД: все инстансы получат reload
		err = s.deps.Rules.Save(r.Context(), rule)
	} else {
		err = s.deps.Admission.AddRule(rule)
	}
	if err != nil {
		s.logger.Error("rule save failed", zap.String("rule", rule.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	s.logger.Info("rule saved", zap.String("rule", rule.Name), zap.String("operator", operator(r)))
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var (
		removed bool
		err     error
	)
	if s.deps.Rules != nil {
		removed, err = s.deps.Rules.Delete(r.Context(), name)
	} else {
		removed = s.deps.Admission.RemoveRule(name)
	}
	if err != nil {
		s.logger.Error("rule delete failed", zap.String("rule", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", domain.ErrUnknownRule, name).Error())
		return
	}
	s.logger.Info("rule deleted", zap.String("rule", name), zap.String("operator", operator(r)))
	w.WriteHeader(http.StatusNoContent)
}

// --- Блоклист ---

type blockRequest struct {
	Entry string `json:"entry"` // IP или CIDR
}

func (s *Server) listBlocklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"blacklist": s.deps.Admission.Blacklist(),
		"whitelist": s.deps.Admission.Whitelist(),
	})
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil || req.Entry == "" {
		writeError(w, http.StatusBadRequest, "entry is required")
		return
	}

	var err error
	if s.deps.Blocklist != nil {
		err = s.deps.Blocklist.Block(r.Context(), req.Entry)
	} else {
		err = s.deps.Admission.BlockIP(req.Entry)
	}
	if errors.Is(err, domain.ErrInvalidRule) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("block failed", zap.String("entry", req.Entry), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to block")
		return
	}
	s.logger.Warn("entry blocked", zap.String("entry", req.Entry), zap.String("operator", operator(r)))
	writeJSON(w, http.StatusOK, map[string]string{"blocked": req.Entry})
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil || req.Entry == "" {
		writeError(w, http.StatusBadRequest, "entry is required")
		return
	}

	if s.deps.Blocklist != nil {
		if err := s.deps.Blocklist.Unblock(r.Context(), req.Entry); err != nil {
			s.logger.Error("unblock failed", zap.String("entry", req.Entry), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to unblock")
			return
		}
	} else if !s.deps.Admission.UnblockIP(req.Entry) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	s.logger.Info("entry unblocked", zap.String("entry", req.Entry), zap.String("operator", operator(r)))
	w.WriteHeader(http.StatusNoContent)
}

// --- События безопасности ---

func (s *Server) securityEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admission.Events().Recent(queryInt(r, "limit", 100)))
}

func (s *Server) securitySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Admission.Summary(queryInt(r, "recent", 20)))
}

// securityJournal — история из БД: ?since=RFC3339 или длительность (1h), ?limit=
func (s *Server) securityJournal(w http.ResponseWriter, r *http.Request) {
	if s.deps.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal storage is not configured")
		return
	}
	since := time.Now().Add(-time.Hour)
	if q := r.URL.Query().Get("since"); q != "" {
		if d, err := time.ParseDuration(q); err == nil {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, q); err == nil {
			since = t
		} else {
			writeError(w, http.StatusBadRequest, "since must be RFC3339 or a duration")
			return
		}
	}

	events, err := s.deps.Journal.Recent(r.Context(), since, queryInt(r, "limit", 100))
	if err != nil {
		s.logger.Error("journal read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
