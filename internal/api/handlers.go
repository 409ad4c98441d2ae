package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/anonymizer/internal/anonymize"
	"github.com/raaihank/anonymizer/internal/session"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, anonymize.ErrTechniqueNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidConfig), errors.Is(err, anonymize.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, anonymize.ErrTransformFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, session.ErrSourceUnavailable), errors.Is(err, session.ErrSinkFailure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", session.ErrInvalidConfig, err)
	}
	return nil
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"version":   s.config.Version,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListTechniques(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.ListAll())
}

func (s *Server) handleDescribeTechnique(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta, ok := s.deps.Registry.Describe(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", anonymize.ErrTechniqueNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

type applyRequest struct {
	Values     []string         `json:"values"`
	Value      *string          `json:"value,omitempty"`
	Parameters anonymize.Params `json:"parameters"`
}

func (s *Server) handleApplyTechnique(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	values := req.Values
	if req.Value != nil {
		values = append([]string{*req.Value}, values...)
	}

	res := s.deps.Registry.Apply(mux.Vars(r)["id"], values, req.Parameters)
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Err())
	}
	writeJSON(w, status, res)
}

type validateRequest struct {
	Parameters anonymize.Params `json:"parameters"`
}

type validateResponse struct {
	TechniqueID string `json:"techniqueId"`
	Valid       bool   `json:"valid"`
}

func (s *Server) handleValidateParameters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.deps.Registry.Has(id) {
		s.fail(w, r, fmt.Errorf("%w: %s", anonymize.ErrTechniqueNotFound, id))
		return
	}
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		TechniqueID: id,
		Valid:       s.deps.Registry.ValidateParameters(id, req.Parameters),
	})
}

type reverseRequest struct {
	Values []string `json:"values"`
}

type reverseResponse struct {
	TechniqueID string            `json:"techniqueId"`
	Originals   map[string]string `json:"originals"`
	Unknown     []string          `json:"unknown,omitempty"`
}

// handleReverse looks up originals for tokens or pseudonyms issued by a
// reversible technique
func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := s.deps.Registry.Technique(id)
	if !ok {
		s.fail(w, r, fmt.Errorf("%w: %s", anonymize.ErrTechniqueNotFound, id))
		return
	}

	var lookup func(string) (string, bool)
	switch rev := t.(type) {
	case *anonymize.Tokenizer:
		lookup = rev.Detokenize
	case *anonymize.Pseudonymizer:
		lookup = rev.Reidentify
	default:
		s.fail(w, r, fmt.Errorf("%w: technique %s is not reversible", anonymize.ErrInvalidParameters, id))
		return
	}

	var req reverseRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp := reverseResponse{TechniqueID: id, Originals: make(map[string]string, len(req.Values))}
	for _, v := range req.Values {
		if orig, ok := lookup(v); ok {
			resp.Originals[v] = orig
		} else {
			resp.Unknown = append(resp.Unknown, v)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		writeJSON(w, http.StatusOK, s.deps.Manager.ListActive())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Manager.List())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := decodeBody(r, &cfg); err != nil {
		s.fail(w, r, err)
		return
	}
	created, err := s.deps.Manager.Create(cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Manager.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Delete(mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Manager.Start(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Manager.Pause(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Manager.Stop(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	sample, err := s.deps.Manager.GetSessionMetrics(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleListMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Manager.ListAllMetrics())
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.SystemStatus())
}
