// Package admin is the authenticated HTTP surface for operating the
// registry, compiler and audit trail. Every handler returns JSON and
// side-effecting operations are idempotent where the data model allows
// it (compile by job/dataset hash, export by receipt id).
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"promptc/internal/artifact"
	"promptc/internal/budget"
	"promptc/internal/compile"
	"promptc/internal/contract"
	"promptc/internal/eval"
	"promptc/internal/kernel"
	"promptc/internal/logging"
	"promptc/internal/predict"
	"promptc/internal/registry"
	"promptc/internal/store"
)

// Server wires the admin handlers. All routes require the bearer token.
type Server struct {
	token    string
	catalog  *contract.Catalog
	registry *registry.Registry
	compiler *compile.Compiler
	pipeline *predict.Pipeline
	store    *store.SQLiteStore
	blobs    kernel.BlobStore
	log      *zap.SugaredLogger
}

func NewServer(token string, catalog *contract.Catalog, reg *registry.Registry, compiler *compile.Compiler, pipeline *predict.Pipeline, st *store.SQLiteStore) *Server {
	return &Server{
		token:    token,
		catalog:  catalog,
		registry: reg,
		compiler: compiler,
		pipeline: pipeline,
		store:    st,
		blobs:    st.Blobs(),
		log:      logging.Get(logging.CategoryAdmin),
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predict", s.handlePredict)
	mux.HandleFunc("POST /v1/compile", s.handleCompile)
	mux.HandleFunc("POST /v1/promote", s.handlePromote)
	mux.HandleFunc("POST /v1/rollback", s.handleRollback)
	mux.HandleFunc("POST /v1/canary/start", s.handleCanaryStart)
	mux.HandleFunc("POST /v1/canary/stop", s.handleCanaryStop)
	mux.HandleFunc("GET /v1/canary/status", s.handleCanaryStatus)
	mux.HandleFunc("GET /v1/registry/history", s.handleHistory)
	mux.HandleFunc("GET /v1/contracts/{id...}", s.handleContractExport)
	mux.HandleFunc("POST /v1/datasets/from-receipt", s.handleExportReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleReceipt)
	mux.HandleFunc("GET /v1/receipts/{id}/blobs/{blobId}", s.handleBlob)
	return s.authenticate(mux)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type predictRequest struct {
	SignatureID string         `json:"signatureId"`
	Input       map[string]any `json:"input"`
	RequestKey  string         `json:"requestKey,omitempty"`
}

type predictResponse struct {
	Output    map[string]any  `json:"output"`
	ReceiptID string          `json:"receiptId"`
	Usage     budget.Usage    `json:"usage"`
	Outcome   budget.Outcome  `json:"outcome"`
	Receipt   *budget.Receipt `json:"receipt,omitempty"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if !decodeBody(w, r, &req) {
		return
	}
	output, receipt, err := s.pipeline.Predict(r.Context(), req.SignatureID, req.Input, req.RequestKey)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, predictResponse{
		Output: output, ReceiptID: receipt.ID, Usage: receipt.Usage, Outcome: receipt.Outcome,
	})
}

type compileResponse struct {
	Artifact *artifact.CompiledArtifact `json:"artifact"`
	Report   *eval.Report               `json:"report,omitempty"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var job compile.JobSpec
	if !decodeBody(w, r, &job) {
		return
	}
	ds, err := s.store.LoadDataset(r.Context(), job.DatasetID)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	art, err := s.compiler.Compile(r.Context(), job, ds)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}

	resp := compileResponse{Artifact: art}
	if report, ok, err := s.store.Reports().Get(r.Context(), eval.Key{
		SignatureID: art.SignatureID,
		CompiledID:  art.CompiledID,
		DatasetHash: art.Eval.DatasetHash,
		Split:       eval.SplitHoldout,
		MetricID:    art.Eval.MetricID,
	}); err == nil && ok {
		resp.Report = report
	}
	writeJSON(w, http.StatusOK, resp)
}

type promoteRequest struct {
	SignatureID     string  `json:"signatureId"`
	CompiledID      string  `json:"compiledId"`
	MinHoldoutDelta float64 `json:"minHoldoutDelta,omitempty"`
	RequireHoldout  bool    `json:"requireHoldout,omitempty"`
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.registry.Promote(r.Context(), req.SignatureID, req.CompiledID, registry.Gate{
		MinHoldoutDelta: req.MinHoldoutDelta,
		RequireHoldout:  req.RequireHoldout,
	})
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writePointer(w, r.Context(), req.SignatureID)
}

type signatureRequest struct {
	SignatureID string `json:"signatureId"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.Rollback(r.Context(), req.SignatureID); err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writePointer(w, r.Context(), req.SignatureID)
}

type canaryStartRequest struct {
	SignatureID  string  `json:"signatureId"`
	CompiledID   string  `json:"compiledId"`
	RolloutPct   int     `json:"rolloutPct"`
	MinSamples   int64   `json:"minSamples"`
	MaxErrorRate float64 `json:"maxErrorRate"`
}

func (s *Server) handleCanaryStart(w http.ResponseWriter, r *http.Request) {
	var req canaryStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.registry.StartCanary(r.Context(), req.SignatureID, req.CompiledID, req.RolloutPct, req.MinSamples, req.MaxErrorRate)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writePointer(w, r.Context(), req.SignatureID)
}

func (s *Server) handleCanaryStop(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.StopCanary(r.Context(), req.SignatureID); err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	s.writePointer(w, r.Context(), req.SignatureID)
}

func (s *Server) handleCanaryStatus(w http.ResponseWriter, r *http.Request) {
	signatureID := r.URL.Query().Get("signatureId")
	status, err := s.registry.CanaryStatus(r.Context(), signatureID)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	signatureID := r.URL.Query().Get("signatureId")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
		limit = n
	}
	history, err := s.registry.History(r.Context(), signatureID, limit)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleContractExport(w http.ResponseWriter, r *http.Request) {
	sig, err := s.catalog.Get(r.PathValue("id"))
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	export, err := contract.ExportContract(sig)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

type exportRequest struct {
	ReceiptID string     `json:"receiptId"`
	DatasetID string     `json:"datasetId"`
	Split     eval.Split `json:"split,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

func (s *Server) handleExportReceipt(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	receipt, err := s.store.GetReceipt(r.Context(), req.ReceiptID)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	exampleID, err := s.store.ExportReceipt(r.Context(), req.DatasetID, receipt, req.Split, req.Tags)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"datasetId": req.DatasetID, "exampleId": exampleID})
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.store.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleBlob serves a blob only through a receipt that links it, so the
// audit trail is the single entry point to stored payloads.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.store.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	blobID := r.PathValue("blobId")
	linked := false
	for _, id := range receipt.BlobIDs {
		if id == blobID {
			linked = true
			break
		}
	}
	if !linked {
		writeError(w, http.StatusNotFound, fmt.Errorf("blob %s is not linked from receipt %s", blobID, receipt.ID))
		return
	}
	data, err := s.blobs.Get(r.Context(), blobID)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) writePointer(w http.ResponseWriter, ctx context.Context, signatureID string) {
	pointer, err := s.registry.Resolve(ctx, signatureID)
	if err != nil {
		s.writeTaxonomyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointer)
}

// writeTaxonomyError maps the error taxonomy onto HTTP statuses. The
// taxonomy tag always reaches the caller in the body.
func (s *Server) writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	tag := "error"
	switch {
	case errors.Is(err, registry.ErrGateFailure):
		status, tag = http.StatusPreconditionFailed, "gate_failure"
	case errors.Is(err, registry.ErrConflict):
		status, tag = http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, registry.ErrNoPointer), errors.Is(err, registry.ErrNoCanary),
		errors.Is(err, artifact.ErrNotFound), errors.Is(err, store.ErrReceiptNotFound),
		errors.Is(err, store.ErrDatasetNotFound), errors.Is(err, kernel.ErrBlobNotFound),
		errors.Is(err, contract.ErrSignatureNotFound):
		status, tag = http.StatusNotFound, "not_found"
	case errors.Is(err, predict.ErrContractViolation):
		status, tag = http.StatusUnprocessableEntity, "contract_violation"
	case errors.Is(err, budget.ErrBudgetExceeded):
		status, tag = http.StatusTooManyRequests, "budget_exceeded"
	}
	s.log.Warnw("request failed", "status", status, "tag", tag, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error(), "tag": tag})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
