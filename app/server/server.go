// Package server exposes the filter, index, and suggestion operations as a JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fluxcapacitor2/easylink/app/anchor"
	"github.com/fluxcapacitor2/easylink/app/apperr"
	"github.com/fluxcapacitor2/easylink/app/config"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/filter"
	"github.com/fluxcapacitor2/easylink/app/index"
	"github.com/fluxcapacitor2/easylink/app/match"
	"github.com/fluxcapacitor2/easylink/app/metrics"
	"github.com/fluxcapacitor2/easylink/app/pages"
	slogctx "github.com/veqryn/slog-context"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Request bodies larger than this are rejected
const maxBodySize = 4 * 1024 * 1024

const defaultCandidates = 20

type httpResponse struct {
	status       int
	Success      bool            `json:"success"`
	Error        *errorInfo      `json:"error,omitempty"`
	Data         any             `json:"data,omitempty"`
	Pagination   *paginationInfo `json:"pagination,omitempty"`
	ResponseTime float64         `json:"responseTime"`
}

type errorInfo struct {
	Kind   apperr.Kind `json:"kind"`
	Detail string      `json:"detail"`
}

// A handler returns the response body, an error, or both. When both are returned (for
// example, a partially applied update), the data is sent alongside the error.
type handler func(req *http.Request) (*httpResponse, error)

type Server struct {
	config    *config.Config
	engine    *filter.Engine
	store     *pages.Store
	index     *index.Index
	ranker    *match.Ranker
	extractor *anchor.Extractor

	mux *http.ServeMux
}

func New(cfg *config.Config, engine *filter.Engine, store *pages.Store, idx *index.Index, ranker *match.Ranker, extractor *anchor.Extractor) *Server {
	s := &Server{
		config:    cfg,
		engine:    engine,
		store:     store,
		index:     idx,
		ranker:    ranker,
		extractor: extractor,
		mux:       http.NewServeMux(),
	}

	s.handle("GET /api/sessions/{sessionId}/pages", s.listPages)
	s.handle("GET /api/pages/{pageId}", s.getPage)

	s.handle("POST /api/exclusions/apply", s.applyExclusions)
	s.handle("POST /api/exclusions/remove", s.removeExclusions)
	s.handle("POST /api/exclusions/bulk", s.bulkExclusions)

	s.handle("GET /api/sessions/{sessionId}/filters", s.listFilters)
	s.handle("POST /api/sessions/{sessionId}/filters", s.addFilter)
	s.handle("POST /api/sessions/{sessionId}/filters/preview", s.previewFilter)
	s.handle("DELETE /api/filters/{blockId}", s.removeFilter)

	s.handle("GET /api/sessions/{sessionId}/selection", s.getSelection)
	s.handle("POST /api/sessions/{sessionId}/selection/{pageId}", s.toggleSelection)
	s.handle("DELETE /api/sessions/{sessionId}/selection", s.clearSelection)
	s.handle("POST /api/sessions/{sessionId}/selection/exclude", s.excludeSelection)

	s.handle("POST /api/embeddings/generate", s.generateEmbeddings)
	s.handle("GET /api/embeddings/compatibility", s.compatibility)

	s.handle("POST /api/anchors", s.extractAnchors)
	s.handle("POST /api/suggestions", s.suggest)
	s.handle("POST /api/suggestions/text", s.suggestForText)

	s.handle("GET /health", func(req *http.Request) (*httpResponse, error) {
		return &httpResponse{Data: map[string]string{"status": "ok"}}, nil
	})
	s.mux.Handle("GET /metrics", metrics.Handler())

	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API until `ctx` is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%v:%v", s.config.HTTP.Listen, s.config.HTTP.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slogctx.Info(ctx, "Listening", "address", "http://"+addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handle(pattern string, fn handler) {
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		timeStart := time.Now()
		ctx := slogctx.Append(req.Context(), "route", pattern)

		response, err := fn(req.WithContext(ctx))
		if response == nil {
			response = &httpResponse{}
		}

		if err != nil {
			response.status = statusFor(err)
			response.Success = false
			response.Error = &errorInfo{Kind: apperr.KindOf(err), Detail: apperr.Detail(err)}

			if response.status >= 500 {
				slogctx.Error(ctx, "Request failed", "error", err)
				if response.Error.Kind == apperr.Internal {
					response.Error.Detail = "Internal server error"
				}
			} else {
				slogctx.Debug(ctx, "Request rejected", "error", err)
			}
		} else {
			response.Success = true
			if response.status == 0 {
				response.status = http.StatusOK
			}
		}

		response.ResponseTime = time.Since(timeStart).Seconds()
		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(response.status)
		str, err := json.Marshal(response)
		if err != nil {
			w.Write([]byte(`{"success":false,"error":{"kind":"internal_error","detail":"Failed to marshal struct into JSON"}}`))
		} else {
			w.Write(str)
		}

		metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(response.status)).Inc()
	})

	s.mux.Handle(pattern, otelhttp.NewHandler(h, pattern))
}

func statusFor(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}

	switch apperr.KindOf(err) {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.RateLimited, apperr.QuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.ExtractionFailed, apperr.EmbeddingFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(req *http.Request, v any) error {
	decoder := json.NewDecoder(io.LimitReader(req.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid request body", err)
	}
	return nil
}

func (s *Server) listPages(req *http.Request) (*httpResponse, error) {
	page, pageSize, err := parsePagination(req.URL.Query())
	if err != nil {
		return nil, err
	}

	list, err := s.engine.Pages(req.Context(), req.PathValue("sessionId"))
	if err != nil {
		return nil, err
	}

	results, info := paginate(req.URL, list, page, pageSize)
	return &httpResponse{Data: results, Pagination: &info}, nil
}

func (s *Server) getPage(req *http.Request) (*httpResponse, error) {
	page, err := s.store.Get(req.Context(), req.PathValue("pageId"))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: page}, nil
}

type exclusionRequest struct {
	PageIDs []string `json:"pageIds"`
}

func (s *Server) applyExclusions(req *http.Request) (*httpResponse, error) {
	var body exclusionRequest
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}
	return resultResponse(s.engine.ApplyExclusions(req.Context(), body.PageIDs))
}

func (s *Server) removeExclusions(req *http.Request) (*httpResponse, error) {
	var body exclusionRequest
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}
	return resultResponse(s.engine.RemoveExclusions(req.Context(), body.PageIDs))
}

func (s *Server) bulkExclusions(req *http.Request) (*httpResponse, error) {
	var body []filter.EligibilityUpdate
	if err := decodeJSON(req, &body); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "payload must be an array of {id, excluded} objects", err)
	}
	return resultResponse(s.engine.ApplyBulk(req.Context(), body))
}

func resultResponse(result *filter.Result, err error) (*httpResponse, error) {
	if result == nil {
		return nil, err
	}
	return &httpResponse{Data: result}, err
}

func (s *Server) listFilters(req *http.Request) (*httpResponse, error) {
	blocks, err := s.engine.ListBlocks(req.Context(), req.PathValue("sessionId"))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: blocks}, nil
}

func (s *Server) addFilter(req *http.Request) (*httpResponse, error) {
	var input filter.BlockInput
	if err := decodeJSON(req, &input); err != nil {
		return nil, err
	}

	block, result, err := s.engine.AddBlock(req.Context(), req.PathValue("sessionId"), input)
	if block == nil {
		return nil, err
	}
	return &httpResponse{
		status: http.StatusCreated,
		Data: struct {
			Block  *filter.Block  `json:"block"`
			Result *filter.Result `json:"result"`
		}{block, result},
	}, err
}

func (s *Server) previewFilter(req *http.Request) (*httpResponse, error) {
	var rule database.Rule
	if err := decodeJSON(req, &rule); err != nil {
		return nil, err
	}

	count, err := s.engine.PreviewBlock(req.Context(), req.PathValue("sessionId"), rule)
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: map[string]int{"matchCount": count}}, nil
}

func (s *Server) removeFilter(req *http.Request) (*httpResponse, error) {
	return resultResponse(s.engine.RemoveBlock(req.Context(), req.PathValue("blockId")))
}

func (s *Server) getSelection(req *http.Request) (*httpResponse, error) {
	return &httpResponse{Data: s.engine.Selected(req.PathValue("sessionId"))}, nil
}

func (s *Server) toggleSelection(req *http.Request) (*httpResponse, error) {
	selected, err := s.engine.ToggleSelection(req.PathValue("sessionId"), req.PathValue("pageId"))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: map[string]bool{"selected": selected}}, nil
}

func (s *Server) clearSelection(req *http.Request) (*httpResponse, error) {
	s.engine.ClearSelection(req.PathValue("sessionId"))
	return &httpResponse{Data: []string{}}, nil
}

func (s *Server) excludeSelection(req *http.Request) (*httpResponse, error) {
	return resultResponse(s.engine.ExcludeSelection(req.Context(), req.PathValue("sessionId")))
}

func (s *Server) generateEmbeddings(req *http.Request) (*httpResponse, error) {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}
	if body.SessionID == "" {
		return nil, apperr.New(apperr.Validation, "sessionId is required")
	}

	result, err := s.index.GenerateSession(req.Context(), body.SessionID)
	if result == nil {
		return nil, err
	}
	return &httpResponse{Data: result}, err
}

func (s *Server) compatibility(req *http.Request) (*httpResponse, error) {
	coverage, err := s.index.Coverage(req.Context(), req.URL.Query().Get("sessionId"))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: coverage}, nil
}

type anchorRequest struct {
	Text          string `json:"text"`
	MaxCandidates *int   `json:"maxCandidates"`
}

func (s *Server) extractAnchors(req *http.Request) (*httpResponse, error) {
	var body anchorRequest
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}
	if s.extractor == nil {
		return nil, apperr.New(apperr.Internal, "anchor extraction is not configured")
	}

	candidates, err := s.extractor.Extract(req.Context(), body.Text, valueOr(body.MaxCandidates, defaultCandidates))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: candidates}, nil
}

func (s *Server) suggest(req *http.Request) (*httpResponse, error) {
	var body struct {
		AnchorText     string `json:"anchorText"`
		MaxSuggestions *int   `json:"maxSuggestions"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}

	suggestions, err := s.ranker.Suggest(req.Context(), body.AnchorText, valueOr(body.MaxSuggestions, s.config.Suggestions.MaxResults))
	if err != nil {
		return nil, err
	}
	return &httpResponse{Data: suggestions}, nil
}

func (s *Server) suggestForText(req *http.Request) (*httpResponse, error) {
	var body struct {
		Text           string `json:"text"`
		MaxCandidates  *int   `json:"maxCandidates"`
		MaxSuggestions *int   `json:"maxSuggestions"`
	}
	if err := decodeJSON(req, &body); err != nil {
		return nil, err
	}

	results, err := s.ranker.SuggestAll(req.Context(), body.Text,
		valueOr(body.MaxCandidates, defaultCandidates), valueOr(body.MaxSuggestions, s.config.Suggestions.MaxResults))
	if results == nil {
		return nil, err
	}
	return &httpResponse{Data: results}, err
}

func valueOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
