package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/poolai/knowledge-engine/engine/domain"
	"github.com/poolai/knowledge-engine/engine/graph"
	"github.com/poolai/knowledge-engine/engine/kb"
)

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k,omitempty"`
	Language string `json:"language,omitempty"`
}

// QueryResponse is the JSON response for POST /api/query.
type QueryResponse struct {
	Status  string                  `json:"status"`
	Query   string                  `json:"query"`
	Results []domain.SearchResult   `json:"results,omitempty"`
	Answer  string                  `json:"answer"`
	Related []graph.RelatedDocument `json:"related,omitempty"`
}

// DocumentRequest is the JSON body for document writes.
type DocumentRequest struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Language string   `json:"language,omitempty"`
}

func registerRoutes(mux *http.ServeMux, svc *kb.Service, defaultLanguage string, logger *slog.Logger) {
	mux.HandleFunc("POST /api/query", handleQuery(svc, logger))
	mux.HandleFunc("POST /api/documents", handleCreate(svc, defaultLanguage, logger))
	mux.HandleFunc("GET /api/documents/{id}", handleGet(svc, logger))
	mux.HandleFunc("PUT /api/documents/{id}", handleUpdate(svc, defaultLanguage, logger))
	mux.HandleFunc("DELETE /api/documents/{id}", handleDelete(svc, logger))
}

func handleQuery(svc *kb.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Query == "" {
			writeError(w, http.StatusBadRequest, "query is required")
			return
		}

		ans, err := svc.AnswerQuery(r.Context(), req.Query, req.TopK, req.Language)
		if err != nil {
			logger.Error("query failed", "err", err)
			writeError(w, statusFor(err), "query failed")
			return
		}

		writeJSON(w, http.StatusOK, QueryResponse{
			Status:  ans.Response.Status,
			Query:   ans.Response.Query,
			Results: ans.Response.Results,
			Answer:  ans.Reply,
			Related: ans.Related,
		})
	}
}

func handleCreate(svc *kb.Service, defaultLanguage string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r, "", defaultLanguage)
		if !ok {
			return
		}
		if err := svc.OnDocumentCreated(r.Context(), doc); err != nil {
			respondWriteError(w, logger, "create", doc.ID, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": doc.ID})
	}
}

func handleGet(svc *kb.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		doc, ok, err := svc.GetDocument(r.Context(), id)
		if err != nil {
			logger.Error("document read failed", "document_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "document read failed")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func handleUpdate(svc *kb.Service, defaultLanguage string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, ok := decodeDocument(w, r, r.PathValue("id"), defaultLanguage)
		if !ok {
			return
		}
		if err := svc.OnDocumentUpdated(r.Context(), doc); err != nil {
			respondWriteError(w, logger, "update", doc.ID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": doc.ID})
	}
}

func handleDelete(svc *kb.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := svc.OnDocumentDeleted(r.Context(), id); err != nil {
			respondWriteError(w, logger, "delete", id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// decodeDocument reads a document body. pathID, when set, wins over the body
// id so PUT /api/documents/{id} always addresses the path target.
func decodeDocument(w http.ResponseWriter, r *http.Request, pathID, defaultLanguage string) (domain.Document, bool) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return domain.Document{}, false
	}
	if pathID != "" {
		req.ID = pathID
	}
	language := req.Language
	if language == "" {
		language = defaultLanguage
	}

	doc, err := domain.NewDocument(req.ID, req.Title, req.Content, req.Tags, language)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Document{}, false
	}
	return doc, true
}

func respondWriteError(w http.ResponseWriter, logger *slog.Logger, op, id string, err error) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger.Error("document write failed", "op", op, "document_id", id, "err", err)
	writeError(w, statusFor(err), "document write failed")
}

// statusFor maps the error taxonomy onto HTTP statuses. Provider outages are
// 503 so clients and load balancers can tell them from real server bugs.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrIndexNotReady), errors.Is(err, domain.ErrEmptyCorpus):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
