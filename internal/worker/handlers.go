package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fdehq/triage/internal/correction"
	"github.com/fdehq/triage/internal/db"
	gormdb "github.com/fdehq/triage/internal/db/gorm"
	"github.com/fdehq/triage/internal/pipeline"
	"github.com/fdehq/triage/pkg/models"
)

// DefaultListLimit caps list endpoints when the caller gives no limit.
const DefaultListLimit = 100

// Ingestor runs the message ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, in pipeline.Inbound) (*pipeline.Result, error)
	IngestClassified(ctx context.Context, in pipeline.Inbound, cls models.Classification, vec []float32) (*pipeline.Result, error)
	Defects() int64
}

// MessageReader is the message read model the handlers need.
type MessageReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListByThread(ctx context.Context, threadID string) ([]*models.Message, error)
	ListUngrouped(ctx context.Context, limit int) ([]*models.Message, error)
}

// GroupReader is the group read model the handlers need.
type GroupReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error)
	List(ctx context.Context, filter gormdb.ListFilter) ([]gormdb.GroupCard, error)
	Messages(ctx context.Context, groupID uuid.UUID) ([]*models.Message, error)
}

// ThreadReader resolves thread ids to groups.
type ThreadReader interface {
	Lookup(ctx context.Context, threadID string) (uuid.UUID, bool, error)
}

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrNotFound),
		errors.Is(err, db.ErrGroupNotFound),
		errors.Is(err, db.ErrNoMembership):
		status = http.StatusNotFound
	case errors.Is(err, db.ErrSameGroup):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return DefaultListLimit
}

// handleHealth handles health check requests.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.startTime).String(),
	}
	if s.pipeline != nil {
		resp["upstream_defects"] = s.pipeline.Defects()
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), gormdb.FastQueryTimeout)
		defer cancel()
		health := s.store.HealthCheck(ctx)
		resp["database"] = health
		if health.Status == "unhealthy" {
			resp["status"] = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleIngest accepts one raw message and runs the full pipeline.
func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in pipeline.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), in)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidMessage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ClassifiedMessageRequest is one pre-classified, pre-embedded message.
type ClassifiedMessageRequest struct {
	pipeline.Inbound
	Classification models.Classification `json:"classification"`
	Embedding      []float32             `json:"embedding,omitempty"`
}

// handleIngestClassified accepts a message the caller already classified
// and embedded, skipping the OpenAI calls.
func (s *Service) handleIngestClassified(w http.ResponseWriter, r *http.Request) {
	var req ClassifiedMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	res, err := s.pipeline.IngestClassified(r.Context(), req.Inbound, req.Classification, req.Embedding)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidMessage) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	if res.Duplicate {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleGetMessage returns one stored message.
func (s *Service) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return
	}

	m, err := s.messageStore.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleMessageNeighbors returns the closest grouped messages of the same
// category, the same candidates the assignment decision would see. Useful
// for explaining why a message landed where it did.
func (s *Service) handleMessageNeighbors(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return
	}

	m, err := s.messageStore.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(m.Embedding) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message has no embedding"})
		return
	}

	found, err := s.neighbors.Nearest(r.Context(), m.Embedding, m.Category,
		s.config.Grouping.NeighborLimit, s.config.Grouping.RecencyWindow)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"neighbors": found, "count": len(found)})
}

// handleListUngrouped returns relevant messages that are not in any group.
func (s *Service) handleListUngrouped(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messageStore.ListUngrouped(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}

// handleListGroups returns the group dashboard listing.
func (s *Service) handleListGroups(w http.ResponseWriter, r *http.Request) {
	filter := gormdb.ListFilter{Limit: queryLimit(r)}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.Status(raw)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status " + raw})
			return
		}
		filter.Status = &status
	}
	if raw := r.URL.Query().Get("category"); raw != "" {
		category := models.Category(raw)
		if !category.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid category " + raw})
			return
		}
		filter.Category = &category
	}
	filter.OpenOnly = r.URL.Query().Get("open") == "true"

	cards, err := s.groupStore.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"groups": cards, "count": len(cards)})
}

// handleGetGroup returns one group.
func (s *Service) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return
	}

	group, err := s.groupStore.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// handleGroupMessages returns the messages in a group, oldest first.
func (s *Service) handleGroupMessages(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return
	}

	// 404 for a group that does not exist, not an empty list.
	if _, err := s.groupStore.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := s.groupStore.Messages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}

// UpdateGroupRequest is the PATCH body for direct group edits.
type UpdateGroupRequest struct {
	Title        *string    `json:"title,omitempty"`
	Summary      *string    `json:"summary,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Priority     *string    `json:"priority,omitempty"`
	Assignee     *string    `json:"assignee,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
}

// handleUpdateGroup applies direct field edits to a group.
func (s *Service) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return
	}

	var req UpdateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	upd := correction.GroupUpdate{
		Title:        req.Title,
		Summary:      req.Summary,
		Assignee:     req.Assignee,
		DueDate:      req.DueDate,
		ClearDueDate: req.ClearDueDate,
	}
	if req.Status != nil {
		status := models.Status(*req.Status)
		upd.Status = &status
	}
	if req.Priority != nil {
		priority := models.Priority(*req.Priority)
		upd.Priority = &priority
	}

	group, err := s.corrections.Update(r.Context(), id, upd)
	if err != nil {
		if errors.Is(err, db.ErrGroupNotFound) {
			writeError(w, err)
			return
		}
		// Everything else from Update is input validation.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// handleSplit moves a message out of its group into a new singleton group.
func (s *Service) handleSplit(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return
	}

	res, err := s.corrections.Split(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MergeRequest names the group absorbing the one in the URL.
type MergeRequest struct {
	TargetGroupID uuid.UUID `json:"target_group_id"`
}

// handleMerge merges the URL group into the target group.
func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request) {
	sourceID, err := urlUUID(r, "id")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid group id"})
		return
	}

	var req MergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TargetGroupID == uuid.Nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target_group_id is required"})
		return
	}

	res, err := s.corrections.Merge(r.Context(), sourceID, req.TargetGroupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleGetThread resolves a thread id to the group it is attached to.
func (s *Service) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	groupID, ok, err := s.threadStore.Lookup(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not linked to any group"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread_id": threadID,
		"group_id":  groupID,
	})
}

// handleThreadMessages returns the stored messages of one thread, oldest
// first. Unlike the group view this includes irrelevant replies, so the
// full conversation is visible.
func (s *Service) handleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	msgs, err := s.messageStore.ListByThread(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs, "count": len(msgs)})
}
