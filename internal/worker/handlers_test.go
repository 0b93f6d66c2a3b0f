package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdehq/triage/internal/config"
	"github.com/fdehq/triage/internal/correction"
	"github.com/fdehq/triage/internal/db"
	gormdb "github.com/fdehq/triage/internal/db/gorm"
	"github.com/fdehq/triage/internal/grouping"
	"github.com/fdehq/triage/internal/notify"
	"github.com/fdehq/triage/internal/pipeline"
	"github.com/fdehq/triage/internal/vector"
	"github.com/fdehq/triage/pkg/models"
)

type fakeIngestor struct {
	result *pipeline.Result
	err    error
	last   pipeline.Inbound
}

func (f *fakeIngestor) Ingest(_ context.Context, in pipeline.Inbound) (*pipeline.Result, error) {
	f.last = in
	return f.result, f.err
}

func (f *fakeIngestor) Defects() int64 { return 0 }

func (f *fakeIngestor) IngestClassified(_ context.Context, in pipeline.Inbound, _ models.Classification, _ []float32) (*pipeline.Result, error) {
	f.last = in
	return f.result, f.err
}

type fakeMessages struct {
	byID map[uuid.UUID]*models.Message
}

func (f *fakeMessages) GetByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	if m, ok := f.byID[id]; ok {
		return m, nil
	}
	return nil, db.ErrNotFound
}

func (f *fakeMessages) ListByThread(_ context.Context, threadID string) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.byID {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) ListUngrouped(context.Context, int) ([]*models.Message, error) {
	var out []*models.Message
	for _, m := range f.byID {
		out = append(out, m)
	}
	return out, nil
}

type fakeGroups struct {
	byID map[uuid.UUID]*models.IssueGroup
	msgs map[uuid.UUID][]*models.Message
}

func (f *fakeGroups) Get(_ context.Context, id uuid.UUID) (*models.IssueGroup, error) {
	if g, ok := f.byID[id]; ok {
		return g, nil
	}
	return nil, db.ErrGroupNotFound
}

func (f *fakeGroups) List(_ context.Context, filter gormdb.ListFilter) ([]gormdb.GroupCard, error) {
	var cards []gormdb.GroupCard
	for _, g := range f.byID {
		if filter.Status != nil && g.Status != *filter.Status {
			continue
		}
		cards = append(cards, gormdb.GroupCard{Group: g, MemberCount: int64(len(f.msgs[g.ID]))})
	}
	return cards, nil
}

func (f *fakeGroups) Messages(_ context.Context, groupID uuid.UUID) ([]*models.Message, error) {
	return f.msgs[groupID], nil
}

type fakeIndex struct {
	neighbors []vector.Neighbor
}

func (f *fakeIndex) Nearest(context.Context, []float32, models.Category, int, time.Duration) ([]vector.Neighbor, error) {
	return f.neighbors, nil
}

type fakeThreads struct {
	links map[string]uuid.UUID
}

func (f *fakeThreads) Lookup(_ context.Context, threadID string) (uuid.UUID, bool, error) {
	id, ok := f.links[threadID]
	return id, ok, nil
}

// memCorrectionStore backs the correction engine in handler tests.
type memCorrectionStore struct {
	groups map[uuid.UUID]*models.IssueGroup
}

func (s *memCorrectionStore) SplitMessage(_ context.Context, messageID uuid.UUID) (*correction.SplitResult, error) {
	return nil, db.ErrNoMembership
}

func (s *memCorrectionStore) MergeGroups(_ context.Context, sourceID, targetID uuid.UUID) (*correction.MergeResult, error) {
	if _, ok := s.groups[sourceID]; !ok {
		return nil, db.ErrGroupNotFound
	}
	if _, ok := s.groups[targetID]; !ok {
		return nil, db.ErrGroupNotFound
	}
	delete(s.groups, sourceID)
	return &correction.MergeResult{SourceGroupID: sourceID, TargetGroupID: targetID}, nil
}

func (s *memCorrectionStore) UpdateGroup(_ context.Context, groupID uuid.UUID, upd correction.GroupUpdate) (*models.IssueGroup, error) {
	g, ok := s.groups[groupID]
	if !ok {
		return nil, db.ErrGroupNotFound
	}
	if upd.Title != nil {
		g.Title = *upd.Title
	}
	if upd.Status != nil {
		g.Status = *upd.Status
	}
	if upd.Priority != nil {
		g.Priority = *upd.Priority
	}
	return g, nil
}

type serviceFixture struct {
	svc       *Service
	ingestor  *fakeIngestor
	messages  *fakeMessages
	groups    *fakeGroups
	threads   *fakeThreads
	index     *fakeIndex
	corrStore *memCorrectionStore
}

func testService(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		ingestor:  &fakeIngestor{},
		messages:  &fakeMessages{byID: make(map[uuid.UUID]*models.Message)},
		groups:    &fakeGroups{byID: make(map[uuid.UUID]*models.IssueGroup), msgs: make(map[uuid.UUID][]*models.Message)},
		threads:   &fakeThreads{links: make(map[string]uuid.UUID)},
		index:     &fakeIndex{},
		corrStore: &memCorrectionStore{groups: make(map[uuid.UUID]*models.IssueGroup)},
	}

	cfg := &config.Config{}
	cfg.Server.Port = config.DefaultHTTPPort
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Grouping.SimilarityThreshold = config.DefaultSimilarityThreshold
	cfg.Grouping.RecencyWindow = config.DefaultRecencyWindow
	cfg.Grouping.NeighborLimit = config.DefaultNeighborLimit

	f.svc = &Service{
		version:      "test-version",
		config:       cfg,
		messageStore: f.messages,
		groupStore:   f.groups,
		threadStore:  f.threads,
		neighbors:    f.index,
		pipeline:     f.ingestor,
		corrections:  correction.NewEngine(f.corrStore, notify.Discard{}),
		broadcaster:  notify.NewBroadcaster(),
		router:       chi.NewRouter(),
		startTime:    time.Now(),
	}
	f.svc.setupMiddleware()
	f.svc.setupRoutes()

	return f
}

func doRequest(t *testing.T, svc *Service, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	f := testService(t)

	rec := doRequest(t, f.svc, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test-version", resp["version"])
}

func TestHandleIngest(t *testing.T) {
	f := testService(t)
	groupID := uuid.New()
	f.ingestor.result = &pipeline.Result{
		Message:    &models.Message{ID: uuid.New(), Category: models.CategoryBug},
		Assignment: &grouping.Assignment{GroupID: groupID, Rule: grouping.RuleNew, Created: true},
	}

	rec := doRequest(t, f.svc, http.MethodPost, "/api/messages", pipeline.Inbound{
		ExternalID: "171.001",
		Text:       "checkout is broken",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "171.001", f.ingestor.last.ExternalID)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotNil(t, res.Assignment)
	assert.Equal(t, groupID, res.Assignment.GroupID)
}

func TestHandleIngest_Duplicate(t *testing.T) {
	f := testService(t)
	f.ingestor.result = &pipeline.Result{Duplicate: true}

	rec := doRequest(t, f.svc, http.MethodPost, "/api/messages", pipeline.Inbound{
		ExternalID: "171.001",
		Text:       "checkout is broken",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleIngest_ValidationIsCallerError(t *testing.T) {
	f := testService(t)
	f.ingestor.err = fmt.Errorf("%w: external_id is required", pipeline.ErrInvalidMessage)

	rec := doRequest(t, f.svc, http.MethodPost, "/api/messages", pipeline.Inbound{Text: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "external_id is required")
}

func TestHandleIngest_BadJSON(t *testing.T) {
	f := testService(t)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	f.svc.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleIngest_BodyTooLarge(t *testing.T) {
	f := testService(t)
	f.svc.config.Server.MaxBodyBytes = 64

	// Middleware chain was built at setup time; rebuild with the new cap.
	f.svc.router = chi.NewRouter()
	f.svc.setupMiddleware()
	f.svc.setupRoutes()

	big := strings.Repeat("x", 1024)
	rec := doRequest(t, f.svc, http.MethodPost, "/api/messages", pipeline.Inbound{
		ExternalID: "171.001",
		Text:       big,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetMessage(t *testing.T) {
	f := testService(t)
	m := &models.Message{ID: uuid.New(), Text: "hello", Category: models.CategoryBug}
	f.messages.byID[m.ID] = m

	rec := doRequest(t, f.svc, http.MethodGet, "/api/messages/"+m.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, f.svc, http.MethodGet, "/api/messages/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, f.svc, http.MethodGet, "/api/messages/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessageNeighbors(t *testing.T) {
	f := testService(t)
	m := &models.Message{
		ID:        uuid.New(),
		Text:      "checkout broken",
		Category:  models.CategoryBug,
		Embedding: []float32{1, 0},
	}
	f.messages.byID[m.ID] = m
	f.index.neighbors = []vector.Neighbor{
		{MessageID: uuid.New(), GroupID: uuid.New(), Similarity: 0.91},
	}

	rec := doRequest(t, f.svc, http.MethodGet, fmt.Sprintf("/api/messages/%s/neighbors", m.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Neighbors []vector.Neighbor `json:"neighbors"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.InDelta(t, 0.91, resp.Neighbors[0].Similarity, 1e-9)

	// No embedding stored.
	bare := &models.Message{ID: uuid.New(), Text: "hi"}
	f.messages.byID[bare.ID] = bare
	rec = doRequest(t, f.svc, http.MethodGet, fmt.Sprintf("/api/messages/%s/neighbors", bare.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListGroups(t *testing.T) {
	f := testService(t)
	g := &models.IssueGroup{ID: uuid.New(), Title: "Bug: checkout 500", Status: models.StatusBacklog, Category: models.CategoryBug}
	f.groups.byID[g.ID] = g

	rec := doRequest(t, f.svc, http.MethodGet, "/api/groups", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Groups []gormdb.GroupCard `json:"groups"`
		Count  int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, g.ID, resp.Groups[0].Group.ID)

	rec = doRequest(t, f.svc, http.MethodGet, "/api/groups?status=resolved", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	rec = doRequest(t, f.svc, http.MethodGet, "/api/groups?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetGroup(t *testing.T) {
	f := testService(t)
	g := &models.IssueGroup{ID: uuid.New(), Title: "Bug: checkout 500"}
	f.groups.byID[g.ID] = g

	rec := doRequest(t, f.svc, http.MethodGet, "/api/groups/"+g.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, f.svc, http.MethodGet, "/api/groups/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGroupMessages(t *testing.T) {
	f := testService(t)
	g := &models.IssueGroup{ID: uuid.New(), Title: "Bug: checkout 500"}
	f.groups.byID[g.ID] = g
	f.groups.msgs[g.ID] = []*models.Message{
		{ID: uuid.New(), Text: "first"},
		{ID: uuid.New(), Text: "second"},
	}

	rec := doRequest(t, f.svc, http.MethodGet, fmt.Sprintf("/api/groups/%s/messages", g.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = doRequest(t, f.svc, http.MethodGet, fmt.Sprintf("/api/groups/%s/messages", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpdateGroup(t *testing.T) {
	f := testService(t)
	g := &models.IssueGroup{ID: uuid.New(), Title: "old", Status: models.StatusBacklog}
	f.corrStore.groups[g.ID] = g

	title := "Checkout 500s"
	status := "in_progress"
	rec := doRequest(t, f.svc, http.MethodPatch, "/api/groups/"+g.ID.String(), UpdateGroupRequest{
		Title:  &title,
		Status: &status,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var updated models.IssueGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Checkout 500s", updated.Title)
	assert.Equal(t, models.StatusInProgress, updated.Status)

	bad := "done"
	rec = doRequest(t, f.svc, http.MethodPatch, "/api/groups/"+g.ID.String(), UpdateGroupRequest{Status: &bad})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, f.svc, http.MethodPatch, "/api/groups/"+uuid.NewString(), UpdateGroupRequest{Title: &title})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSplit_NoMembership(t *testing.T) {
	f := testService(t)

	rec := doRequest(t, f.svc, http.MethodPost, fmt.Sprintf("/api/messages/%s/split", uuid.New()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMerge(t *testing.T) {
	f := testService(t)
	source := &models.IssueGroup{ID: uuid.New(), Title: "a"}
	target := &models.IssueGroup{ID: uuid.New(), Title: "b"}
	f.corrStore.groups[source.ID] = source
	f.corrStore.groups[target.ID] = target

	rec := doRequest(t, f.svc, http.MethodPost, fmt.Sprintf("/api/groups/%s/merge", source.ID), MergeRequest{
		TargetGroupID: target.ID,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	var res correction.MergeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, source.ID, res.SourceGroupID)
	assert.Equal(t, target.ID, res.TargetGroupID)

	// Source is gone after the merge.
	rec = doRequest(t, f.svc, http.MethodPost, fmt.Sprintf("/api/groups/%s/merge", source.ID), MergeRequest{
		TargetGroupID: target.ID,
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Merging a group into itself.
	rec = doRequest(t, f.svc, http.MethodPost, fmt.Sprintf("/api/groups/%s/merge", target.ID), MergeRequest{
		TargetGroupID: target.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing target.
	rec = doRequest(t, f.svc, http.MethodPost, fmt.Sprintf("/api/groups/%s/merge", target.ID), MergeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetThread(t *testing.T) {
	f := testService(t)
	groupID := uuid.New()
	f.threads.links["thread-1"] = groupID

	rec := doRequest(t, f.svc, http.MethodGet, "/api/threads/thread-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, groupID.String(), resp["group_id"])

	rec = doRequest(t, f.svc, http.MethodGet, "/api/threads/thread-unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleThreadMessages(t *testing.T) {
	f := testService(t)
	m := &models.Message{ID: uuid.New(), Text: "in thread", ThreadID: "thread-1"}
	f.messages.byID[m.ID] = m

	rec := doRequest(t, f.svc, http.MethodGet, "/api/threads/thread-1/messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestSecurityHeaders(t *testing.T) {
	f := testService(t)

	rec := doRequest(t, f.svc, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
