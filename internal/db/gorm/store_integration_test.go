package gorm

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdehq/triage/internal/correction"
	"github.com/fdehq/triage/internal/db"
	"github.com/fdehq/triage/internal/grouping"
	"github.com/fdehq/triage/pkg/models"
)

// testStore connects to the PostgreSQL instance named by TRIAGE_TEST_DSN.
// Tests are skipped when the variable is unset; the database needs the
// pgvector extension available.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TRIAGE_TEST_DSN")
	if dsn == "" {
		t.Skip("TRIAGE_TEST_DSN not set, skipping integration test")
	}

	store, err := NewStore(Config{DSN: dsn, MaxConns: 5})
	require.NoError(t, err)
	t.Cleanup(func() {
		// Order matters: memberships reference both other tables.
		store.DB.Exec("DELETE FROM memberships")
		store.DB.Exec("DELETE FROM thread_links")
		store.DB.Exec("DELETE FROM issue_groups")
		store.DB.Exec("DELETE FROM messages")
		store.Close()
	})
	return store
}

func testEmbedding(seed float64) []float32 {
	vec := make([]float32, 1536)
	vec[0] = float32(seed)
	vec[1] = float32(1 - seed)
	return vec
}

func storedMessage(t *testing.T, store *Store, c models.Category, threadID string, vec []float32) *models.Message {
	t.Helper()

	m := &models.Message{
		ID:         uuid.New(),
		ExternalID: uuid.NewString(),
		AuthorID:   "U1",
		ChannelID:  "C1",
		Text:       "integration test message",
		ThreadID:   threadID,
		Timestamp:  time.Now(),
		Relevant:   true,
		Category:   c,
		Confidence: 0.9,
		Summary:    "Integration test issue",
		Embedding:  vec,
	}
	require.NoError(t, NewMessageStore(store).Create(context.Background(), m))
	return m
}

func assignMessage(t *testing.T, store *Store, m *models.Message) *grouping.Assignment {
	t.Helper()

	engine := grouping.NewEngine(NewAssignStore(store), nil, grouping.Params{
		SimilarityThreshold: 0.60,
		RecencyWindow:       24 * time.Hour,
		NeighborLimit:       5,
	})
	res, err := engine.Assign(context.Background(), m)
	require.NoError(t, err)
	return res
}

func TestIntegration_MessageStore(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	messages := NewMessageStore(store)

	m := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))

	got, err := messages.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ExternalID, got.ExternalID)
	assert.Len(t, got.Embedding, 1536)

	exists, err := messages.ExistsExternal(ctx, m.ExternalID)
	require.NoError(t, err)
	assert.True(t, exists)

	dup := *m
	dup.ID = uuid.New()
	err = messages.Create(ctx, &dup)
	assert.ErrorIs(t, err, db.ErrDuplicateMessage)

	ungrouped, err := messages.ListUngrouped(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ungrouped, 1)
}

func TestIntegration_AssignmentFlow(t *testing.T) {
	store := testStore(t)

	// First message creates a group.
	first := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))
	resFirst := assignMessage(t, store, first)
	assert.Equal(t, grouping.RuleNew, resFirst.Rule)

	// A near-duplicate joins it through the semantic gate.
	second := storedMessage(t, store, models.CategoryBug, "", testEmbedding(0.99))
	resSecond := assignMessage(t, store, second)
	assert.Equal(t, grouping.RuleSemantic, resSecond.Rule)
	assert.Equal(t, resFirst.GroupID, resSecond.GroupID)

	// A dissimilar message of the same category starts its own group.
	third := storedMessage(t, store, models.CategoryBug, "", testEmbedding(0.01))
	resThird := assignMessage(t, store, third)
	assert.Equal(t, grouping.RuleNew, resThird.Rule)
	assert.NotEqual(t, resFirst.GroupID, resThird.GroupID)
}

func TestIntegration_ThreadAffinity(t *testing.T) {
	store := testStore(t)

	root := storedMessage(t, store, models.CategoryQuestion, "T100", testEmbedding(1))
	resRoot := assignMessage(t, store, root)
	require.Equal(t, grouping.RuleNew, resRoot.Rule)

	// Follow-up in the thread joins regardless of its embedding.
	reply := storedMessage(t, store, models.CategoryQuestion, "T100", testEmbedding(0.01))
	resReply := assignMessage(t, store, reply)
	assert.Equal(t, grouping.RuleThread, resReply.Rule)
	assert.Equal(t, resRoot.GroupID, resReply.GroupID)

	groupID, ok, err := NewThreadStore(store).Lookup(context.Background(), "T100")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, resRoot.GroupID, groupID)
}

func TestIntegration_ExclusiveMembership(t *testing.T) {
	store := testStore(t)

	m := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))
	res := assignMessage(t, store, m)

	// A second membership row for the same message violates the primary key.
	err := store.DB.Create(&Membership{
		MessageID:  m.ID,
		GroupID:    res.GroupID,
		Similarity: 0.5,
	}).Error
	assert.Error(t, err)
}

func TestIntegration_SplitAndMerge(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	groups := NewGroupStore(store)

	first := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))
	resFirst := assignMessage(t, store, first)
	second := storedMessage(t, store, models.CategoryBug, "", testEmbedding(0.99))
	resSecond := assignMessage(t, store, second)
	require.Equal(t, resFirst.GroupID, resSecond.GroupID)

	// Split the second message out.
	split, err := groups.SplitMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, split.SourceDeleted)
	assert.NotEqual(t, resFirst.GroupID, split.NewGroup.ID)

	members, err := groups.Memberships(ctx, split.NewGroup.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, second.ID, members[0].MessageID)
	assert.Equal(t, 1.0, members[0].Similarity)

	// Merge it back.
	merge, err := groups.MergeGroups(ctx, split.NewGroup.ID, resFirst.GroupID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{second.ID}, merge.MovedMessages)

	_, err = groups.Get(ctx, split.NewGroup.ID)
	assert.ErrorIs(t, err, db.ErrGroupNotFound)

	msgs, err := groups.Messages(ctx, resFirst.GroupID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestIntegration_SplitLastMemberDeletesGroup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	groups := NewGroupStore(store)

	m := storedMessage(t, store, models.CategoryBug, "T200", testEmbedding(1))
	res := assignMessage(t, store, m)

	split, err := groups.SplitMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, split.SourceDeleted)

	_, err = groups.Get(ctx, res.GroupID)
	assert.ErrorIs(t, err, db.ErrGroupNotFound)

	// The emptied group's thread link is gone with it.
	_, ok, err := NewThreadStore(store).Lookup(ctx, "T200")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIntegration_UpdateGroup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	groups := NewGroupStore(store)

	m := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))
	res := assignMessage(t, store, m)

	status := models.StatusInProgress
	assignee := "dana"
	due := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	updated, err := groups.UpdateGroup(ctx, res.GroupID, correction.GroupUpdate{
		Status:   &status,
		Assignee: &assignee,
		DueDate:  &due,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, updated.Status)
	assert.Equal(t, "dana", updated.Assignee)
	require.NotNil(t, updated.DueDate)
	assert.WithinDuration(t, due, *updated.DueDate, time.Second)

	_, err = groups.UpdateGroup(ctx, uuid.New(), correction.GroupUpdate{Status: &status})
	assert.ErrorIs(t, err, db.ErrGroupNotFound)
}

func TestIntegration_ListFilters(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	groups := NewGroupStore(store)

	bug := storedMessage(t, store, models.CategoryBug, "", testEmbedding(1))
	assignMessage(t, store, bug)
	feat := storedMessage(t, store, models.CategoryFeature, "", testEmbedding(1))
	resFeat := assignMessage(t, store, feat)

	all, err := groups.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	category := models.CategoryFeature
	features, err := groups.List(ctx, ListFilter{Category: &category})
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, resFeat.GroupID, features[0].Group.ID)
	assert.Equal(t, int64(1), features[0].MemberCount)

	status := models.StatusResolved
	_, err = groups.UpdateGroup(ctx, resFeat.GroupID, correction.GroupUpdate{Status: &status})
	require.NoError(t, err)

	open, err := groups.List(ctx, ListFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, resFeat.GroupID, open[0].Group.ID)
}

func TestIntegration_HealthCheck(t *testing.T) {
	store := testStore(t)

	health := store.HealthCheck(context.Background())
	assert.Equal(t, "healthy", health.Status)
	assert.NotZero(t, health.QueryLatency)
}

func TestIntegration_ConcurrentAssignment(t *testing.T) {
	store := testStore(t)

	const n = 6
	msgs := make([]*models.Message, n)
	for i := range msgs {
		msgs[i] = storedMessage(t, store, models.CategoryBug, "", testEmbedding(0.95))
	}

	results := make([]*grouping.Assignment, n)
	errs := make([]error, n)
	done := make(chan int, n)
	for i := range msgs {
		go func(i int) {
			engine := grouping.NewEngine(NewAssignStore(store), nil, grouping.Params{
				SimilarityThreshold: 0.60,
				RecencyWindow:       24 * time.Hour,
				NeighborLimit:       5,
			})
			results[i], errs[i] = engine.Assign(context.Background(), msgs[i])
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}

	for i := range errs {
		require.NoError(t, errs[i], fmt.Sprintf("message %d", i))
	}
	for _, res := range results {
		assert.Equal(t, results[0].GroupID, res.GroupID)
	}
}
