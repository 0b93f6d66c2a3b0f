// Package correction applies user-initiated structural edits to issue
// groups: splitting a message into its own group, merging two groups, and
// direct field updates. Every operation either fully succeeds or fully
// fails; readers never observe a partial correction.
package correction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fdehq/triage/internal/db"
	"github.com/fdehq/triage/internal/notify"
	"github.com/fdehq/triage/pkg/models"
)

// SplitResult describes a completed split.
type SplitResult struct {
	MessageID     uuid.UUID          `json:"message_id"`
	NewGroup      *models.IssueGroup `json:"new_group"`
	SourceGroupID uuid.UUID          `json:"source_group_id"`
	SourceDeleted bool               `json:"source_deleted"`
}

// MergeResult describes a completed merge.
type MergeResult struct {
	SourceGroupID uuid.UUID   `json:"source_group_id"`
	TargetGroupID uuid.UUID   `json:"target_group_id"`
	MovedMessages []uuid.UUID `json:"moved_messages"`
}

// GroupUpdate contains group fields that can be edited directly.
// Only non-nil fields are applied.
type GroupUpdate struct {
	Title        *string
	Summary      *string
	Status       *models.Status
	Priority     *models.Priority
	Assignee     *string
	DueDate      *time.Time
	ClearDueDate bool
}

func (u *GroupUpdate) empty() bool {
	return u.Title == nil && u.Summary == nil && u.Status == nil &&
		u.Priority == nil && u.Assignee == nil && u.DueDate == nil && !u.ClearDueDate
}

// Store is the transactional persistence contract the engine drives. Each
// method is one serializable unit: on error nothing is committed.
type Store interface {
	// SplitMessage removes the message's membership, creates a singleton
	// group for it, and deletes the source group if it was emptied.
	// Returns db.ErrNoMembership when the message is not in any group.
	SplitMessage(ctx context.Context, messageID uuid.UUID) (*SplitResult, error)

	// MergeGroups moves every membership from source to target, preserving
	// similarity scores, repoints thread links, and deletes the source.
	// Returns db.ErrGroupNotFound when either group does not exist.
	MergeGroups(ctx context.Context, sourceID, targetID uuid.UUID) (*MergeResult, error)

	// UpdateGroup applies the non-nil fields and refreshes the group's
	// last-update timestamp. Returns the updated group.
	UpdateGroup(ctx context.Context, groupID uuid.UUID, upd GroupUpdate) (*models.IssueGroup, error)
}

// Engine validates corrections, runs them through the store, and publishes
// change events for the committed mutations.
type Engine struct {
	store    Store
	notifier notify.Publisher
}

// NewEngine creates a correction engine.
func NewEngine(store Store, notifier notify.Publisher) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Engine{store: store, notifier: notifier}
}

// Split moves the message out of its current group into a brand-new
// singleton group. Irreversible: re-merging is a separate explicit action.
func (e *Engine) Split(ctx context.Context, messageID uuid.UUID) (*SplitResult, error) {
	res, err := e.store.SplitMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("split message %s: %w", messageID, err)
	}

	e.notifier.Publish(ctx, notify.NewEvent(notify.MembershipRemoved, res.SourceGroupID, messageID))
	if res.SourceDeleted {
		e.notifier.Publish(ctx, notify.NewEvent(notify.GroupDeleted, res.SourceGroupID))
	} else {
		e.notifier.Publish(ctx, notify.NewEvent(notify.GroupUpdated, res.SourceGroupID))
	}
	e.notifier.Publish(ctx, notify.NewEvent(notify.GroupCreated, res.NewGroup.ID))
	e.notifier.Publish(ctx, notify.NewEvent(notify.MembershipAdded, res.NewGroup.ID, messageID))

	log.Info().
		Str("messageId", messageID.String()).
		Str("sourceGroupId", res.SourceGroupID.String()).
		Str("newGroupId", res.NewGroup.ID.String()).
		Bool("sourceDeleted", res.SourceDeleted).
		Msg("Message split into new group")

	return res, nil
}

// Merge moves all members of source into target and deletes source. A merge
// across categories is allowed; the target's category wins going forward.
func (e *Engine) Merge(ctx context.Context, sourceID, targetID uuid.UUID) (*MergeResult, error) {
	if sourceID == targetID {
		return nil, db.ErrSameGroup
	}

	res, err := e.store.MergeGroups(ctx, sourceID, targetID)
	if err != nil {
		return nil, fmt.Errorf("merge group %s into %s: %w", sourceID, targetID, err)
	}

	e.notifier.Publish(ctx, notify.NewEvent(notify.MembershipRemoved, sourceID, res.MovedMessages...))
	e.notifier.Publish(ctx, notify.NewEvent(notify.MembershipAdded, targetID, res.MovedMessages...))
	e.notifier.Publish(ctx, notify.NewEvent(notify.GroupDeleted, sourceID))
	e.notifier.Publish(ctx, notify.NewEvent(notify.GroupUpdated, targetID))

	log.Info().
		Str("sourceGroupId", sourceID.String()).
		Str("targetGroupId", targetID.String()).
		Int("movedMessages", len(res.MovedMessages)).
		Msg("Groups merged")

	return res, nil
}

// SetStatus updates the group's workflow status.
func (e *Engine) SetStatus(ctx context.Context, groupID uuid.UUID, status models.Status) (*models.IssueGroup, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return e.update(ctx, groupID, GroupUpdate{Status: &status})
}

// SetPriority updates the group's priority level.
func (e *Engine) SetPriority(ctx context.Context, groupID uuid.UUID, priority models.Priority) (*models.IssueGroup, error) {
	if !priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}
	return e.update(ctx, groupID, GroupUpdate{Priority: &priority})
}

// SetAssignee updates the group's assignee. An empty assignee unassigns.
func (e *Engine) SetAssignee(ctx context.Context, groupID uuid.UUID, assignee string) (*models.IssueGroup, error) {
	return e.update(ctx, groupID, GroupUpdate{Assignee: &assignee})
}

// SetDueDate sets or, when due is nil, clears the group's due date.
func (e *Engine) SetDueDate(ctx context.Context, groupID uuid.UUID, due *time.Time) (*models.IssueGroup, error) {
	if due == nil {
		return e.update(ctx, groupID, GroupUpdate{ClearDueDate: true})
	}
	return e.update(ctx, groupID, GroupUpdate{DueDate: due})
}

// EditTitle updates the group's title.
func (e *Engine) EditTitle(ctx context.Context, groupID uuid.UUID, title string) (*models.IssueGroup, error) {
	if title == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	return e.update(ctx, groupID, GroupUpdate{Title: &title})
}

// Update applies an arbitrary combination of field edits.
func (e *Engine) Update(ctx context.Context, groupID uuid.UUID, upd GroupUpdate) (*models.IssueGroup, error) {
	if upd.Status != nil && !upd.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", *upd.Status)
	}
	if upd.Priority != nil && !upd.Priority.Valid() {
		return nil, fmt.Errorf("invalid priority %q", *upd.Priority)
	}
	if upd.Title != nil && *upd.Title == "" {
		return nil, fmt.Errorf("title must not be empty")
	}
	if upd.empty() {
		return nil, fmt.Errorf("no fields to update")
	}
	return e.update(ctx, groupID, upd)
}

func (e *Engine) update(ctx context.Context, groupID uuid.UUID, upd GroupUpdate) (*models.IssueGroup, error) {
	group, err := e.store.UpdateGroup(ctx, groupID, upd)
	if err != nil {
		return nil, fmt.Errorf("update group %s: %w", groupID, err)
	}

	e.notifier.Publish(ctx, notify.NewEvent(notify.GroupUpdated, groupID))
	return group, nil
}
