package gorm

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fdehq/triage/internal/correction"
	"github.com/fdehq/triage/internal/db"
	"github.com/fdehq/triage/pkg/models"
)

// GroupStore provides issue-group persistence, including the transactional
// split and merge primitives the correction engine drives.
type GroupStore struct {
	store *Store
}

// NewGroupStore creates a group store.
func NewGroupStore(store *Store) *GroupStore {
	return &GroupStore{store: store}
}

// Get retrieves a group by id.
func (s *GroupStore) Get(ctx context.Context, id uuid.UUID) (*models.IssueGroup, error) {
	var record IssueGroup
	err := s.store.DB.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toModel(), nil
}

// GroupCard is one dashboard card: a group plus its member count.
type GroupCard struct {
	Group       *models.IssueGroup `json:"group"`
	MemberCount int64              `json:"member_count"`
}

// ListFilter narrows the group listing.
type ListFilter struct {
	Status   *models.Status
	Category *models.Category
	OpenOnly bool
	Limit    int
}

// List returns groups with member counts, most recently updated first.
func (s *GroupStore) List(ctx context.Context, filter ListFilter) ([]GroupCard, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	q := s.store.DB.WithContext(ctx).Model(&IssueGroup{}).
		Select("issue_groups.*, COUNT(memberships.message_id) AS member_count").
		Joins("LEFT JOIN memberships ON memberships.group_id = issue_groups.id").
		Group("issue_groups.id").
		Order("issue_groups.updated_at DESC").
		Limit(limit)

	if filter.Status != nil {
		q = q.Where("issue_groups.status = ?", string(*filter.Status))
	}
	if filter.Category != nil {
		q = q.Where("issue_groups.category = ?", string(*filter.Category))
	}
	if filter.OpenOnly {
		q = q.Where("issue_groups.status NOT IN ?", []string{
			string(models.StatusResolved), string(models.StatusClosed),
		})
	}

	var rows []struct {
		IssueGroup
		MemberCount int64
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	cards := make([]GroupCard, len(rows))
	for i := range rows {
		cards[i] = GroupCard{
			Group:       rows[i].IssueGroup.toModel(),
			MemberCount: rows[i].MemberCount,
		}
	}
	return cards, nil
}

// Memberships returns all membership links for a group.
func (s *GroupStore) Memberships(ctx context.Context, groupID uuid.UUID) ([]*models.Membership, error) {
	var records []Membership
	err := s.store.DB.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]*models.Membership, len(records))
	for i := range records {
		out[i] = records[i].toModel()
	}
	return out, nil
}

// Messages returns the messages currently linked to a group, oldest first.
func (s *GroupStore) Messages(ctx context.Context, groupID uuid.UUID) ([]*models.Message, error) {
	var records []Message
	err := s.store.DB.WithContext(ctx).
		Joins("JOIN memberships ON memberships.message_id = messages.id").
		Where("memberships.group_id = ?", groupID).
		Order("messages.timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return toMessageModels(records), nil
}

// SplitMessage implements correction.Store. The whole operation is one
// transaction: membership removal, singleton group creation, and the
// empty-source cleanup commit together or not at all.
func (s *GroupStore) SplitMessage(ctx context.Context, messageID uuid.UUID) (*correction.SplitResult, error) {
	var result *correction.SplitResult

	err := s.store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		var membership Membership
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&membership, "message_id = ?", messageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return db.ErrNoMembership
		}
		if err != nil {
			return err
		}
		sourceID := membership.GroupID

		var msg Message
		if err := tx.First(&msg, "id = ?", messageID).Error; err != nil {
			return err
		}

		if err := tx.Delete(&Membership{}, "message_id = ?", messageID).Error; err != nil {
			return err
		}

		category := models.Category(msg.Category)
		group := &IssueGroup{
			ID:       uuid.New(),
			Title:    models.GroupTitle(category, msg.Summary, false),
			Summary:  msg.Summary,
			Category: msg.Category,
			Status:   string(models.StatusBacklog),
			Priority: string(models.DerivePriority(category, msg.Confidence)),
		}
		if err := tx.Create(group).Error; err != nil {
			return err
		}
		if err := tx.Create(&Membership{
			MessageID:  messageID,
			GroupID:    group.ID,
			Similarity: models.StructuralMatch,
		}).Error; err != nil {
			return err
		}

		sourceDeleted, err := deleteGroupIfEmpty(tx, sourceID)
		if err != nil {
			return err
		}
		if !sourceDeleted {
			if err := touchGroup(tx, sourceID); err != nil {
				return err
			}
		}

		result = &correction.SplitResult{
			MessageID:     messageID,
			NewGroup:      group.toModel(),
			SourceGroupID: sourceID,
			SourceDeleted: sourceDeleted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MergeGroups implements correction.Store. Both groups are row-locked in
// deterministic id order so two opposing merges cannot deadlock; memberships
// are retargeted in place, which preserves their similarity scores and keeps
// the move invisible until commit.
func (s *GroupStore) MergeGroups(ctx context.Context, sourceID, targetID uuid.UUID) (*correction.MergeResult, error) {
	if sourceID == targetID {
		return nil, db.ErrSameGroup
	}

	var result *correction.MergeResult

	err := s.store.TransactionWithTimeout(ctx, SlowQueryTimeout, func(tx *gorm.DB) error {
		first, second := sourceID, targetID
		if bytes.Compare(second[:], first[:]) < 0 {
			first, second = second, first
		}
		for _, id := range []uuid.UUID{first, second} {
			var g IssueGroup
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&g, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return db.ErrGroupNotFound
			}
			if err != nil {
				return err
			}
		}

		var memberships []Membership
		if err := tx.Where("group_id = ?", sourceID).Find(&memberships).Error; err != nil {
			return err
		}
		moved := make([]uuid.UUID, len(memberships))
		for i := range memberships {
			moved[i] = memberships[i].MessageID
		}

		if err := tx.Model(&Membership{}).
			Where("group_id = ?", sourceID).
			Update("group_id", targetID).Error; err != nil {
			return err
		}

		// Threads that pointed at the source follow their messages.
		if err := tx.Model(&ThreadLink{}).
			Where("group_id = ?", sourceID).
			Update("group_id", targetID).Error; err != nil {
			return err
		}

		if err := tx.Delete(&IssueGroup{}, "id = ?", sourceID).Error; err != nil {
			return err
		}
		if err := touchGroup(tx, targetID); err != nil {
			return err
		}

		result = &correction.MergeResult{
			SourceGroupID: sourceID,
			TargetGroupID: targetID,
			MovedMessages: moved,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateGroup implements correction.Store.
func (s *GroupStore) UpdateGroup(ctx context.Context, groupID uuid.UUID, upd correction.GroupUpdate) (*models.IssueGroup, error) {
	var updated *models.IssueGroup

	err := s.store.TransactionWithTimeout(ctx, DefaultQueryTimeout, func(tx *gorm.DB) error {
		updates := map[string]any{"updated_at": time.Now()}
		if upd.Title != nil {
			updates["title"] = *upd.Title
		}
		if upd.Summary != nil {
			updates["summary"] = *upd.Summary
		}
		if upd.Status != nil {
			updates["status"] = string(*upd.Status)
		}
		if upd.Priority != nil {
			updates["priority"] = string(*upd.Priority)
		}
		if upd.Assignee != nil {
			updates["assignee"] = nullString(*upd.Assignee)
		}
		if upd.ClearDueDate {
			updates["due_date"] = sql.NullTime{}
		} else if upd.DueDate != nil {
			updates["due_date"] = sql.NullTime{Time: *upd.DueDate, Valid: true}
		}

		res := tx.Model(&IssueGroup{}).Where("id = ?", groupID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return db.ErrGroupNotFound
		}

		var record IssueGroup
		if err := tx.First(&record, "id = ?", groupID).Error; err != nil {
			return err
		}
		updated = record.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// deleteGroupIfEmpty removes the group when its last member was just
// detached. No group may exist with zero members.
func deleteGroupIfEmpty(tx *gorm.DB, groupID uuid.UUID) (bool, error) {
	var remaining int64
	if err := tx.Model(&Membership{}).Where("group_id = ?", groupID).Count(&remaining).Error; err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}
	if err := tx.Delete(&ThreadLink{}, "group_id = ?", groupID).Error; err != nil {
		return false, err
	}
	if err := tx.Delete(&IssueGroup{}, "id = ?", groupID).Error; err != nil {
		return false, err
	}
	return true, nil
}

func touchGroup(tx *gorm.DB, groupID uuid.UUID) error {
	return tx.Model(&IssueGroup{}).
		Where("id = ?", groupID).
		Update("updated_at", time.Now()).Error
}

// Compile-time check: GroupStore must satisfy correction.Store.
var _ correction.Store = (*GroupStore)(nil)
