package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PostgresJobRepository persists jobs through gorm. Expiry is enforced on
// every read: a row past expires_at is reported as absent even before the
// janitor deletes it.
type PostgresJobRepository struct {
	db *gorm.DB
}

func NewPostgresJobRepository(db *gorm.DB) *PostgresJobRepository {
	return &PostgresJobRepository{db: db}
}

func (r *PostgresJobRepository) Create(ctx context.Context, j *Job) error {
	err := r.db.WithContext(ctx).Create(j).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	// The dedup key may be held by a row that already expired but was not
	// purged yet. Reclaim it and retry once.
	res := r.db.WithContext(ctx).
		Where("dedup_key = ? AND expires_at <= ?", j.DedupKey, time.Now()).
		Delete(&Job{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateDedupKey
	}

	if err := r.db.WithContext(ctx).Create(j).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateDedupKey
		}
		return err
	}
	return nil
}

func (r *PostgresJobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	result := r.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, time.Now()).
		First(&j)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}

	return &j, nil
}

func (r *PostgresJobRepository) FindByDedupKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	result := r.db.WithContext(ctx).
		Where("dedup_key = ? AND expires_at > ?", key, time.Now()).
		First(&j)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}

	return &j, nil
}

func (r *PostgresJobRepository) MarkProcessing(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     JobStatusProcessing,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *PostgresJobRepository) MarkCompleted(ctx context.Context, id, resultRef string, usage UsageMetadata, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":              JobStatusCompleted,
			"result_ref":          resultRef,
			"completed_at":        completedAt,
			"usage_prompt_tokens": usage.PromptTokens,
			"usage_output_tokens": usage.OutputTokens,
			"usage_duration_ms":   usage.DurationMS,
		})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *PostgresJobRepository) MarkFailed(ctx context.Context, id, code, message string, failedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", id, []JobStatus{JobStatusPending, JobStatusProcessing}).
		Updates(map[string]interface{}{
			"status":        JobStatusFailed,
			"error_code":    code,
			"error_message": message,
			"failed_at":     failedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

func (r *PostgresJobRepository) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	var expired []Job
	if err := r.db.WithContext(ctx).
		Select("id", "status", "result_ref").
		Where("expires_at <= ?", now).
		Find(&expired).Error; err != nil {
		return nil, fmt.Errorf("failed to list expired jobs: %w", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	var refs []string
	for _, j := range expired {
		ids = append(ids, j.ID)
		if j.Status == JobStatusCompleted && j.ResultRef != nil {
			refs = append(refs, *j.ResultRef)
		}
	}

	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Job{}).Error; err != nil {
		return nil, fmt.Errorf("failed to delete expired jobs: %w", err)
	}

	return refs, nil
}
