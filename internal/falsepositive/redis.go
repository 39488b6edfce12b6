package falsepositive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/indicator"
)

const redisKeyPrefix = "idrisk:fp:"

// RedisStore keeps one hash per report: field is the finding key, value the
// RFC 3339 time of the mark.
type RedisStore struct {
	client redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisStore creates a Redis backed store.
func NewRedisStore(client redis.Cmdable, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "falsepositive_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func redisKey(reportID string) string {
	return redisKeyPrefix + reportID
}

// Marks implements Store. Unparsable fields are skipped.
func (r *RedisStore) Marks(ctx context.Context, reportID string) (Set, error) {
	if err := validateReportID(reportID); err != nil {
		return nil, err
	}
	fields, err := r.client.HGetAll(ctx, redisKey(reportID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reading marks for %s: %v", ErrStoreFailure, reportID, err)
	}

	set := make(Set, len(fields))
	for field, value := range fields {
		key, err := indicator.ParseFindingKey(field)
		if err != nil {
			r.logger.Warn("Skipping malformed mark", zap.String("report_id", reportID), zap.String("field", field))
			continue
		}
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			r.logger.Warn("Mark has malformed timestamp", zap.String("report_id", reportID), zap.String("value", value))
		}
		set[key] = at
	}
	return set, nil
}

// Mark implements Store.
func (r *RedisStore) Mark(ctx context.Context, reportID string, key indicator.FindingKey) (Mark, error) {
	if err := validateReportID(reportID); err != nil {
		return Mark{}, err
	}
	rk := redisKey(reportID)
	at := r.now().Truncate(time.Second)
	if _, err := r.client.HSetNX(ctx, rk, key.String(), at.Format(time.RFC3339)).Result(); err != nil {
		return Mark{}, fmt.Errorf("%w: marking %s: %v", ErrStoreFailure, key, err)
	}

	stored, err := r.client.HGet(ctx, rk, key.String()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Mark{}, fmt.Errorf("%w: reading mark %s: %v", ErrStoreFailure, key, err)
	}
	if parsed, perr := time.Parse(time.RFC3339, stored); perr == nil {
		at = parsed
	}

	r.logger.Info("Finding marked as false positive",
		zap.String("report_id", reportID),
		zap.String("finding", key.String()),
	)
	return Mark{Key: key, MarkedAt: at}, nil
}

// Unmark implements Store.
func (r *RedisStore) Unmark(ctx context.Context, reportID string, key indicator.FindingKey) error {
	if err := validateReportID(reportID); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, redisKey(reportID), key.String()).Err(); err != nil {
		return fmt.Errorf("%w: unmarking %s: %v", ErrStoreFailure, key, err)
	}
	r.logger.Info("False positive mark removed",
		zap.String("report_id", reportID),
		zap.String("finding", key.String()),
	)
	return nil
}

var _ Store = (*RedisStore)(nil)
