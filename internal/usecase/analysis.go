package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/pneumoscan/internal/inference"
	"github.com/example/pneumoscan/internal/logging"
	"github.com/example/pneumoscan/internal/repository"
	"github.com/example/pneumoscan/internal/session"
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error
	RecentRecords(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error)
	CountByImageHash(ctx context.Context, sha1Hex, excludeRequestID string) (int64, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AnalysisUseCase orchestrates the inference cycle: dispatch, result caching,
// staleness discard and history persistence.
type AnalysisUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	client         inference.Client
	logger         *zap.Logger
	settleTimeout  time.Duration
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// cachedOutcome is the Redis representation of a successful classification,
// keyed by the SHA-1 of the image bytes.
type cachedOutcome struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// NewAnalysisUseCase constructs a new use case instance.
func NewAnalysisUseCase(repo AnalysisRepository, cache Cache, client inference.Client, logger *zap.Logger) *AnalysisUseCase {
	return &AnalysisUseCase{
		repo:           repo,
		cache:          cache,
		client:         client,
		logger:         logger.Named("analysis_usecase"),
		settleTimeout:  60 * time.Second,
		cacheTTL:       5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Analyze begins an analysis cycle for the session's staged image. It returns
// the Analyzing view immediately; settlement happens on a background goroutine
// and the page observes it by polling the session view. ErrNothingStaged and
// ErrAnalysisInFlight pass through from the session untouched.
func (uc *AnalysisUseCase) Analyze(sess *session.Session) (session.View, error) {
	imageID, filename, data, err := sess.BeginAnalysis()
	if err != nil {
		return sess.View(), err
	}

	// The HTTP request that triggered the analysis returns before settlement,
	// so the settlement gets its own context rather than the request's.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), uc.settleTimeout)
		defer cancel()
		uc.settle(ctx, sess, imageID, filename, data)
	}()

	return sess.View(), nil
}

func (uc *AnalysisUseCase) settle(ctx context.Context, sess *session.Session, imageID, filename string, data []byte) {
	opLogger := logging.WithOperation(uc.logger, "usecase.settle", imageID)

	hash := sha1.Sum(data)
	hashHex := hex.EncodeToString(hash[:])
	cacheKey := fmt.Sprintf("analysis:%s", hashHex)

	outcome, fromCache := uc.lookupCachedOutcome(ctx, imageID, cacheKey)
	if !fromCache {
		prediction, err := uc.client.Classify(ctx, filename, data)
		if err != nil {
			opLogger.Warn("inference failed", zap.Error(err))
			outcome = session.Outcome{Err: fmt.Sprintf("analysis failed: %v", err)}
		} else {
			outcome = session.Outcome{Label: prediction.Label, Confidence: prediction.Confidence}
		}
	}

	if !sess.ApplyOutcome(imageID, outcome) {
		opLogger.Info("stale settlement discarded")
		return
	}

	record := &repository.AnalysisRecord{
		RequestID:    imageID,
		ImageSHA1:    hashHex,
		Filename:     filename,
		Label:        string(outcome.Label),
		Confidence:   outcome.Confidence,
		Success:      !outcome.IsError(),
		ErrorMessage: outcome.Err,
		CreatedAt:    time.Now().UTC(),
	}
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		// History is best effort; the outcome is already applied to the session.
		opLogger.Error("failed to persist analysis record", zap.Error(err))
	}

	if !outcome.IsError() && !fromCache {
		uc.storeCachedOutcome(ctx, imageID, cacheKey, outcome)
	}
}

func (uc *AnalysisUseCase) lookupCachedOutcome(ctx context.Context, imageID, cacheKey string) (session.Outcome, bool) {
	opLogger := logging.WithOperation(uc.logger, "cache.get.outcome", imageID)

	raw, err := uc.withRedisGet(ctx, imageID, "cache.get.outcome", cacheKey)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return session.Outcome{}, false
	}

	var payload cachedOutcome
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		opLogger.Warn("failed to decode cached outcome", zap.Error(err))
		return session.Outcome{}, false
	}

	label, err := inference.ParseLabel(payload.Label)
	if err != nil {
		opLogger.Warn("cached outcome carries unknown label", zap.Error(err))
		return session.Outcome{}, false
	}

	return session.Outcome{Label: label, Confidence: payload.Confidence}, true
}

func (uc *AnalysisUseCase) storeCachedOutcome(ctx context.Context, imageID, cacheKey string, outcome session.Outcome) {
	serialized, err := json.Marshal(cachedOutcome{
		Label:      string(outcome.Label),
		Confidence: outcome.Confidence,
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.outcome", imageID).
			Error("failed to serialize outcome", zap.Error(err))
		return
	}

	if err := uc.withRedisRetry(ctx, imageID, "cache.set.outcome", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), uc.cacheTTL)
	}); err != nil {
		logging.WithOperation(uc.logger, "cache.set.outcome", imageID).
			Warn("failed to cache outcome", zap.Error(err))
	}
}

func (uc *AnalysisUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) || !isTransientError(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AnalysisUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
