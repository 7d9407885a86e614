package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/pneumoscan/internal/inference"
	"github.com/example/pneumoscan/internal/repository"
	"github.com/example/pneumoscan/internal/session"
)

type stubRepository struct {
	mu      sync.Mutex
	saved   []*repository.AnalysisRecord
	saveErr error
	records []*repository.AnalysisRecord
	agg     *repository.MetricsAggregation
}

func (s *stubRepository) SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, record)
	return s.saveErr
}

func (s *stubRepository) RecentRecords(ctx context.Context, limit int) ([]*repository.AnalysisRecord, error) {
	return s.records, nil
}

func (s *stubRepository) CountByImageHash(ctx context.Context, sha1Hex, excludeRequestID string) (int64, error) {
	return 0, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return nil, errors.New("no aggregation configured")
	}
	return s.agg, nil
}

func (s *stubRepository) savedRecords() []*repository.AnalysisRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*repository.AnalysisRecord(nil), s.saved...)
}

type stubCache struct {
	mu        sync.Mutex
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

func (s *stubCache) setCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.setKeys...)
}

type stubClient struct {
	mu      sync.Mutex
	pred    *inference.Prediction
	err     error
	calls   int
	release chan struct{}
}

func (s *stubClient) Classify(ctx context.Context, filename string, image []byte) (*inference.Prediction, error) {
	s.mu.Lock()
	s.calls++
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.pred, nil
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func missCache() *stubCache {
	// Enough misses for one settlement regardless of retries.
	return &stubCache{getErrs: []error{redis.Nil, redis.Nil, redis.Nil}}
}

func stagedSession(filename string) *session.Session {
	sess := session.NewSession()
	sess.Stage(&session.PendingImage{
		ID:        "img-" + filename,
		Filename:  filename,
		MediaType: "image/png",
		Data:      []byte("bytes-of-" + filename),
	})
	return sess
}

func waitForPhase(t *testing.T, sess *session.Session, phase session.Phase) session.View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if view := sess.View(); view.Phase == phase {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached phase %s, stuck at %s", phase, sess.View().Phase)
	return session.View{}
}

func TestAnalyzeAppliesSuccessfulSettlement(t *testing.T) {
	confidence := 0.91
	repo := &stubRepository{}
	cache := missCache()
	client := &stubClient{pred: &inference.Prediction{Label: inference.LabelNormal, Confidence: &confidence}}
	uc := NewAnalysisUseCase(repo, cache, client, zap.NewNop())

	sess := stagedSession("normal.jpg")
	view, err := uc.Analyze(sess)
	if err != nil {
		t.Fatalf("analyze failed: %v", err)
	}
	if view.Phase != session.PhaseAnalyzing {
		t.Fatalf("expected analyzing view, got %s", view.Phase)
	}

	settled := waitForPhase(t, sess, session.PhaseResulted)
	if settled.Label != inference.LabelNormal {
		t.Fatalf("unexpected label: %s", settled.Label)
	}
	if settled.Confidence != "91.0%" {
		t.Fatalf("unexpected confidence rendering: %s", settled.Confidence)
	}

	saved := repo.savedRecords()
	if len(saved) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(saved))
	}
	if !saved[0].Success || saved[0].Label != "Normal" || len(saved[0].ImageSHA1) != 40 {
		t.Fatalf("unexpected record: %+v", saved[0])
	}

	sets := cache.setCalls()
	if len(sets) != 1 || !strings.HasPrefix(sets[0], "analysis:") {
		t.Fatalf("expected outcome to be cached under analysis: key, got %v", sets)
	}
}

func TestAnalyzeFailureYieldsErrorOutcomeAndKeepsImage(t *testing.T) {
	repo := &stubRepository{}
	cache := missCache()
	client := &stubClient{err: errors.New("connection refused")}
	uc := NewAnalysisUseCase(repo, cache, client, zap.NewNop())

	sess := stagedSession("xray.png")
	if _, err := uc.Analyze(sess); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	settled := waitForPhase(t, sess, session.PhaseResulted)
	if settled.Error == "" {
		t.Fatal("expected non-empty error message")
	}
	if settled.Filename != "xray.png" {
		t.Fatal("pending image must survive a failed analysis for retry")
	}

	saved := repo.savedRecords()
	if len(saved) != 1 || saved[0].Success {
		t.Fatalf("expected 1 failed record, got %+v", saved)
	}
	if len(cache.setCalls()) != 0 {
		t.Fatal("error outcomes must not be cached")
	}
}

func TestAnalyzeRejectsConcurrentDispatch(t *testing.T) {
	release := make(chan struct{})
	repo := &stubRepository{}
	client := &stubClient{pred: &inference.Prediction{Label: inference.LabelNormal}, release: release}
	uc := NewAnalysisUseCase(repo, missCache(), client, zap.NewNop())

	sess := stagedSession("xray.png")
	if _, err := uc.Analyze(sess); err != nil {
		t.Fatalf("first analyze failed: %v", err)
	}

	if _, err := uc.Analyze(sess); !errors.Is(err, session.ErrAnalysisInFlight) {
		t.Fatalf("expected ErrAnalysisInFlight, got %v", err)
	}

	close(release)
	waitForPhase(t, sess, session.PhaseResulted)
	if client.callCount() != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", client.callCount())
	}
}

func TestStaleSettlementDoesNotTouchNewerImage(t *testing.T) {
	release := make(chan struct{})
	repo := &stubRepository{}
	cache := &stubCache{getErrs: []error{redis.Nil, redis.Nil, redis.Nil, redis.Nil, redis.Nil, redis.Nil}}
	client := &stubClient{pred: &inference.Prediction{Label: inference.LabelPneumonia}, release: release}
	uc := NewAnalysisUseCase(repo, cache, client, zap.NewNop())

	sess := stagedSession("a.png")
	if _, err := uc.Analyze(sess); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	// A newer image is staged while the first request is still outstanding.
	sess.Stage(&session.PendingImage{
		ID:       "img-b",
		Filename: "b.png",
		Data:     []byte("bytes-of-b"),
	})

	close(release)

	// Give the abandoned settlement time to arrive and be discarded.
	deadline := time.Now().Add(time.Second)
	for client.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	view := sess.View()
	if view.Phase != session.PhaseStaged || view.Filename != "b.png" {
		t.Fatalf("stale settlement corrupted the newer staging: %+v", view)
	}
	if len(repo.savedRecords()) != 0 {
		t.Fatal("discarded settlements must not be persisted")
	}
}

func TestCacheHitSkipsInference(t *testing.T) {
	repo := &stubRepository{}
	cache := &stubCache{getValues: []string{`{"label":"Normal","confidence":0.91}`}}
	client := &stubClient{err: errors.New("should not be called")}
	uc := NewAnalysisUseCase(repo, cache, client, zap.NewNop())

	sess := stagedSession("repeat.png")
	if _, err := uc.Analyze(sess); err != nil {
		t.Fatalf("analyze failed: %v", err)
	}

	settled := waitForPhase(t, sess, session.PhaseResulted)
	if settled.Label != inference.LabelNormal || settled.Confidence != "91.0%" {
		t.Fatalf("unexpected cached outcome: %+v", settled)
	}
	if client.callCount() != 0 {
		t.Fatalf("inference must be skipped on cache hit, got %d calls", client.callCount())
	}
	if len(cache.setCalls()) != 0 {
		t.Fatal("cache hit must not rewrite the cache")
	}
}

func TestAnalyzeWithNothingStaged(t *testing.T) {
	uc := NewAnalysisUseCase(&stubRepository{}, missCache(), &stubClient{}, zap.NewNop())

	sess := session.NewSession()
	if _, err := uc.Analyze(sess); !errors.Is(err, session.ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{
		TotalCount:        10,
		SuccessCount:      8,
		PneumoniaCount:    2,
		AverageConfidence: 0.85,
	}}
	uc := NewAnalysisUseCase(repo, missCache(), &stubClient{}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if summary.SuccessRate != 0.8 {
		t.Fatalf("unexpected success rate: %f", summary.SuccessRate)
	}
	if summary.PneumoniaRate != 0.25 {
		t.Fatalf("unexpected pneumonia rate: %f", summary.PneumoniaRate)
	}
	if summary.AverageConfidence != 0.85 {
		t.Fatalf("unexpected average confidence: %f", summary.AverageConfidence)
	}
}
