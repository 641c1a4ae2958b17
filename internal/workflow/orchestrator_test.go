package workflow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"clipflow/internal/config"
	"clipflow/internal/model"
	"clipflow/internal/provider"
	"clipflow/internal/store"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the database implementation.
type fakeStore struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]model.Workflow
	posts     []model.PublishedPost
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: make(map[uuid.UUID]model.Workflow)}
}

func (f *fakeStore) CreateWorkflow(_ context.Context, w *model.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.Version = 1
	f.workflows[w.ID] = *w
	return nil
}

func (f *fakeStore) GetWorkflow(_ context.Context, id uuid.UUID) (model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[id]
	if !ok {
		return model.Workflow{}, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) GetWorkflowByJobID(_ context.Context, tenant string, stage model.Stage, jobID string) (model.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == "" {
		return model.Workflow{}, store.ErrNotFound
	}
	for _, w := range f.workflows {
		if w.Tenant == tenant && w.JobID(stage) == jobID {
			return w, nil
		}
	}
	return model.Workflow{}, store.ErrNotFound
}

func (f *fakeStore) CompareAndSwap(_ context.Context, w *model.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.workflows[w.ID]
	if !ok || cur.Version != w.Version {
		return store.ErrVersionConflict
	}
	w.Version++
	w.UpdatedAt = time.Now().UTC()
	f.workflows[w.ID] = *w
	return nil
}

func (f *fakeStore) InsertPublishedPost(_ context.Context, p *model.PublishedPost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, *p)
	return nil
}

func (f *fakeStore) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

// fakeGateway is a scriptable Gateway. submitHook, when set, runs
// while Submit is in flight so tests can interleave concurrent writes.
type fakeGateway struct {
	mu          sync.Mutex
	stage       model.Stage
	submitJobID string
	submitErr   error
	submitCalls int
	submitHook  func(w *model.Workflow)
	pollResult  provider.StageResult
	pollErr     error
}

func (g *fakeGateway) Name() string       { return string(g.stage) }
func (g *fakeGateway) Stage() model.Stage { return g.stage }

func (g *fakeGateway) Submit(_ context.Context, w *model.Workflow) (string, error) {
	g.mu.Lock()
	g.submitCalls++
	jobID, err, hook := g.submitJobID, g.submitErr, g.submitHook
	g.mu.Unlock()

	if hook != nil {
		hook(w)
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (g *fakeGateway) Poll(_ context.Context, _, _ string) (provider.StageResult, error) {
	return g.pollResult, g.pollErr
}

func (g *fakeGateway) ParseWebhook(_ string, _ []byte, _ string) (provider.WebhookEvent, error) {
	return provider.WebhookEvent{}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls
}

type fixture struct {
	store   *fakeStore
	render  *fakeGateway
	caption *fakeGateway
	publish *fakeGateway
	orch    *Orchestrator
}

func newFixture() *fixture {
	st := newFakeStore()
	render := &fakeGateway{stage: model.StageRender, submitJobID: "render-job-1"}
	caption := &fakeGateway{stage: model.StageCaption, submitJobID: "caption-job-1"}
	publish := &fakeGateway{stage: model.StagePublish, submitJobID: "publish-job-1"}
	gws := provider.Gateways{Render: render, Caption: caption, Publish: publish}
	cfg := &config.Config{}
	orch := New(st, gws, cfg, slog.New(slog.DiscardHandler))
	return &fixture{store: st, render: render, caption: caption, publish: publish, orch: orch}
}

func (fx *fixture) seed(t *testing.T, status model.Status, mutate func(*model.Workflow)) uuid.UUID {
	t.Helper()
	w := &model.Workflow{
		ID:     uuid.New(),
		Tenant: "brand-a",
		Title:  "Morning routine",
		Script: "A short script",
		Status: status,
	}
	if mutate != nil {
		mutate(w)
	}
	require.NoError(t, fx.store.CreateWorkflow(context.Background(), w))
	return w.ID
}

func (fx *fixture) get(t *testing.T, id uuid.UUID) model.Workflow {
	t.Helper()
	w, err := fx.store.GetWorkflow(context.Background(), id)
	require.NoError(t, err)
	return w
}

func TestAdvanceClaimsAndSubmits(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusPending, nil)

	require.NoError(t, fx.orch.Advance(context.Background(), id))

	w := fx.get(t, id)
	require.Equal(t, model.StatusRendering, w.Status)
	require.Equal(t, "render-job-1", w.RenderJobID)
	require.Equal(t, 1, fx.render.calls())
}

func TestAdvanceInProgressIsNoop(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusRendering, func(w *model.Workflow) {
		w.RenderJobID = "render-job-1"
	})

	require.NoError(t, fx.orch.Advance(context.Background(), id))
	require.Equal(t, 0, fx.render.calls())
}

func TestConcurrentAdvanceSubmitsOnce(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusPending, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fx.orch.Advance(context.Background(), id)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, fx.render.calls())
	w := fx.get(t, id)
	require.Equal(t, model.StatusRendering, w.Status)
	require.Equal(t, "render-job-1", w.RenderJobID)
}

func TestRecordJobIDSurvivesConcurrentLockWrite(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusPending, nil)

	// While the submit is in flight, a lock-only write (a sweeper taking
	// and releasing its per-workflow lock) bumps the version out from
	// under the claim. The job id must still land.
	fx.render.submitHook = func(_ *model.Workflow) {
		w, err := fx.store.GetWorkflow(context.Background(), id)
		require.NoError(t, err)
		now := time.Now().UTC()
		w.LockOwner = "sweeper-elsewhere"
		w.LockedAt = &now
		require.NoError(t, fx.store.CompareAndSwap(context.Background(), &w))
		w.LockOwner = ""
		w.LockedAt = nil
		require.NoError(t, fx.store.CompareAndSwap(context.Background(), &w))
	}

	require.NoError(t, fx.orch.Advance(context.Background(), id))

	w := fx.get(t, id)
	require.Equal(t, model.StatusRendering, w.Status)
	require.Equal(t, "render-job-1", w.RenderJobID)
	require.Equal(t, 1, fx.render.calls())
}

func TestWebhookCompletionAdvancesNextStage(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusRendering, func(w *model.Workflow) {
		w.RenderJobID = "render-job-1"
	})

	ev := provider.WebhookEvent{
		JobID:  "render-job-1",
		Result: provider.StageResult{State: provider.StateDone, ResultURI: "https://cdn/video.mp4"},
	}
	require.NoError(t, fx.orch.HandleWebhook(context.Background(), "brand-a", model.StageRender, ev))

	// The completion triggers an async advance into the caption stage.
	require.Eventually(t, func() bool {
		w := fx.get(t, id)
		return w.Status == model.StatusCaptioning && w.CaptionJobID == "caption-job-1"
	}, time.Second, 10*time.Millisecond)

	w := fx.get(t, id)
	require.Equal(t, "https://cdn/video.mp4", w.RenderResultURI)
	require.Empty(t, w.RenderJobID)
	require.Zero(t, w.RetryCount)
}

func TestPublishCompletionRecordsPosts(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusPublishing, func(w *model.Workflow) {
		w.PublishJobID = "publish-job-1"
	})

	res := provider.StageResult{
		State: provider.StateDone,
		Posts: []provider.PlatformPost{
			{Platform: "tiktok", PostID: "tt-1"},
			{Platform: "instagram", PostID: "ig-1"},
		},
	}
	require.NoError(t, fx.orch.Complete(context.Background(), id, model.StagePublish, "publish-job-1", res))

	w := fx.get(t, id)
	require.Equal(t, model.StatusCompleted, w.Status)
	require.Equal(t, 2, fx.store.postCount())
}

func TestDuplicateCompleteIsIgnored(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusPublishing, func(w *model.Workflow) {
		w.PublishJobID = "publish-job-1"
	})

	res := provider.StageResult{
		State: provider.StateDone,
		Posts: []provider.PlatformPost{{Platform: "tiktok", PostID: "tt-1"}},
	}
	require.NoError(t, fx.orch.Complete(context.Background(), id, model.StagePublish, "publish-job-1", res))
	require.NoError(t, fx.orch.Complete(context.Background(), id, model.StagePublish, "publish-job-1", res))

	require.Equal(t, 1, fx.store.postCount())
	require.Equal(t, model.StatusCompleted, fx.get(t, id).Status)
}

func TestCompleteWrongJobIDIgnored(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusRendering, func(w *model.Workflow) {
		w.RenderJobID = "render-job-1"
	})

	res := provider.StageResult{State: provider.StateDone, ResultURI: "https://cdn/other.mp4"}
	require.NoError(t, fx.orch.Complete(context.Background(), id, model.StageRender, "someone-elses-job", res))

	w := fx.get(t, id)
	require.Equal(t, model.StatusRendering, w.Status)
	require.Empty(t, w.RenderResultURI)
}

func TestRetryableSubmitFailureExhaustsBudget(t *testing.T) {
	fx := newFixture()
	fx.render.submitErr = &provider.Error{Code: "HTTP_503", Message: "upstream down", Retryable: true}
	id := fx.seed(t, model.StatusPending, nil)

	require.NoError(t, fx.orch.Advance(context.Background(), id))

	// Each retry reset re-advances asynchronously until the budget of 3
	// retries is spent: four submit attempts in total.
	require.Eventually(t, func() bool {
		return fx.get(t, id).Status == model.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	w := fx.get(t, id)
	require.Equal(t, int32(3), w.RetryCount)
	require.Equal(t, 4, fx.render.calls())
	require.Contains(t, w.LastError, "upstream down")
}

func TestPermanentSubmitFailureDoesNotRetry(t *testing.T) {
	fx := newFixture()
	fx.render.submitErr = &provider.Error{Code: "HTTP_400", Message: "bad avatar id"}
	id := fx.seed(t, model.StatusPending, nil)

	require.NoError(t, fx.orch.Advance(context.Background(), id))

	w := fx.get(t, id)
	require.Equal(t, model.StatusFailed, w.Status)
	require.Zero(t, w.RetryCount)
	require.Equal(t, 1, fx.render.calls())
}

func TestProviderFailureResultRetriesStage(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusCaptioning, func(w *model.Workflow) {
		w.CaptionJobID = "caption-job-1"
		w.RenderResultURI = "https://cdn/video.mp4"
	})

	res := provider.StageResult{State: provider.StateFailed, Reason: "transcode error"}
	require.NoError(t, fx.orch.Complete(context.Background(), id, model.StageCaption, "caption-job-1", res))

	// The failed stage resets to render_ready and the async re-advance
	// submits the caption again.
	require.Eventually(t, func() bool {
		w := fx.get(t, id)
		return w.Status == model.StatusCaptioning && w.RetryCount == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, fx.caption.calls())
}

func TestFailOnTerminalWorkflowIsNoop(t *testing.T) {
	fx := newFixture()
	id := fx.seed(t, model.StatusCompleted, nil)

	require.NoError(t, fx.orch.Fail(context.Background(), id, "late failure", true))
	require.Equal(t, model.StatusCompleted, fx.get(t, id).Status)
}

func TestEnqueueStartsRenderStage(t *testing.T) {
	fx := newFixture()
	item := &model.ContentItem{ID: uuid.New(), Tenant: "brand-a", Title: "Clip", Script: "Say this"}

	id, err := fx.orch.Enqueue(context.Background(), "brand-a", item)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w := fx.get(t, id)
		return w.Status == model.StatusRendering && w.RenderJobID == "render-job-1"
	}, time.Second, 10*time.Millisecond)

	w := fx.get(t, id)
	require.Equal(t, "Say this", w.Script)
	require.Equal(t, item.ID.String(), w.ContentItemID)
}

func TestWebhookUnknownJobIsIgnored(t *testing.T) {
	fx := newFixture()
	fx.seed(t, model.StatusRendering, func(w *model.Workflow) {
		w.RenderJobID = "render-job-1"
	})

	ev := provider.WebhookEvent{
		JobID:  "never-seen",
		Result: provider.StageResult{State: provider.StateDone, ResultURI: "https://cdn/x.mp4"},
	}
	require.NoError(t, fx.orch.HandleWebhook(context.Background(), "brand-a", model.StageRender, ev))
}
