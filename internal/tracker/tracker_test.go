package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/repusense/internal/model"
	"github.com/sells-group/repusense/internal/pipeline"
	"github.com/sells-group/repusense/internal/resilience"
	"github.com/sells-group/repusense/internal/resultstore"
	"github.com/sells-group/repusense/internal/workspace"
)

var testNow = time.Date(2025, 3, 31, 18, 4, 5, 0, time.UTC)

func newStore(t *testing.T) *resultstore.Store {
	t.Helper()
	layout := workspace.DefaultLayout()
	layout.BaseDir = t.TempDir()
	return resultstore.New(workspace.New(layout))
}

// remoteStores returns a constructor for stores sharing one workspace and one
// in-memory remote. Each call models a fresh process with its own breaker.
func remoteStores(t *testing.T) (func() *resultstore.Store, *resultstore.Memory) {
	t.Helper()
	layout := workspace.DefaultLayout()
	layout.BaseDir = t.TempDir()
	ws := workspace.New(layout)
	mem := resultstore.NewMemory()
	return func() *resultstore.Store {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{FailureThreshold: 100, ResetTimeout: time.Hour})
		return resultstore.New(ws, resultstore.WithRemote(mem, breaker))
	}, mem
}

// steppingClock advances one second per call so creation times differ.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	cur := testNow
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func completedRun(in pipeline.RunInput) *model.PipelineRun {
	return &model.PipelineRun{
		ID:      "run-" + in.Company,
		Company: in.Company,
		State:   model.RunStateCompleted,
		Published: map[string]model.Locations{
			"topics.json":       {Local: "data/api_data/acme/topics.json", Remote: "s3://bucket/api_data/acme/topics.json"},
			"sentiment.json":    {Local: "data/api_data/acme/sentiment.json"},
			"company_info.json": {Local: "data/api_data/acme/company_info.json"},
		},
	}
}

func okRunner() RunnerFunc {
	return func(_ context.Context, in pipeline.RunInput) (*model.PipelineRun, error) {
		return completedRun(in), nil
	}
}

func TestSubmit_InitialStatus(t *testing.T) {
	tr := New(newStore(t), okRunner(), WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	syncID, err := tr.Submit(ctx, "Acme Corp", nil, model.ModeSync)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^acme-corp_20250331180405_[0-9a-f]{8}$`), syncID)

	st := tr.GetStatus(ctx, syncID)
	assert.Equal(t, model.RequestProcessing, st.Status)
	assert.Equal(t, "acme-corp", st.Company)
	require.NotNil(t, st.DateRange)
	assert.Equal(t, "2025-03-01", st.DateRange.StartString())
	assert.Equal(t, "2025-03-31", st.DateRange.EndString())

	asyncID, err := tr.Submit(ctx, "Acme Corp", nil, model.ModeAsync)
	require.NoError(t, err)
	assert.Equal(t, model.RequestScheduled, tr.GetStatus(ctx, asyncID).Status)
}

func TestSubmit_RapidIDsAreDistinct(t *testing.T) {
	tr := New(newStore(t), okRunner(), WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
		require.NoError(t, err)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestSubmit_Validation(t *testing.T) {
	tr := New(newStore(t), okRunner())
	ctx := context.Background()

	_, err := tr.Submit(ctx, "../", nil, model.ModeSync)
	assert.True(t, errors.Is(err, model.ErrConfiguration))

	_, err = tr.Submit(ctx, "acme", nil, model.Mode("later"))
	assert.True(t, errors.Is(err, model.ErrConfiguration))

	bad := model.DateRange{Start: testNow, End: testNow.AddDate(0, 0, -1)}
	_, err = tr.Submit(ctx, "acme", &bad, model.ModeSync)
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestGetStatus_Unknown(t *testing.T) {
	tr := New(newStore(t), okRunner())

	st := tr.GetStatus(context.Background(), "nope_20250101000000_deadbeef")
	assert.Equal(t, model.RequestUnknown, st.Status)
	assert.Equal(t, "nope_20250101000000_deadbeef", st.RequestID)
}

func TestRunSync_Completed(t *testing.T) {
	var got pipeline.RunInput
	runner := RunnerFunc(func(_ context.Context, in pipeline.RunInput) (*model.PipelineRun, error) {
		got = in
		return completedRun(in), nil
	})
	tr := New(newStore(t), runner, WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	dr := model.DateRange{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	id, err := tr.Submit(ctx, "Acme", &dr, model.ModeSync)
	require.NoError(t, err)

	st, err := tr.RunSync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, st.Status)
	assert.Equal(t, "run-Acme", st.RunID)
	assert.Equal(t, "data/api_data/acme/topics.json", st.APIData["topics"])
	assert.Equal(t, "data/api_data/acme/company_info.json", st.APIData["company_info"])
	assert.Equal(t, map[string]string{"topics": "s3://bucket/api_data/acme/topics.json"}, st.RemoteURLs)
	assert.Empty(t, st.StageErrors)
	assert.Empty(t, st.Error)

	assert.Equal(t, "Acme", got.Company)
	require.NotNil(t, got.DateRange)
	assert.Equal(t, dr, *got.DateRange)

	assert.Equal(t, model.RequestCompleted, tr.GetStatus(ctx, id).Status)
}

func TestRunSync_StageFailureStillCompletes(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, in pipeline.RunInput) (*model.PipelineRun, error) {
		run := completedRun(in)
		run.Errors = map[model.Stage]string{model.StageKeyword: "stage error: keyword model unavailable"}
		return run, nil
	})
	tr := New(newStore(t), runner)
	ctx := context.Background()

	id, err := tr.Submit(ctx, "acme", nil, model.ModeSync)
	require.NoError(t, err)
	st, err := tr.RunSync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestCompleted, st.Status)
	assert.Equal(t, "stage error: keyword model unavailable", st.StageErrors[model.StageKeyword])
	assert.NotContains(t, st.APIData, "keywords")
}

func TestRunSync_FatalErrorVerbatim(t *testing.T) {
	runErr := fmt.Errorf("%w: %w", model.ErrFetch, eris.New("reddit: search: status 503"))
	runner := RunnerFunc(func(_ context.Context, in pipeline.RunInput) (*model.PipelineRun, error) {
		return &model.PipelineRun{ID: "run-1", State: model.RunStateFailed}, runErr
	})
	tr := New(newStore(t), runner)
	ctx := context.Background()

	id, err := tr.Submit(ctx, "acme", nil, model.ModeSync)
	require.NoError(t, err)
	st, err := tr.RunSync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestError, st.Status)
	assert.Equal(t, runErr.Error(), st.Error)
	assert.Equal(t, "run-1", st.RunID)
}

func TestRunSync_PanicBecomesError(t *testing.T) {
	runner := RunnerFunc(func(context.Context, pipeline.RunInput) (*model.PipelineRun, error) {
		panic("boom")
	})
	tr := New(newStore(t), runner)
	ctx := context.Background()

	id, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)
	st, err := tr.RunSync(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RequestError, st.Status)
	assert.Contains(t, st.Error, "pipeline panicked: boom")
}

func TestRunSync_Unknown(t *testing.T) {
	tr := New(newStore(t), okRunner())

	st, err := tr.RunSync(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.Equal(t, model.RequestUnknown, st.Status)
}

func TestScheduleAndPending(t *testing.T) {
	tr := New(newStore(t), okRunner(), WithClock(steppingClock()))
	ctx := context.Background()

	first, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)
	second, err := tr.Submit(ctx, "globex", nil, model.ModeAsync)
	require.NoError(t, err)
	syncID, err := tr.Submit(ctx, "initech", nil, model.ModeSync)
	require.NoError(t, err)

	pending := tr.Pending(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID)
	assert.Equal(t, second, pending[1].ID)

	require.NoError(t, tr.Schedule(ctx, syncID))
	assert.Len(t, tr.Pending(ctx), 3)

	_, err = tr.RunSync(ctx, first)
	require.NoError(t, err)
	pending = tr.Pending(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, second, pending[0].ID)

	assert.True(t, errors.Is(tr.Schedule(ctx, "missing"), model.ErrNotFound))
}

func TestList(t *testing.T) {
	tr := New(newStore(t), okRunner(), WithClock(steppingClock()))
	ctx := context.Background()

	var acme []string
	for _, c := range []string{"acme", "globex", "acme", "acme", "globex"} {
		id, err := tr.Submit(ctx, c, nil, model.ModeAsync)
		require.NoError(t, err)
		if c == "acme" {
			acme = append(acme, id)
		}
	}

	all := tr.List(ctx, "", 0)
	assert.Len(t, all, 5)

	got := tr.List(ctx, "Acme", 2)
	require.Len(t, got, 2, "filter before truncation")
	assert.Equal(t, acme[2], got[0].RequestID)
	assert.Equal(t, acme[1], got[1].RequestID)

	assert.Empty(t, tr.List(ctx, "unknown-co", 10))
	assert.Empty(t, tr.List(ctx, "../", 10))
}

func TestList_SameTimestampUsesSubmissionOrder(t *testing.T) {
	tr := New(newStore(t), okRunner(), WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got := tr.List(ctx, "acme", 10)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].RequestID)
	assert.Equal(t, ids[0], got[2].RequestID)
}

func TestLoad_SurvivesRestart(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	tr := New(st, okRunner(), WithClock(steppingClock()))
	done, err := tr.Submit(ctx, "acme", nil, model.ModeSync)
	require.NoError(t, err)
	_, err = tr.RunSync(ctx, done)
	require.NoError(t, err)
	queued, err := tr.Submit(ctx, "globex", nil, model.ModeAsync)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	restarted := New(st, okRunner(), WithClock(func() time.Time { return testNow.Add(time.Hour) }))
	require.NoError(t, restarted.Load(ctx))

	assert.Equal(t, model.RequestCompleted, restarted.GetStatus(ctx, done).Status)
	assert.Equal(t, "data/api_data/acme/topics.json", restarted.GetStatus(ctx, done).APIData["topics"])
	pending := restarted.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, queued, pending[0].ID)

	next, err := restarted.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)
	assert.Equal(t, next, restarted.List(ctx, "", 1)[0].RequestID)
}

func TestLoad_IncludesRequestsWrittenWhileRemoteDown(t *testing.T) {
	openStore, mem := remoteStores(t)
	ctx := context.Background()

	tr := New(openStore(), okRunner(), WithClock(steppingClock()))
	acme, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)
	mem.SetDown(true)
	globex, err := tr.Submit(ctx, "globex", nil, model.ModeAsync)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	mem.SetDown(false)

	st := openStore()
	remoteOnly, err := st.ListCompanies(ctx, model.ZoneRequests)
	require.NoError(t, err)
	require.Equal(t, []string{"acme"}, remoteOnly)

	restarted := New(st, okRunner(), WithClock(func() time.Time { return testNow.Add(time.Hour) }))
	require.NoError(t, restarted.Load(ctx))

	assert.Equal(t, model.RequestScheduled, restarted.GetStatus(ctx, globex).Status)
	pending := restarted.Pending(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, acme, pending[0].ID)
	assert.Equal(t, globex, pending[1].ID)
}

func TestLoad_PrefersNewestStatusCopy(t *testing.T) {
	openStore, mem := remoteStores(t)
	ctx := context.Background()

	tr := New(openStore(), okRunner(), WithClock(steppingClock()))
	id, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)

	// The remote keeps the scheduled record while the run completes.
	mem.RejectPuts(true)
	_, err = tr.RunSync(ctx, id)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	mem.RejectPuts(false)

	restarted := New(openStore(), okRunner())
	require.NoError(t, restarted.Load(ctx))

	assert.Equal(t, model.RequestCompleted, restarted.GetStatus(ctx, id).Status)
	assert.Empty(t, restarted.Pending(ctx))
}

func TestClose(t *testing.T) {
	tr := New(newStore(t), okRunner())
	ctx := context.Background()
	id, err := tr.Submit(ctx, "acme", nil, model.ModeAsync)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, err = tr.Submit(ctx, "acme", nil, model.ModeAsync)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, model.RequestUnknown, tr.GetStatus(ctx, id).Status)
}
