package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/mdctl/pkg/descriptor"
	"github.com/davidthor/mdctl/pkg/errors"
	"github.com/davidthor/mdctl/pkg/local"
	"github.com/davidthor/mdctl/pkg/names"
	"github.com/davidthor/mdctl/pkg/pipeline"
	"github.com/davidthor/mdctl/pkg/stacks"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func execution(id, model, tag string, status pipeline.Status, stage pipeline.Stage, created time.Time) pipeline.Execution {
	key := names.NewKey(model, tag)
	return pipeline.Execution{
		ID:        id,
		Status:    status,
		Stage:     stage,
		StartTime: created,
		Summary: descriptor.Summary{
			Key:        key,
			StackName:  key.StackName(),
			CreateTime: created,
		},
	}
}

type fakeExecutions struct {
	mu       sync.Mutex
	items    []pipeline.Execution
	err      error
	block    bool
	statuses [][]pipeline.Status
}

func (f *fakeExecutions) ListExecutions(ctx context.Context, statuses []pipeline.Status) ([]pipeline.Execution, error) {
	f.mu.Lock()
	f.statuses = append(f.statuses, statuses)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	want := map[pipeline.Status]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []pipeline.Execution
	for _, e := range f.items {
		if want[e.Status] {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeStacks struct {
	items   []stacks.Stack
	err     error
	lookups int
}

func (f *fakeStacks) List(context.Context) ([]stacks.Stack, error) {
	return f.items, f.err
}

func (f *fakeStacks) Lookup(_ context.Context, stackNames []string) (map[string]string, error) {
	f.lookups++
	out := map[string]string{}
	for _, n := range stackNames {
		for _, s := range f.items {
			if s.Name == n {
				out[n] = s.Status
			}
		}
	}
	return out, nil
}

type fakeSecrets struct{}

func (fakeSecrets) ResolveOutputs(_ context.Context, outputs map[string]string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range outputs {
		out[k] = v
	}
	if arn, ok := outputs["ApiKeySecretArn"]; ok {
		out["ApiKeySecret"] = "resolved:" + arn
	}
	return out, nil
}

type fakeLocal struct{ items []local.Deployment }

func (f fakeLocal) List(context.Context) ([]local.Deployment, error) { return f.items, nil }

func TestClassify(t *testing.T) {
	fresh := now.Add(-time.Hour)
	stale := now.Add(-FailedBuildRetention)

	tests := []struct {
		name  string
		exec  pipeline.Execution
		stack StackState
		keep  bool
	}{
		{"succeeded with stack", execution("1", "m", "", pipeline.StatusSucceeded, pipeline.StageDeploy, fresh), StackState{true, "CREATE_COMPLETE"}, true},
		{"succeeded without stack", execution("2", "m", "", pipeline.StatusSucceeded, pipeline.StageDeploy, fresh), StackState{}, false},
		{"failed deploy rolled back", execution("3", "m", "", pipeline.StatusFailed, pipeline.StageDeploy, fresh), StackState{true, "ROLLBACK_COMPLETE"}, true},
		{"failed deploy not rolled back", execution("4", "m", "", pipeline.StatusFailed, pipeline.StageDeploy, fresh), StackState{true, "CREATE_FAILED"}, false},
		{"failed deploy lowercase marker", execution("5", "m", "", pipeline.StatusFailed, pipeline.StageDeploy, fresh), StackState{true, "rollback"}, false},
		{"failed deploy no stack", execution("6", "m", "", pipeline.StatusFailed, pipeline.StageDeploy, fresh), StackState{}, false},
		{"failed build fresh", execution("7", "m", "", pipeline.StatusFailed, pipeline.StageBuild, fresh), StackState{}, true},
		{"failed source fresh", execution("8", "m", "", pipeline.StatusFailed, pipeline.StageSource, fresh), StackState{}, true},
		{"failed build at retention", execution("9", "m", "", pipeline.StatusFailed, pipeline.StageBuild, stale), StackState{}, false},
		{"failed unknown", execution("10", "m", "", pipeline.StatusFailed, pipeline.StageUnknown, fresh), StackState{true, "ROLLBACK_COMPLETE"}, false},
		{"in progress", execution("11", "m", "", pipeline.StatusInProgress, pipeline.StageSource, fresh), StackState{}, true},
		{"stopping", execution("12", "m", "", pipeline.StatusStopping, pipeline.StageBuild, fresh), StackState{}, true},
		{"stopped", execution("13", "m", "", pipeline.StatusStopped, pipeline.StageBuild, stale), StackState{}, true},
		{"cancelled", execution("14", "m", "", pipeline.StatusCancelled, pipeline.StageSource, fresh), StackState{}, false},
		{"superseded", execution("15", "m", "", pipeline.StatusSuperseded, pipeline.StageSource, fresh), StackState{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := Classify(tt.exec, tt.stack, now)
			assert.Equal(t, tt.keep, keep)
			if keep {
				assert.NotEmpty(t, got.EnhancedStatus)
			}
		})
	}
}

func TestClassify_Hints(t *testing.T) {
	e, keep := Classify(execution("1", "m", "t", pipeline.StatusFailed, pipeline.StageDeploy, now), StackState{true, "UPDATE_ROLLBACK_COMPLETE"}, now)
	require.True(t, keep)
	assert.Equal(t, "Failed (UPDATE_ROLLBACK_COMPLETE)", e.EnhancedStatus)
	assert.Contains(t, e.Hint, "mdctl destroy m/t")

	e, keep = Classify(execution("2", "m", "t", pipeline.StatusInProgress, pipeline.StageDeploy, now), StackState{true, "CREATE_IN_PROGRESS"}, now)
	require.True(t, keep)
	assert.Equal(t, "InProgress (Deploy: CREATE_IN_PROGRESS)", e.EnhancedStatus)
	assert.Empty(t, e.Hint)
}

func TestReconcile_CrossValidates(t *testing.T) {
	execs := &fakeExecutions{items: []pipeline.Execution{
		execution("a", "alpha", "", pipeline.StatusInProgress, pipeline.StageBuild, now.Add(-time.Minute)),
		execution("b", "beta", "", pipeline.StatusFailed, pipeline.StageDeploy, now.Add(-time.Hour)),
		execution("c", "gamma", "", pipeline.StatusFailed, pipeline.StageDeploy, now.Add(-time.Hour)),
		execution("d", "delta", "", pipeline.StatusFailed, pipeline.StageBuild, now.Add(-48*time.Hour)),
		execution("e", "eps", "", pipeline.StatusFailed, pipeline.StageUnknown, now.Add(-time.Minute)),
		execution("f", "zeta", "", pipeline.StatusSucceeded, pipeline.StageDeploy, now.Add(-time.Minute)),
	}}
	st := &fakeStacks{items: []stacks.Stack{
		{Name: "mdctl-model-beta", Status: "ROLLBACK_COMPLETE"},
		{Name: "mdctl-model-gamma", Status: "CREATE_COMPLETE"},
	}}
	r := NewReconciler(execs, st, st, Config{}, zerolog.Nop())

	view, err := r.Reconcile(context.Background(), Options{Now: now})
	require.NoError(t, err)

	var ids []string
	for _, e := range view.InProgress {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.Len(t, view.Completed, 2)
	assert.Equal(t, 1, st.lookups)
	assert.Nil(t, view.Local)

	require.Len(t, execs.statuses, 1)
	assert.ElementsMatch(t, []pipeline.Status{
		pipeline.StatusStopping, pipeline.StatusInProgress, pipeline.StatusStopped, pipeline.StatusFailed,
	}, execs.statuses[0])
}

func TestReconcile_JudgesFailedExecutionsByDefault(t *testing.T) {
	execs := &fakeExecutions{items: []pipeline.Execution{
		execution("deploy", "alpha", "", pipeline.StatusFailed, pipeline.StageDeploy, now.Add(-2*time.Hour)),
		execution("build", "beta", "", pipeline.StatusFailed, pipeline.StageBuild, now.Add(-time.Hour)),
	}}
	st := &fakeStacks{items: []stacks.Stack{{Name: "mdctl-model-alpha", Status: "ROLLBACK_COMPLETE"}}}
	r := NewReconciler(execs, st, st, Config{}, zerolog.Nop())

	view, err := r.Reconcile(context.Background(), Options{Now: now})
	require.NoError(t, err)

	require.Len(t, execs.statuses, 1)
	assert.Contains(t, execs.statuses[0], pipeline.StatusFailed)
	assert.Contains(t, execs.statuses[0], pipeline.StatusStopped)

	var ids []string
	for _, e := range view.InProgress {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"deploy", "build"}, ids)
}

func TestReconcile_ExcludeStoppedFailed(t *testing.T) {
	execs := &fakeExecutions{items: []pipeline.Execution{
		execution("a", "alpha", "", pipeline.StatusInProgress, pipeline.StageSource, now),
		execution("b", "beta", "", pipeline.StatusFailed, pipeline.StageBuild, now),
	}}
	st := &fakeStacks{}
	r := NewReconciler(execs, st, st, Config{}, zerolog.Nop())

	view, err := r.Reconcile(context.Background(), Options{ExcludeStoppedFailed: true, Now: now})
	require.NoError(t, err)
	require.Len(t, view.InProgress, 1)
	assert.Equal(t, "a", view.InProgress[0].ID)
	assert.ElementsMatch(t, []pipeline.Status{pipeline.StatusStopping, pipeline.StatusInProgress}, execs.statuses[0])
}

func TestReconcile_Filter(t *testing.T) {
	execs := &fakeExecutions{items: []pipeline.Execution{
		execution("a", "alpha", "t1", pipeline.StatusInProgress, pipeline.StageSource, now),
		execution("b", "alpha", "t2", pipeline.StatusInProgress, pipeline.StageSource, now),
	}}
	st := &fakeStacks{items: []stacks.Stack{
		{Name: "mdctl-model-alpha-t1", Status: "CREATE_COMPLETE"},
		{Name: "mdctl-model-alpha-t2", Status: "CREATE_COMPLETE"},
	}}
	r := NewReconciler(execs, st, st, Config{
		Local: fakeLocal{items: []local.Deployment{{StackName: "mdctl-model-alpha-t2"}, {StackName: "mdctl-model-alpha-t1"}}},
	}, zerolog.Nop())

	key := names.NewKey("alpha", "t2")
	view, err := r.Reconcile(context.Background(), Options{Filter: &key, IncludeLocal: true, Now: now})
	require.NoError(t, err)
	require.Len(t, view.InProgress, 1)
	assert.Equal(t, "b", view.InProgress[0].ID)
	require.Len(t, view.Completed, 1)
	assert.Equal(t, "mdctl-model-alpha-t2", view.Completed[0].Name)
	require.Len(t, view.Local, 1)
	assert.Equal(t, "mdctl-model-alpha-t2", view.Local[0].StackName)
}

func TestReconcile_ResolvesSecrets(t *testing.T) {
	st := &fakeStacks{items: []stacks.Stack{{
		Name:    "mdctl-model-alpha",
		Status:  "CREATE_COMPLETE",
		Outputs: map[string]string{"ApiKeySecretArn": "arn:secret"},
	}}}
	r := NewReconciler(&fakeExecutions{}, st, st, Config{Secrets: fakeSecrets{}}, zerolog.Nop())

	view, err := r.Reconcile(context.Background(), Options{Now: now})
	require.NoError(t, err)
	assert.NotContains(t, view.Completed[0].Outputs, "ApiKeySecret")

	view, err = r.Reconcile(context.Background(), Options{ResolveSecrets: true, Now: now})
	require.NoError(t, err)
	assert.Equal(t, "resolved:arn:secret", view.Completed[0].Outputs["ApiKeySecret"])
}

func TestReconcile_FetchErrorIsStatusError(t *testing.T) {
	st := &fakeStacks{err: fmt.Errorf("throttled")}
	r := NewReconciler(&fakeExecutions{}, st, st, Config{}, zerolog.Nop())

	_, err := r.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeStatus))
	assert.Contains(t, err.Error(), "throttled")
}

func TestReconcile_Timeout(t *testing.T) {
	st := &fakeStacks{}
	r := NewReconciler(&fakeExecutions{block: true}, st, st, Config{Timeout: 20 * time.Millisecond}, zerolog.Nop())

	_, err := r.Reconcile(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeStatus))
	assert.Contains(t, err.Error(), "timed out")
	assert.Zero(t, st.lookups)
}

func TestIsAllowed(t *testing.T) {
	for count := 0; count < DefaultParallelLimit; count++ {
		assert.True(t, IsAllowed(count, DefaultParallelLimit), "count %d", count)
	}
	for _, count := range []int{5, 6, 100} {
		assert.False(t, IsAllowed(count, DefaultParallelLimit), "count %d", count)
	}
}

func TestGuard_Check(t *testing.T) {
	var items []pipeline.Execution
	for i := 0; i < 2; i++ {
		items = append(items, execution(fmt.Sprintf("x%d", i), "m", "t", pipeline.StatusInProgress, pipeline.StageSource, now))
	}
	items = append(items, execution("other", "n", "t", pipeline.StatusInProgress, pipeline.StageSource, now))
	execs := &fakeExecutions{items: items}
	key := names.NewKey("m", "t")

	allowed, msg, err := NewGuard(execs, 0).Check(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, msg)

	allowed, msg, err = NewGuard(execs, 2).Check(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, msg, "m/t")
	assert.Contains(t, msg, "limit 2")

	_, _, err = NewGuard(&fakeExecutions{err: fmt.Errorf("boom")}, 0).Check(context.Background(), key)
	assert.Error(t, err)
}

func TestGuard_CountsTerminalExecutions(t *testing.T) {
	var items []pipeline.Execution
	for i := 0; i < 3; i++ {
		items = append(items, execution(fmt.Sprintf("f%d", i), "m", "t", pipeline.StatusFailed, pipeline.StageBuild, now))
	}
	for i := 0; i < 2; i++ {
		items = append(items, execution(fmt.Sprintf("s%d", i), "m", "t", pipeline.StatusStopped, pipeline.StageSource, now))
	}
	execs := &fakeExecutions{items: items}

	allowed, msg, err := NewGuard(execs, 0).Check(context.Background(), names.NewKey("m", "t"))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Contains(t, msg, "5 executions")
	assert.ElementsMatch(t, FetchStatuses(false), execs.statuses[0])

	allowed, _, err = NewGuard(execs, 0).Check(context.Background(), names.NewKey("m", "other"))
	require.NoError(t, err)
	assert.True(t, allowed)
}
