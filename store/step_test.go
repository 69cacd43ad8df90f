package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pgregory.net/rapid"

	"github.com/BaSui01/stepflow/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store_test.db?_pragma=busy_timeout(10000)")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&types.Workflow{}, &types.WorkflowStep{}, &types.AgentRun{}))
	return db
}

func seedWorkflow(t *testing.T, db *gorm.DB, status types.WorkflowStatus) *types.Workflow {
	t.Helper()
	w := &types.Workflow{ProjectID: "proj-1", Kind: "refactor", Status: status}
	require.NoError(t, NewWorkflowStore(db).Create(context.Background(), w))
	if status != types.WorkflowPending {
		require.NoError(t, db.Model(w).Update("status", status).Error)
	}
	return w
}

func TestStepStore_InsertStepsPreservesSequence(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{
		{TaskID: "t1", Data: types.JSONMap{"title": "first"}},
		{TaskID: "t2", Data: types.JSONMap{"title": "second"}},
		{TaskID: "t3", Data: types.JSONMap{"title": "third"}},
	}))

	listed, err := steps.ListByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, step := range listed {
		assert.Equal(t, i, step.Sequence)
		assert.Equal(t, types.StepPending, step.Status)
		assert.NotEmpty(t, step.ID)
	}
	assert.Equal(t, "first", listed[0].Title())
	assert.Equal(t, "third", listed[2].Title())
}

func TestStepStore_InsertStepsAllOrNothing(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	// A duplicate primary key in the batch must roll back every row.
	err := steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{
		{ID: "dup"},
		{ID: "other"},
		{ID: "dup"},
	})
	require.Error(t, err)

	listed, err := steps.ListByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestStepStore_FindReadyRespectsDependencies(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	a := &types.WorkflowStep{ID: "a"}
	b := &types.WorkflowStep{ID: "b", DependsOn: types.StringList{"a"}}
	c := &types.WorkflowStep{ID: "c", DependsOn: types.StringList{"a"}}
	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{a, b, c}))

	ready, err := steps.FindReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	// Complete A; both siblings become ready in the same poll.
	claimed, err := steps.Claim(ctx, "a")
	require.NoError(t, err)
	require.True(t, claimed)
	completed := types.StepCompleted
	_, err = steps.Update(ctx, "a", StepPatch{Status: &completed})
	require.NoError(t, err)

	ready, err = steps.FindReady(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)
}

func TestStepStore_FindReadySkipsNonRunningWorkflows(t *testing.T) {
	db := openTestDB(t)
	steps := NewStepStore(db)
	ctx := context.Background()

	for _, status := range []types.WorkflowStatus{
		types.WorkflowPending,
		types.WorkflowPaused,
		types.WorkflowCancelled,
	} {
		w := seedWorkflow(t, db, status)
		require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{}}))
	}

	ready, err := steps.FindReady(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ready, "paused and cancelled workflows stay quiescent")
}

func TestStepStore_FindReadyHonorsLimit(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{}, {}, {}, {}}))

	ready, err := steps.FindReady(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ready, 2)
}

func TestStepStore_ClaimExclusivity(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{ID: "contested"}}))

	const racers = 16
	var wg sync.WaitGroup
	results := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := steps.Claim(ctx, "contested")
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one claim succeeds")

	step, err := steps.Get(ctx, "contested")
	require.NoError(t, err)
	assert.Equal(t, types.StepRunning, step.Status)
	assert.NotNil(t, step.ReadyAt)
}

func TestStepStore_ClaimOnlyPending(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{ID: "s"}}))
	ok, err := steps.Claim(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = steps.Claim(ctx, "s")
	require.NoError(t, err)
	assert.False(t, ok, "a running step cannot be claimed again")
}

func TestStepStore_UpdateMergesResult(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{ID: "s"}}))

	_, err := steps.Update(ctx, "s", StepPatch{Result: types.JSONMap{"commit": "abc123"}})
	require.NoError(t, err)
	failed := types.StepFailed
	updated, err := steps.Update(ctx, "s", StepPatch{
		Status: &failed,
		Result: types.JSONMap{"reason": "verifier rejected"},
	})
	require.NoError(t, err)

	assert.Equal(t, types.StepFailed, updated.Status)
	assert.Equal(t, "abc123", updated.Result["commit"])
	assert.Equal(t, "verifier rejected", updated.Result["reason"])
}

func TestStepStore_RemoteCompletionRace(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{ID: "s"}}))
	ok, err := steps.Claim(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, steps.DispatchRemote(ctx, "s", "runner-1"))
	step, err := steps.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, 1, step.RunnerAttempts)

	// A callback from a runner instance the scheduler no longer recognizes
	// must not mutate the step.
	applied, err := steps.CompleteRemote(ctx, "s", "runner-0", types.StepCompleted, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = steps.CompleteRemote(ctx, "s", "runner-1", types.StepCompleted, types.JSONMap{"logsPath": "/logs/1"})
	require.NoError(t, err)
	assert.True(t, applied)

	// A late duplicate callback finds the step no longer running.
	applied, err = steps.CompleteRemote(ctx, "s", "runner-1", types.StepFailed, nil)
	require.NoError(t, err)
	assert.False(t, applied)

	step, err = steps.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, step.Status)
	assert.Equal(t, "/logs/1", step.Result["logsPath"])
}

func TestStepStore_FindStaleRemote(t *testing.T) {
	db := openTestDB(t)
	w := seedWorkflow(t, db, types.WorkflowRunning)
	steps := NewStepStore(db)
	ctx := context.Background()

	require.NoError(t, steps.InsertSteps(ctx, w.ID, []*types.WorkflowStep{{ID: "stale"}, {ID: "fresh"}}))
	for _, id := range []string{"stale", "fresh"} {
		ok, err := steps.Claim(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, steps.DispatchRemote(ctx, id, "runner-"+id))
	}

	old := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Model(&types.WorkflowStep{}).
		Where("id = ?", "stale").
		Update("updated_at", old).Error)

	found, err := steps.FindStaleRemote(ctx, 10*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "stale", found[0].ID)
}

func TestProperty_FindReadyReadinessInvariant(t *testing.T) {
	outer := t
	rapid.Check(t, func(t *rapid.T) {
		db := openTestDB(outer)
		steps := NewStepStore(db)
		ctx := context.Background()

		w := &types.Workflow{ProjectID: "p", Status: types.WorkflowPending}
		require.NoError(t, NewWorkflowStore(db).Create(ctx, w))
		require.NoError(t, db.Model(w).Update("status", types.WorkflowRunning).Error)

		n := rapid.IntRange(1, 8).Draw(t, "n")
		statuses := []types.StepStatus{
			types.StepPending, types.StepRunning,
			types.StepCompleted, types.StepFailed, types.StepSkipped,
		}

		batch := make([]*types.WorkflowStep, n)
		chosen := make(map[string]types.StepStatus, n)
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("s%d", i)
			// Dependencies only point at earlier steps, so every generated
			// graph is a DAG.
			var deps types.StringList
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("dep_%d_%d", i, j)) {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			batch[i] = &types.WorkflowStep{ID: id, DependsOn: deps}
			chosen[id] = rapid.SampledFrom(statuses).Draw(t, fmt.Sprintf("status_%d", i))
		}
		require.NoError(t, steps.InsertSteps(ctx, w.ID, batch))
		for id, status := range chosen {
			if status != types.StepPending {
				require.NoError(t, db.Model(&types.WorkflowStep{}).
					Where("id = ?", id).
					Update("status", status).Error)
			}
		}

		ready, err := steps.FindReady(ctx, 0)
		require.NoError(t, err)
		for _, step := range ready {
			require.Equal(t, types.StepPending, chosen[step.ID])
			for _, dep := range step.DependsOn {
				require.Equal(t, types.StepCompleted, chosen[dep],
					"step %s surfaced with unmet dependency %s", step.ID, dep)
			}
		}
	})
}
