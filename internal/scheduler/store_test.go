package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func pastJob(name string) *Job {
	past := time.Now().Add(-time.Minute)
	return &Job{
		Name:          name,
		SchedKind:     KindEvery,
		EverySeconds:  300,
		Message:       "check the build",
		Enabled:       true,
		CreatorUserID: 42,
		CreatorName:   "alice",
		NextRunAt:     &past,
	}
}

func TestDueJobsSelection(t *testing.T) {
	st := openTestStore(t)
	now := time.Now()

	require.NoError(t, st.CreateJob(pastJob("due")))

	future := now.Add(time.Hour)
	notYet := pastJob("future")
	notYet.NextRunAt = &future
	require.NoError(t, st.CreateJob(notYet))

	disabled := pastJob("disabled")
	disabled.Enabled = false
	require.NoError(t, st.CreateJob(disabled))

	due, err := st.DueJobs(now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Name)
}

func TestRunningJobNotDueAgain(t *testing.T) {
	st := openTestStore(t)
	j := pastJob("slow")
	require.NoError(t, st.CreateJob(j))
	require.NoError(t, st.MarkRunning(j.ID, time.Now()))

	due, err := st.DueJobs(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestResetStuckFailsOldRuns(t *testing.T) {
	st := openTestStore(t)
	j := pastJob("hung")
	require.NoError(t, st.CreateJob(j))
	require.NoError(t, st.MarkRunning(j.ID, time.Now().Add(-3*time.Hour)))

	n, err := st.ResetStuck(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.GetJob(j.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RunningAt)
	assert.Equal(t, "failed", got.LastStatus)
	assert.Equal(t, 1, got.ConsecutiveErrors)

	due, err := st.DueJobs(time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestFinishRunOutcomeAndHistory(t *testing.T) {
	st := openTestStore(t)
	j := pastJob("flaky")
	require.NoError(t, st.CreateJob(j))

	started := time.Now()
	next := started.Add(5 * time.Minute)
	require.NoError(t, st.FinishRun(j.ID, started, "failed", "window gone", &next, false))
	require.NoError(t, st.FinishRun(j.ID, started, "failed", "window gone", &next, false))

	got, err := st.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveErrors)
	assert.Equal(t, "window gone", got.LastError)

	require.NoError(t, st.FinishRun(j.ID, started, "ok", "", &next, false))
	got, err = st.GetJob(j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ConsecutiveErrors)
	assert.Equal(t, "ok", got.LastStatus)

	rows, err := st.History(j.ID, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestFinishRunDisables(t *testing.T) {
	st := openTestStore(t)
	j := pastJob("once")
	j.SchedKind = KindAt
	j.AtISO = time.Now().Add(-time.Minute).Format(time.RFC3339)
	require.NoError(t, st.CreateJob(j))

	require.NoError(t, st.FinishRun(j.ID, time.Now(), "ok", "", nil, true))
	got, err := st.GetJob(j.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestSystemJobDeleteProtection(t *testing.T) {
	st := openTestStore(t)
	j := pastJob("keeper")
	j.System = true
	require.NoError(t, st.CreateJob(j))

	assert.Error(t, st.DeleteJob(j.ID, false))
	assert.NoError(t, st.DeleteJob(j.ID, true))
}

func TestMetaRoundTrip(t *testing.T) {
	st := openTestStore(t)

	v, err := st.GetMeta("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, st.SetMeta("k", "v1"))
	require.NoError(t, st.SetMeta("k", "v2"))
	v, err = st.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, st.SetMetaBatch(map[string]string{"a": "1", "b": "2"}))
	v, _ = st.GetMeta("a")
	assert.Equal(t, "1", v)
}
