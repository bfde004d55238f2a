package execution

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macro-sleeve-engine/pkg/types"
)

func sampleIntents() []types.OrderIntent {
	return []types.OrderIntent{
		{InstrumentID: "ETF_A", Side: types.Buy, Quantity: 100, Sleeve: "core"},
	}
}

func TestJobStoreCreateIfNotExistsIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenJobStore(filepath.Join(dir, "execution_jobs.json"))
	require.NoError(t, err)

	now := time.Now()
	job1, err := store.CreateIfNotExists("2026-07-31", VenueUS, StyleMidday, sampleIntents(), now, now.Add(time.Hour), now)
	require.NoError(t, err)

	job2, err := store.CreateIfNotExists("2026-07-31", VenueUS, StyleMidday, sampleIntents(), now, now.Add(time.Hour), now)
	require.NoError(t, err)

	assert.Equal(t, job1.JobID, job2.JobID)
}

func TestJobStoreGenerateJobIDDeterministic(t *testing.T) {
	intents := sampleIntents()
	id1 := GenerateJobID("2026-07-31", VenueUS, StyleMidday, intents)
	id2 := GenerateJobID("2026-07-31", VenueUS, StyleMidday, intents)
	assert.Equal(t, id1, id2)

	differentDate := GenerateJobID("2026-08-01", VenueUS, StyleMidday, intents)
	assert.NotEqual(t, id1, differentDate)
}

func TestJobStoreMarkStatusStampsTimestamps(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenJobStore(filepath.Join(dir, "execution_jobs.json"))
	require.NoError(t, err)

	now := time.Now()
	job, err := store.CreateIfNotExists("2026-07-31", VenueUS, StyleMidday, sampleIntents(), now, now.Add(time.Hour), now)
	require.NoError(t, err)

	require.NoError(t, store.MarkStatus(job.JobID, JobSubmitted, "", now))
	submitted, ok := store.Get(job.JobID)
	require.True(t, ok)
	assert.NotNil(t, submitted.StartedAt)
	assert.Nil(t, submitted.CompletedAt)

	require.NoError(t, store.MarkStatus(job.JobID, JobDone, "", now.Add(time.Minute)))
	done, ok := store.Get(job.JobID)
	require.True(t, ok)
	assert.NotNil(t, done.CompletedAt)
}

func TestJobStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execution_jobs.json")

	store, err := OpenJobStore(path)
	require.NoError(t, err)
	now := time.Now()
	job, err := store.CreateIfNotExists("2026-07-31", VenueUS, StyleMidday, sampleIntents(), now, now.Add(time.Hour), now)
	require.NoError(t, err)

	reopened, err := OpenJobStore(path)
	require.NoError(t, err)
	loaded, ok := reopened.Get(job.JobID)
	require.True(t, ok)
	assert.Equal(t, job.JobID, loaded.JobID)
	assert.Len(t, loaded.Intents, 1)
}

func TestJobStoreExecutableFiltersByWindow(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenJobStore(filepath.Join(dir, "execution_jobs.json"))
	require.NoError(t, err)

	now := time.Now()
	_, err = store.CreateIfNotExists("2026-07-31", VenueUS, StyleMidday, sampleIntents(), now.Add(time.Hour), now.Add(2*time.Hour), now)
	require.NoError(t, err)

	assert.Empty(t, store.Executable(now))
	assert.NotEmpty(t, store.Executable(now.Add(90*time.Minute)))
}

func TestJobStoreCleanupOlderThanRemovesTerminalPastJobs(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenJobStore(filepath.Join(dir, "execution_jobs.json"))
	require.NoError(t, err)

	now := time.Now()
	job, err := store.CreateIfNotExists("2026-01-01", VenueUS, StyleMidday, sampleIntents(), now, now.Add(time.Hour), now)
	require.NoError(t, err)
	require.NoError(t, store.MarkStatus(job.JobID, JobDone, "", now))

	removed, err := store.CleanupOlderThan("2026-07-01")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := store.Get(job.JobID)
	assert.False(t, ok)
}
