// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source shared by the lease tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Claims reference registered workers through the jobs foreign key.
	for _, id := range []string{"w1", "w2"} {
		_, err := s.CreateWorker(context.Background(), id, "worker "+id, WorkerRemote, "")
		require.NoError(t, err)
	}
	return s, clk
}

func mustCreate(t *testing.T, s *Store, slug string, priority int) (*Video, *TranscodingJob) {
	t.Helper()
	v, j, err := s.CreateVideoWithJob(context.Background(), NewVideo{
		Title:     "Test " + slug,
		Slug:      slug,
		SourceExt: "mp4",
		Priority:  priority,
	})
	require.NoError(t, err)
	return v, j
}

func TestCreateVideoWithJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, j := mustCreate(t, s, "first-video", PriorityNormal)
	assert.Equal(t, VideoPending, v.Status)
	assert.Equal(t, v.ID, j.VideoID)
	assert.Equal(t, StepPending, j.CurrentStep)
	assert.Equal(t, 1, j.AttemptNumber)
	assert.False(t, j.WorkerID.Valid)

	// Slug is unique across live and tombstoned videos.
	_, _, err := s.CreateVideoWithJob(ctx, NewVideo{Title: "dup", Slug: "first-video", SourceExt: "mp4"})
	assert.ErrorIs(t, err, ErrSlugTaken)

	require.NoError(t, s.SoftDeleteVideo(ctx, v.ID))
	_, _, err = s.CreateVideoWithJob(ctx, NewVideo{Title: "dup", Slug: "first-video", SourceExt: "mp4"})
	assert.ErrorIs(t, err, ErrSlugTaken)
}

func TestClaimOrdering(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "low", PriorityLow)
	clk.Advance(time.Second)
	mustCreate(t, s, "normal-old", PriorityNormal)
	clk.Advance(time.Second)
	mustCreate(t, s, "normal-new", PriorityNormal)
	clk.Advance(time.Second)
	mustCreate(t, s, "high", PriorityHigh)

	var order []string
	for {
		env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
		require.NoError(t, err)
		if env == nil {
			break
		}
		order = append(order, env.Slug)
	}
	assert.Equal(t, []string{"high", "normal-old", "normal-new", "low"}, order)
}

func TestClaimIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "solo", PriorityNormal)

	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, v.ID, env.VideoID)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoProcessing, got.Status)

	// Second claim sees nothing while the lease is live.
	env2, err := s.ClaimNext(ctx, "w2", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, env2)
}

func TestClaimExpiredLeaseIsReclaimable(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "abandoned", PriorityNormal)

	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	clk.Advance(31 * time.Minute)

	env2, err := s.ClaimNext(ctx, "w2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env2)
	assert.Equal(t, env.JobID, env2.JobID)

	// The original holder lost its lease along with the claim.
	_, err = s.Progress(ctx, env.JobID, "w1", StepTranscode, 10, 30*time.Minute)
	assert.ErrorIs(t, err, ErrClaimConflict)
}

func TestClaimByID(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, j := mustCreate(t, s, "targeted", PriorityHigh)

	env, err := s.ClaimByID(ctx, j.ID, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, j.ID, env.JobID)

	// A second targeted claim on a held job yields nothing.
	env2, err := s.ClaimByID(ctx, j.ID, "w2", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, env2)
}

func TestProgressExtendsLease(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "progressing", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	clk.Advance(20 * time.Minute)
	expires, err := s.Progress(ctx, env.JobID, "w1", StepTranscode, 42.5, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(30*time.Minute), expires.UTC())

	j, err := s.GetJob(ctx, env.JobID)
	require.NoError(t, err)
	assert.Equal(t, StepTranscode, j.CurrentStep)
	assert.InDelta(t, 42.5, j.ProgressPercent, 0.001)

	// Wrong worker gets a conflict, state untouched.
	_, err = s.Progress(ctx, env.JobID, "w2", StepFinalize, 99, 30*time.Minute)
	assert.ErrorIs(t, err, ErrClaimConflict)
}

func TestCompletePublishesAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "done", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	qualities := []CompletedQuality{
		{Quality: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
		{Quality: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
	}
	require.NoError(t, s.Complete(ctx, env.JobID, "w1", qualities, 120.5, 1920, 1080))

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoReady, got.Status)
	assert.True(t, got.PublishedAt.Valid)
	assert.InDelta(t, 120.5, got.Duration.Float64, 0.001)

	vq, err := s.VideoQualities(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, vq, 2)
	assert.Equal(t, "1080p", vq[0].Quality) // height DESC

	j, err := s.GetJob(ctx, env.JobID)
	require.NoError(t, err)
	assert.True(t, j.CompletedAt.Valid)
	assert.False(t, j.WorkerID.Valid)

	// Reporting twice is a conflict, not a double publish.
	err = s.Complete(ctx, env.JobID, "w1", qualities, 120.5, 1920, 1080)
	assert.ErrorIs(t, err, ErrClaimConflict)
}

func TestFailRetriesThenFailsPermanently(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "flaky", PriorityNormal)

	// Attempts 1 and 2 retry; attempt 3 exhausts the budget.
	for attempt := 1; attempt <= 3; attempt++ {
		env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, attempt, env.AttemptNumber)

		res, err := s.Fail(ctx, env.JobID, "w1", "encoder exploded", true)
		require.NoError(t, err)
		if attempt < 3 {
			assert.True(t, res.WillRetry)
			assert.Equal(t, attempt+1, res.AttemptNumber)
		} else {
			assert.False(t, res.WillRetry)
		}
	}

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoFailed, got.Status)
	assert.Equal(t, "encoder exploded", got.ErrorMessage.String)

	j, err := s.GetJobByVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, j.CompletedAt.Valid)
	// The error log keeps every attempt's report.
	assert.Contains(t, j.LastError.String, "encoder exploded\nencoder exploded")
}

func TestFailNonRetryable(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "corrupt", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	res, err := s.Fail(ctx, env.JobID, "w1", "unreadable container", false)
	require.NoError(t, err)
	assert.False(t, res.WillRetry)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoFailed, got.Status)
}

func TestRetryResumesUploadedQualities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "halfway", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Empty(t, env.ExistingQualities)

	// 720p made it through upload before the attempt died.
	require.NoError(t, s.MarkQualityUploaded(ctx, env.JobID, "720p"))
	res, err := s.Fail(ctx, env.JobID, "w1", "encoder exploded", true)
	require.NoError(t, err)
	require.True(t, res.WillRetry)

	env2, err := s.ClaimNext(ctx, "w2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env2)
	assert.Equal(t, []string{"720p"}, env2.ExistingQualities)
	assert.Equal(t, []string{"720p"}, env2.ResumedQualities)
}

func TestRetryWithoutKeepCompletedStartsFresh(t *testing.T) {
	s, _ := newTestStore(t, WithKeepCompletedQualities(false))
	ctx := context.Background()

	mustCreate(t, s, "scratch", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	require.NoError(t, s.MarkQualityUploaded(ctx, env.JobID, "720p"))
	res, err := s.Fail(ctx, env.JobID, "w1", "encoder exploded", true)
	require.NoError(t, err)
	require.True(t, res.WillRetry)

	// The per-variant rows went with the attempt.
	progress, err := s.ListQualityProgress(ctx, env.JobID)
	require.NoError(t, err)
	assert.Empty(t, progress)

	env2, err := s.ClaimNext(ctx, "w2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env2)
	assert.Empty(t, env2.ExistingQualities)
	assert.Empty(t, env2.ResumedQualities)
}

func TestRecoverStaleClaims(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "stale-retry", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	clk.Advance(31 * time.Minute)

	recovered, err := s.RecoverStaleClaims(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, env.JobID, recovered[0].JobID)
	assert.False(t, recovered[0].Exhausted)

	// The job went back to pending with a bumped attempt.
	env2, err := s.ClaimNext(ctx, "w2", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env2)
	assert.Equal(t, 2, env2.AttemptNumber)
}

func TestRecoverStaleClaimsExhausted(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	v, j := mustCreate(t, s, "stale-dead", PriorityNormal)
	_, err := s.DB().ExecContext(ctx,
		`UPDATE transcoding_jobs SET attempt_number = 3 WHERE id = ?`, j.ID)
	require.NoError(t, err)

	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	clk.Advance(31 * time.Minute)

	recovered, err := s.RecoverStaleClaims(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.True(t, recovered[0].Exhausted)

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, VideoFailed, got.Status)
}

func TestReenqueueVideoKeepsQualities(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "redo", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Empty(t, env.ExistingQualities)

	require.NoError(t, s.Complete(ctx, env.JobID, "w1", []CompletedQuality{
		{Quality: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
	}, 60, 1280, 720))

	require.NoError(t, s.ReenqueueVideo(ctx, v.ID, PriorityHigh))

	env2, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env2)
	assert.Equal(t, 1, env2.AttemptNumber)
	assert.Equal(t, []string{"720p"}, env2.ExistingQualities)
}

func TestSoftDeleteRestorePermanent(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "lifecycle", PriorityNormal)

	require.NoError(t, s.SoftDeleteVideo(ctx, v.ID))
	_, err := s.GetVideoBySlug(ctx, "lifecycle")
	assert.ErrorIs(t, err, ErrNotFound)

	// Tombstoned videos are invisible to the claim path.
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, env)

	require.NoError(t, s.RestoreVideo(ctx, v.ID))
	_, err = s.GetVideoBySlug(ctx, "lifecycle")
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteVideo(ctx, v.ID))
	clk.Advance(31 * 24 * time.Hour)
	expired, err := s.ListExpiredArchived(ctx, clk.Now().Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, s.DeleteVideoPermanent(ctx, v.ID))
	_, err = s.GetVideo(ctx, v.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetJobByVideo(ctx, v.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPatchSourceMetaIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	v, _ := mustCreate(t, s, "probed", PriorityNormal)

	d1 := 100.0
	w1, h1 := 1920, 1080
	require.NoError(t, s.PatchSourceMeta(ctx, v.ID, &d1, &w1, &h1))

	d2 := 999.0
	require.NoError(t, s.PatchSourceMeta(ctx, v.ID, &d2, nil, nil))

	got, err := s.GetVideo(ctx, v.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, got.Duration.Float64, 0.001)
	assert.EqualValues(t, 1920, got.SourceWidth.Int64)
}

func TestQualityProgressUpsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, s, "variants", PriorityNormal)
	env, err := s.ClaimNext(ctx, "w1", 30*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, env)

	require.NoError(t, s.UpsertQualityProgress(ctx, env.JobID, "720p", QualityInProgress, 30, ""))
	require.NoError(t, s.UpsertQualityProgress(ctx, env.JobID, "720p", QualityUploaded, 100, ""))
	require.NoError(t, s.UpsertQualityProgress(ctx, env.JobID, "480p", QualityFailed, 10, "encode aborted"))

	rows, err := s.ListQualityProgress(ctx, env.JobID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	uploaded, err := s.UploadedQualities(ctx, env.JobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"720p"}, uploaded)
}

func TestErrorTruncation(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, Truncate(string(long), 500), 500)
	assert.Equal(t, "short", Truncate("short", 500))
}
