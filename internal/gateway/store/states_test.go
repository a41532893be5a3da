package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

func TestSaveAndGetRunState(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	st, err := s.GetRunState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, &v1.RunState{}, st, "unreported state must be zero")

	require.NoError(t, s.SaveRunState(ctx, "r1", v1.RunState{
		WorkingDir:   "/work/r1/repo",
		LastSequence: 7,
		StdinBuffer:  "y\n",
	}))

	st, err = s.GetRunState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "/work/r1/repo", st.WorkingDir)
	assert.Equal(t, int64(7), st.LastSequence)
	assert.Equal(t, "y\n", st.StdinBuffer)

	// The working dir is mirrored onto the run row for restart/resume.
	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "/work/r1/repo", run.WorkingDir)

	// Upsert replaces in place.
	require.NoError(t, s.SaveRunState(ctx, "r1", v1.RunState{WorkingDir: "/work/r1/repo/sub", LastSequence: 12}))
	st, err = s.GetRunState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), st.LastSequence)
	assert.Equal(t, "/work/r1/repo/sub", st.WorkingDir)
}

func TestRunStateDeletedWithRun(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	require.NoError(t, s.SaveRunState(ctx, "r1", v1.RunState{LastSequence: 3}))
	require.NoError(t, s.DeleteRun(ctx, "r1"))

	st, err := s.GetRunState(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, st.LastSequence, "state must not survive run deletion")
}

func TestArtifactIndex(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	require.NoError(t, s.PutArtifact(ctx, "r1", "latest.diff", "/data/r1/latest.diff", 512))
	require.NoError(t, s.PutArtifact(ctx, "r1", "run.log", "/data/r1/run.log", 2048))

	arts, err := s.ListArtifacts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "latest.diff", arts[0].Name)
	assert.Equal(t, int64(512), arts[0].Size)

	// Re-upload replaces the index entry instead of duplicating it.
	require.NoError(t, s.PutArtifact(ctx, "r1", "latest.diff", "/data/r1/latest.diff", 768))
	arts, err = s.ListArtifacts(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, int64(768), arts[0].Size)

	path, err := s.GetArtifactPath(ctx, "r1", "run.log")
	require.NoError(t, err)
	assert.Equal(t, "/data/r1/run.log", path)

	_, err = s.GetArtifactPath(ctx, "r1", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
