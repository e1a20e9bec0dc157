package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/storage"
)

func recorders(t *testing.T) map[string]Recorder {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]Recorder{
		"memory": NewMemoryRecorder(),
		"sqlite": NewSQLiteRecorder(db),
	}
}

func TestRecorderLifecycle(t *testing.T) {
	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := rec.Begin(ctx, Record{
				ProjectID:     "p1",
				Tool:          "write_file",
				Params:        json.RawMessage(`{"path":"index.html"}`),
				ResolvedPaths: []string{"/ws/p1/index.html"},
			})
			require.NoError(t, err)
			assert.NotEmpty(t, first.ID)
			assert.Equal(t, OutcomePending, first.Outcome)

			second, err := rec.Begin(ctx, Record{ProjectID: "p1", Tool: "run_command"})
			require.NoError(t, err)
			_, err = rec.Begin(ctx, Record{ProjectID: "p2", Tool: "read_file"})
			require.NoError(t, err)

			require.NoError(t, rec.Finish(ctx, first.ID, Result{Outcome: OutcomeSuccess, Digest: "abc"}))
			require.NoError(t, rec.Finish(ctx, second.ID, Result{
				Outcome: OutcomeFailure, ErrorKind: apperr.KindDenied, Reason: "command \"rm\" is not allowed",
			}))

			// Finished records are read-only.
			require.Error(t, rec.Finish(ctx, first.ID, Result{Outcome: OutcomeFailure}))

			list, err := rec.List(ctx, "p1")
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, first.ID, list[0].ID)
			assert.Equal(t, OutcomeSuccess, list[0].Outcome)
			assert.Equal(t, "abc", list[0].Digest)
			assert.Equal(t, []string{"/ws/p1/index.html"}, list[0].ResolvedPaths)
			assert.JSONEq(t, `{"path":"index.html"}`, string(list[0].Params))
			assert.False(t, list[0].FinishedAt.IsZero())
			assert.Equal(t, apperr.KindDenied, list[1].ErrorKind)

			require.NoError(t, rec.Purge(ctx, "p1"))
			list, err = rec.List(ctx, "p1")
			require.NoError(t, err)
			assert.Empty(t, list)

			other, err := rec.List(ctx, "p2")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestIDsFollowIssuanceOrder(t *testing.T) {
	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []string
			for i := 0; i < 100; i++ {
				r, err := rec.Begin(ctx, Record{ProjectID: "p", Tool: "read_file"})
				require.NoError(t, err)
				ids = append(ids, r.ID)
			}
			assert.True(t, sort.StringsAreSorted(ids))

			list, err := rec.List(ctx, "p")
			require.NoError(t, err)
			require.Len(t, list, 100)
			for i := range list {
				assert.Equal(t, ids[i], list[i].ID)
			}
		})
	}
}
