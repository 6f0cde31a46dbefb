package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"specrun/internal/eventbus"
	logx "specrun/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		driver string
		file   string
	}{
		{name: "file", driver: "file", file: "history.jsonl"},
		{name: "sqlite", driver: "sqlite", file: "history.db"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "nested", tt.file)
			st, err := Open(Config{Driver: tt.driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			_, found, err := st.LastRun(ctx)
			require.NoError(t, err)
			assert.False(t, found)

			t0 := time.Date(2024, 6, 4, 10, 0, 0, 0, time.UTC)
			require.NoError(t, st.BeginRun(ctx, Run{ID: "r1", Started: t0, ConfigPath: "/etc/c.json", SimsDir: "/sims", Discovered: 3, Total: 3}))
			require.NoError(t, st.FinishRun(ctx, Summary{RunID: "r1", Finished: t0.Add(time.Hour), Completed: 3, Failed: 1}))
			require.NoError(t, st.BeginRun(ctx, Run{ID: "r2", Started: t0.Add(2 * time.Hour), ConfigPath: "/etc/c.json", SimsDir: "/sims", Discovered: 3, Total: 2}))

			require.NoError(t, st.AppendOutcome(ctx, Outcome{RunID: "r2", Seq: 0, Dir: "/sims/a", Name: "a", LatID: "1", LonID: "2", SoilID: "3",
				Outcome: "success", ExitCode: 0, Started: t0.Add(2 * time.Hour), Duration: 90 * time.Second}))
			require.NoError(t, st.AppendOutcome(ctx, Outcome{RunID: "r2", Seq: 1, Dir: "/sims/b", Name: "b", LatID: "4", LonID: "5", SoilID: "6",
				Outcome: "failure", Reason: "timeout", ExitCode: -1, Started: t0.Add(2 * time.Hour), Duration: 4 * time.Minute}))
			require.NoError(t, st.AppendOutcome(ctx, Outcome{RunID: "r1", Seq: 0, Dir: "/sims/c", Name: "c", Outcome: "success", Started: t0}))

			last, found, err := st.LastRun(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "r2", last.ID)
			assert.Equal(t, 2, last.Total)
			assert.True(t, last.Finished.IsZero())

			require.NoError(t, st.FinishRun(ctx, Summary{RunID: "r2", Finished: t0.Add(3 * time.Hour), Completed: 2, Failed: 1, Warnings: 1, Interrupted: true}))
			last, _, err = st.LastRun(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, last.Completed)
			assert.Equal(t, 1, last.Warnings)
			assert.True(t, last.Interrupted)
			assert.True(t, last.Finished.Equal(t0.Add(3*time.Hour)))

			outs, err := st.Outcomes(ctx, "r2")
			require.NoError(t, err)
			require.Len(t, outs, 2)
			assert.Equal(t, "a", outs[0].Name)
			assert.Equal(t, 90*time.Second, outs[0].Duration)
			assert.Equal(t, "timeout", outs[1].Reason)
			assert.Equal(t, -1, outs[1].ExitCode)

			require.NoError(t, st.Close())
			assert.ErrorIs(t, st.AppendOutcome(ctx, Outcome{RunID: "r2"}), ErrClosed)
		})
	}
}

type memStore struct {
	runs     []Run
	outcomes []Outcome
	sums     []Summary
}

func (m *memStore) BeginRun(_ context.Context, r Run) error { m.runs = append(m.runs, r); return nil }
func (m *memStore) AppendOutcome(_ context.Context, o Outcome) error {
	m.outcomes = append(m.outcomes, o)
	return nil
}
func (m *memStore) FinishRun(_ context.Context, s Summary) error { m.sums = append(m.sums, s); return nil }
func (m *memStore) LastRun(context.Context) (Run, bool, error)    { return Run{}, false, nil }
func (m *memStore) Outcomes(context.Context, string) ([]Outcome, error) {
	return m.outcomes, nil
}
func (m *memStore) Close() error { return nil }

func TestRecorderDrainsAfterCancel(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	store := &memStore{}
	rec := NewRecorder(store, ch, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: eventbus.RunStarted{RunID: "r", Total: 2}})
	cancel()
	bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: eventbus.JobFinished{RunID: "r", Seq: 0, Outcome: "success"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Data: eventbus.ConfigReload{RunID: "r"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: eventbus.RunFinished{RunID: "r", Completed: 1}})
	unsub()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}
	assert.Len(t, store.runs, 1)
	assert.Len(t, store.outcomes, 1)
	require.Len(t, store.sums, 1)
	assert.Equal(t, 1, store.sums[0].Completed)
	assert.Equal(t, 3, rec.Written())
}
