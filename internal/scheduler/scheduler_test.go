package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsEnabledTasks(t *testing.T) {
	var runs, fails atomic.Int32
	s, err := Start(context.Background(), []Task{
		{Name: "sync", Every: 50 * time.Millisecond, Run: func(context.Context) error { runs.Add(1); return nil }},
		{Name: "gc", Every: 50 * time.Millisecond, Run: func(context.Context) error { fails.Add(1); return errors.New("boom") }},
		{Name: "disabled", Run: func(context.Context) error { t.Error("disabled task ran"); return nil }},
	}, zerolog.Nop())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sync", "gc"}, s.Jobs())
	require.Eventually(t, func() bool { return runs.Load() >= 2 && fails.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
}
