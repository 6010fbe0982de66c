package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vincentbai/sessiontrace/internal/models"
)

func TestLifecycleTransitions(t *testing.T) {
	tracking := Lifecycle{Phase: PhaseTracking, Path: "/a", EnteredAt: epoch, MaxScroll: 12}
	ended := Lifecycle{Phase: PhaseEnded, Path: "/a"}
	later := epoch.Add(2 * time.Second)

	tests := []struct {
		name      string
		transit   func() Transition
		from      Lifecycle
		wantPhase Phase
		wantPath  string
		wantEmit  []string
		wantClose bool
	}{
		{
			name:      "init from idle",
			from:      Lifecycle{},
			transit:   func() Transition { return Lifecycle{}.Init("/a", epoch) },
			wantPhase: PhaseTracking,
			wantPath:  "/a",
			wantEmit:  []string{models.EventPageView},
		},
		{
			name:      "init while tracking",
			from:      tracking,
			transit:   func() Transition { return tracking.Init("/x", later) },
			wantPhase: PhaseTracking,
			wantPath:  "/a",
		},
		{
			name:      "navigate to new path",
			from:      tracking,
			transit:   func() Transition { return tracking.Navigate("/b", later) },
			wantPhase: PhaseTracking,
			wantPath:  "/b",
			wantEmit:  []string{models.EventPageExit, models.EventPageView},
			wantClose: true,
		},
		{
			name:      "navigate to same path",
			from:      tracking,
			transit:   func() Transition { return tracking.Navigate("/a", later) },
			wantPhase: PhaseTracking,
			wantPath:  "/a",
		},
		{
			name:      "navigate from idle",
			from:      Lifecycle{},
			transit:   func() Transition { return Lifecycle{}.Navigate("/b", later) },
			wantPhase: PhaseIdle,
		},
		{
			name:      "finalize",
			from:      tracking,
			transit:   func() Transition { return tracking.Finalize(later) },
			wantPhase: PhaseTracking,
			wantPath:  "/a",
			wantClose: true,
		},
		{
			name:      "end",
			from:      tracking,
			transit:   func() Transition { return tracking.End(epoch, later) },
			wantPhase: PhaseEnded,
			wantPath:  "/a",
			wantEmit:  []string{models.EventSessionEnd},
			wantClose: true,
		},
		{
			name:      "end twice",
			from:      ended,
			transit:   func() Transition { return ended.End(epoch, later) },
			wantPhase: PhaseEnded,
			wantPath:  "/a",
		},
		{
			name:      "navigate after end",
			from:      ended,
			transit:   func() Transition { return ended.Navigate("/b", later) },
			wantPhase: PhaseEnded,
			wantPath:  "/a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := tt.transit()
			assert.Equal(t, tt.wantPhase, tr.Next.Phase)
			assert.Equal(t, tt.wantPath, tr.Next.Path)
			var emitted []string
			for _, e := range tr.Emit {
				emitted = append(emitted, e.Type)
			}
			assert.Equal(t, tt.wantEmit, emitted)
			assert.Equal(t, tt.wantClose, tr.Close != nil)
		})
	}
}

func TestNavigateClosesWithElapsedDuration(t *testing.T) {
	l := Lifecycle{Phase: PhaseTracking, Path: "/a", EnteredAt: epoch, MaxScroll: 70}
	tr := l.Navigate("/b", epoch.Add(750*time.Millisecond))

	assert.Equal(t, &PageClose{Path: "/a", Duration: 750 * time.Millisecond}, tr.Close)
	assert.True(t, tr.ResetDedup)
	assert.Equal(t, 0, tr.Next.MaxScroll)
	assert.Equal(t, 70, tr.Emit[0].Data["maxScroll"])
}

func TestScrollTransition(t *testing.T) {
	l := Lifecycle{Phase: PhaseTracking, Path: "/a", MaxScroll: 20}

	assert.Equal(t, 35, l.Scroll(35).Next.MaxScroll)
	assert.False(t, l.Scroll(20).Changed(l))
	assert.False(t, Lifecycle{}.Scroll(90).Changed(Lifecycle{}))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "tracking", PhaseTracking.String())
	assert.Equal(t, "ended", PhaseEnded.String())
}
