package task

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask_Defaults(t *testing.T) {
	t.Parallel()

	tk := newTask("web-1", "uptime", time.Minute, 0)

	assert.Equal(t, StatusPending, tk.Status)
	assert.Equal(t, -1, tk.ExitCode)
	assert.Equal(t, "web-1", tk.Target)
	assert.Equal(t, "uptime", tk.Command)
	assert.False(t, tk.CreatedAt.IsZero())
	assert.False(t, tk.IsTerminal())
}

func TestTask_SetStatus_ClosesDoneOnce(t *testing.T) {
	t.Parallel()

	tk := newTask("web-1", "uptime", time.Minute, 0)
	tk.SetStatus(StatusRunning)
	assert.False(t, tk.StartedAt.IsZero())

	select {
	case <-tk.Done():
		t.Fatal("done closed while running")
	default:
	}

	tk.SetStatus(StatusCompleted)
	require.NotPanics(t, func() { tk.SetStatus(StatusFailed) })

	select {
	case <-tk.Done():
	default:
		t.Fatal("done not closed after terminal status")
	}
	assert.True(t, tk.IsTerminal())
	assert.False(t, tk.CompletedAt.IsZero())
}

func TestTask_BindID_KeepsFirst(t *testing.T) {
	t.Parallel()

	tk := newTask("web-1", "uptime", time.Minute, 0)
	tk.bindID("ssh-1")
	tk.bindID("ssh-2")
	assert.Equal(t, "ssh-1", tk.Snapshot().ID)

	tk.setID("ssh-3")
	assert.Equal(t, "ssh-3", tk.Snapshot().ID)
}

func TestTask_AppendOutput_Bounded(t *testing.T) {
	t.Parallel()

	tk := newTask("web-1", "yes", time.Minute, 10)
	tk.AppendOutput("0123456789")
	tk.AppendOutput("abcde")

	assert.Equal(t, "56789abcde", tk.Output())
	assert.Equal(t, 15, tk.OutputTotalBytes())

	snap := tk.Snapshot()
	assert.True(t, snap.Truncated())
	assert.Equal(t, 2, snap.Chunks)
}

func TestTask_AppendOutput_Unbounded(t *testing.T) {
	t.Parallel()

	tk := newTask("web-1", "yes", time.Minute, 0)
	tk.AppendOutput(strings.Repeat("x", 4096))

	assert.Len(t, tk.Output(), 4096)
	assert.False(t, tk.Snapshot().Truncated())
}

func TestTaskSnapshot_Duration(t *testing.T) {
	t.Parallel()

	start := time.Now().Add(-90 * time.Second)
	snap := TaskSnapshot{StartedAt: start, CompletedAt: start.Add(65 * time.Second)}
	assert.Equal(t, 65*time.Second, snap.Duration())
	assert.Equal(t, "1m 5s", snap.FormatDuration())

	assert.Equal(t, time.Duration(0), TaskSnapshot{}.Duration())
	assert.Equal(t, "< 1s", TaskSnapshot{}.FormatDuration())

	short := TaskSnapshot{StartedAt: start, CompletedAt: start.Add(12 * time.Second)}
	assert.Equal(t, "12s", short.FormatDuration())
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusCompleted, statusFor(StateCompleted))
	assert.Equal(t, StatusFailed, statusFor(StateFailed))
	assert.Equal(t, StatusCancelled, statusFor(StateCancelled))
	assert.Equal(t, StatusRunning, statusFor(StateStarted))
}

func TestLastLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "three", lastLine("one\ntwo\nthree\n"))
	assert.Equal(t, "", lastLine("\n"))
	long := lastLine(strings.Repeat("y", 300))
	assert.Len(t, long, 203)
	assert.True(t, strings.HasSuffix(long, "..."))

	// Byte 200 falls inside a two-byte rune.
	accented := lastLine("a" + strings.Repeat("é", 150))
	assert.True(t, utf8.ValidString(accented))
	assert.Equal(t, "a"+strings.Repeat("é", 99)+"...", accented)
}
