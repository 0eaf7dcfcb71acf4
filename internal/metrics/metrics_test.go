package metrics

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/uber-go/tally/v4"
)

func TestSnapshotReadsCounters(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	scope.Counter(DroppedWrites).Inc(2)
	scope.Counter(TransfersCompleted).Inc(1)

	snap := Snapshot(scope)
	assert.Equal(t, int64(2), snap[DroppedWrites])
	assert.Equal(t, int64(1), snap[TransfersCompleted])
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, Noop, OrNoop(nil))

	scope := tally.NewTestScope("", nil)
	assert.Equal(t, scope, OrNoop(scope))
}

func TestLogReporterLogsCounterDeltas(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	std := logrus.StandardLogger()
	out, level := std.Out, std.GetLevel()
	std.SetOutput(io.Discard)
	std.SetLevel(logrus.DebugLevel)
	std.AddHook(hook)
	t.Cleanup(func() {
		std.SetOutput(out)
		std.SetLevel(level)
		std.ReplaceHooks(make(logrus.LevelHooks))
	})

	r := LogReporter{}
	r.ReportCounter(Connections, nil, 0)
	assert.Empty(t, hook.AllEntries())

	r.ReportCounter(Connections, nil, 3)
	entry := hook.LastEntry()
	if assert.NotNil(t, entry) {
		assert.Equal(t, Connections, entry.Data["counter"])
		assert.Equal(t, int64(3), entry.Data["delta"])
	}
	assert.True(t, r.Capabilities().Reporting())
	assert.False(t, r.Capabilities().Tagging())
}
