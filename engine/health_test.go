package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingActions captures recovery invocations in order.
type recordingActions struct {
	mu      sync.Mutex
	actions []string
}

func (ra *recordingActions) record(kind, workerID string) bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.actions = append(ra.actions, kind+":"+workerID)
	return true
}

func (ra *recordingActions) RestartWorker(id string) bool   { return ra.record("restart", id) }
func (ra *recordingActions) ReassignTasks(id string) bool   { return ra.record("reassign", id) }
func (ra *recordingActions) TerminateWorker(id string) bool { return ra.record("terminate", id) }

func (ra *recordingActions) taken() []string {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return append([]string(nil), ra.actions...)
}

func newTestHealthMonitor(clock Clock) (*HealthMonitor, *recordingActions) {
	actions := &recordingActions{}
	hm := NewHealthMonitor(HealthMonitorConfig{
		HeartbeatTimeout: 90 * time.Second,
		ErrorThreshold:   5,
		Clock:            clock,
	}, actions)
	return hm, actions
}

func TestHeartbeatKeepsWorkerHealthy(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		hm.Heartbeat("worker-1")
		hm.CheckHealth()
	}

	records := hm.Records()
	require.Len(t, records, 1)
	assert.Equal(t, HealthHealthy, records[0].State)
	assert.Empty(t, actions.taken())
}

func TestSilenceDegradesThenEscalates(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")

	// Half the window: degraded, no action yet.
	clock.Advance(50 * time.Second)
	records := hm.CheckHealth()
	require.Len(t, records, 1)
	assert.Equal(t, HealthDegraded, records[0].State)
	assert.Empty(t, actions.taken())

	// Past the window: the ladder walks restart, reassign, terminate.
	clock.Advance(50 * time.Second)
	hm.CheckHealth()
	hm.CheckHealth()
	hm.CheckHealth()

	assert.Equal(t, []string{
		"restart:worker-1",
		"reassign:worker-1",
		"terminate:worker-1",
	}, actions.taken())

	// Terminated workers drop out of monitoring.
	assert.Empty(t, hm.Records())
}

func TestHeartbeatResetsLadder(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")

	clock.Advance(2 * time.Minute)
	hm.CheckHealth()
	require.Equal(t, []string{"restart:worker-1"}, actions.taken())

	// The worker comes back; the ladder starts over on the next outage.
	hm.Heartbeat("worker-1")
	records := hm.Records()
	require.Len(t, records, 1)
	assert.Equal(t, HealthHealthy, records[0].State)

	clock.Advance(2 * time.Minute)
	hm.CheckHealth()
	assert.Equal(t, []string{"restart:worker-1", "restart:worker-1"}, actions.taken())
}

func TestErrorThresholdForcesTermination(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")

	// The worker heartbeats fine but keeps failing tasks.
	for i := 0; i < 5; i++ {
		hm.Heartbeat("worker-1")
		hm.ReportError("worker-1")
	}
	hm.CheckHealth()

	assert.Equal(t, []string{"terminate:worker-1"}, actions.taken())
	assert.Empty(t, hm.Records())
}

func TestReportSuccessResetsErrors(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")

	for i := 0; i < 4; i++ {
		hm.ReportError("worker-1")
	}
	records := hm.Records()
	require.Len(t, records, 1)
	assert.Equal(t, HealthDegraded, records[0].State)

	hm.ReportSuccess("worker-1")
	hm.CheckHealth()

	records = hm.Records()
	require.Len(t, records, 1)
	assert.Zero(t, records[0].ConsecutiveErrors)
	assert.Equal(t, HealthHealthy, records[0].State)
	assert.Empty(t, actions.taken())
}

func TestForget(t *testing.T) {
	clock := NewFakeClock(time.Now())
	hm, actions := newTestHealthMonitor(clock)
	hm.Track("worker-1")
	hm.Forget("worker-1")

	clock.Advance(time.Hour)
	hm.CheckHealth()
	assert.Empty(t, actions.taken())
	assert.Empty(t, hm.Records())
}
