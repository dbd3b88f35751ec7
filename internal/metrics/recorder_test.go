package metrics

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, capacity int) (*Recorder, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: base}
	return New(Config{Capacity: capacity, Clock: clk}), clk
}

func recordAt(r *Recorder, clk *fakeClock, at time.Duration, evt progress.Event) {
	clk.Set(base.Add(at))
	r.Record(evt)
}

func TestStatsMatchesHandComputedValues(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 100)
	recordAt(r, clk, 0, progress.Event{Kind: progress.KindJobSubmitted, JobID: "j1"})
	recordAt(r, clk, 1*time.Second, progress.Event{Kind: progress.KindJobSubmitted, JobID: "j2"})
	recordAt(r, clk, 2*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: "j1"})
	recordAt(r, clk, 4*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: "j2"})
	recordAt(r, clk, 10*time.Second, progress.Event{
		Kind: progress.KindJobCompleted, JobID: "j1", Duration: progress.WithDuration(8 * time.Second),
	})
	recordAt(r, clk, 14*time.Second, progress.Event{
		Kind: progress.KindJobFailed, JobID: "j2", Duration: progress.WithDuration(10 * time.Second), ErrorType: "boom",
	})
	recordAt(r, clk, 15*time.Second, progress.Event{
		Kind: progress.KindBrowserClosed, BrowserID: "b1", MemoryMB: progress.WithMemory(100),
	})
	recordAt(r, clk, 16*time.Second, progress.Event{
		Kind: progress.KindBrowserClosed, BrowserID: "b2", MemoryMB: progress.WithMemory(300),
	})

	st := r.Stats(time.Hour)
	require.Equal(t, 2, st.TotalJobs)
	require.Equal(t, 1, st.SuccessfulJobs)
	require.Equal(t, 1, st.FailedJobs)
	require.InDelta(t, 8000, st.AverageProcessingTime, 0.001)
	require.InDelta(t, 2500, st.AverageQueueTime, 0.001)
	require.InDelta(t, 200, st.AverageMemoryUsage, 0.001)
	require.InDelta(t, 400, st.TotalMemoryUsed, 0.001)
	require.InDelta(t, 50, st.SuccessRate, 0.001)
	require.Equal(t, 2, st.PeakConcurrency)
	require.EqualValues(t, 16000, st.Uptime)
}

func TestStatsQueueTimeUsesLatestPrecedingSubmission(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 100)
	recordAt(r, clk, 0, progress.Event{Kind: progress.KindJobSubmitted, JobID: "j1"})
	recordAt(r, clk, 5*time.Second, progress.Event{Kind: progress.KindJobSubmitted, JobID: "j1"})
	recordAt(r, clk, 6*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: "j1"})
	recordAt(r, clk, 7*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: "orphan"})

	require.InDelta(t, 1000, r.Stats(0).AverageQueueTime, 0.001)
}

func TestStatsEmptyWindowReportsFullSuccess(t *testing.T) {
	t.Parallel()

	r, _ := newTestRecorder(t, 10)
	st := r.Stats(time.Hour)
	require.Equal(t, 0, st.TotalJobs)
	require.InDelta(t, 100, st.SuccessRate, 0.001)
}

func TestStatsWindowExcludesOldEvents(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 100)
	recordAt(r, clk, 0, progress.Event{Kind: progress.KindJobSubmitted, JobID: "old"})
	recordAt(r, clk, 2*time.Hour, progress.Event{Kind: progress.KindJobSubmitted, JobID: "new"})

	require.Equal(t, 1, r.Stats(time.Hour).TotalJobs)
	require.Equal(t, 2, r.Stats(3*time.Hour).TotalJobs)
}

func TestPeakConcurrencyIsLiveAndSurvivesTrimming(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 3)
	for i, id := range []string{"a", "b", "c"} {
		recordAt(r, clk, time.Duration(i)*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: id})
	}
	for i, id := range []string{"a", "b", "c", "ghost"} {
		recordAt(r, clk, time.Duration(10+i)*time.Second, progress.Event{Kind: progress.KindJobCompleted, JobID: id})
	}
	require.Equal(t, 3, r.Len())
	require.Equal(t, 3, r.Stats(time.Hour).PeakConcurrency)

	recordAt(r, clk, 20*time.Second, progress.Event{Kind: progress.KindJobStarted, JobID: "d"})
	require.Equal(t, 3, r.Stats(time.Hour).PeakConcurrency)
}

func TestRecordTrimsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 5)
	for i := 0; i < 8; i++ {
		recordAt(r, clk, time.Duration(i)*time.Second, progress.Event{
			Kind: progress.KindJobSubmitted, JobID: string(rune('a' + i)),
		})
	}
	require.Equal(t, 5, r.Len())

	out, err := r.Export(FormatCSV)
	require.NoError(t, err)
	require.NotContains(t, out, ",a,")
	require.Contains(t, out, ",d,")
	require.Contains(t, out, ",h,")
}

func TestAlertsHighFailureRateThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		submitted int
		failed    int
		want      bool
	}{
		{name: "above threshold", submitted: 11, failed: 3, want: true},
		{name: "below threshold", submitted: 11, failed: 2, want: false},
		{name: "too few submissions", submitted: 10, failed: 5, want: false},
		{name: "exactly twenty percent", submitted: 15, failed: 3, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, clk := newTestRecorder(t, 1000)
			for i := 0; i < tc.submitted; i++ {
				recordAt(r, clk, time.Duration(i)*time.Second, progress.Event{
					Kind: progress.KindJobSubmitted, JobID: jobID(i),
				})
			}
			for i := 0; i < tc.failed; i++ {
				recordAt(r, clk, time.Minute, progress.Event{
					Kind: progress.KindJobFailed, JobID: jobID(i), ErrorType: "boom",
				})
			}
			require.Equal(t, tc.want, hasAlert(r.Alerts(time.Hour), AlertHighFailureRate))
		})
	}
}

func TestAlertsSlowProcessingAndHighMemory(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 100)
	require.Empty(t, r.Alerts(time.Hour))

	recordAt(r, clk, 0, progress.Event{
		Kind: progress.KindJobCompleted, JobID: "a", Duration: progress.WithDuration(40 * time.Second),
	})
	recordAt(r, clk, time.Second, progress.Event{
		Kind: progress.KindJobCompleted, JobID: "b", Duration: progress.WithDuration(60 * time.Second),
	})
	recordAt(r, clk, 2*time.Second, progress.Event{
		Kind: progress.KindBrowserClosed, BrowserID: "b1", MemoryMB: progress.WithMemory(420),
	})
	recordAt(r, clk, 3*time.Second, progress.Event{
		Kind: progress.KindBrowserClosed, BrowserID: "b2", MemoryMB: progress.WithMemory(455),
	})

	alerts := r.Alerts(time.Hour)
	require.True(t, hasAlert(alerts, AlertSlowProcessing))
	for _, a := range alerts {
		if a.Type == AlertHighMemory {
			require.InDelta(t, 455, a.Value, 0.001)
			return
		}
	}
	t.Fatal("expected high memory alert")
}

func TestTrendsBucketsAscending(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 100)
	recordAt(r, clk, 7*time.Minute, progress.Event{Kind: progress.KindJobSubmitted, JobID: "c"})
	recordAt(r, clk, 8*time.Minute, progress.Event{
		Kind: progress.KindJobCompleted, JobID: "c", Duration: progress.WithDuration(2 * time.Second),
	})
	recordAt(r, clk, 1*time.Minute, progress.Event{Kind: progress.KindJobSubmitted, JobID: "a"})
	recordAt(r, clk, 3*time.Minute, progress.Event{Kind: progress.KindJobFailed, JobID: "a"})
	clk.Set(base.Add(9 * time.Minute))

	trends := r.Trends(time.Hour)
	require.Len(t, trends, 2)
	require.Equal(t, base, trends[0].Timestamp)
	require.Equal(t, 1, trends[0].Jobs)
	require.Equal(t, 1, trends[0].Failures)
	require.InDelta(t, 0, trends[0].SuccessRate, 0.001)
	require.Equal(t, base.Add(5*time.Minute), trends[1].Timestamp)
	require.Equal(t, 1, trends[1].Completions)
	require.InDelta(t, 2000, trends[1].AvgProcessingTime, 0.001)
	require.InDelta(t, 100, trends[1].SuccessRate, 0.001)
}

func TestExportFormats(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 10)
	recordAt(r, clk, 0, progress.Event{Kind: progress.KindJobSubmitted, JobID: "j1"})
	recordAt(r, clk, time.Second, progress.Event{
		Kind: progress.KindJobFailed, JobID: "j1", Duration: progress.WithDuration(1500 * time.Millisecond), ErrorType: "bad, quoted",
	})

	raw, err := r.Export("json")
	require.NoError(t, err)
	var doc struct {
		Count  int `json:"count"`
		Events []struct {
			Type     string `json:"type"`
			JobID    string `json:"jobId"`
			Duration *int64 `json:"duration"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	require.Equal(t, 2, doc.Count)
	require.Equal(t, "job_failed", doc.Events[1].Type)
	require.EqualValues(t, 1500, *doc.Events[1].Duration)

	csvOut, err := r.Export("CSV")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(csvOut), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "timestamp,type,jobId,browserId,duration,memoryUsage,errorType", lines[0])
	require.True(t, strings.HasSuffix(lines[2], `job_failed,j1,,1500,,"bad, quoted"`))

	_, err = r.Export("xml")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestResetClearsLogAndUptime(t *testing.T) {
	t.Parallel()

	r, clk := newTestRecorder(t, 10)
	recordAt(r, clk, 0, progress.Event{Kind: progress.KindJobStarted, JobID: "j1"})
	clk.Set(base.Add(time.Hour))
	r.Reset()

	st := r.Stats(time.Hour)
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, st.PeakConcurrency)
	require.EqualValues(t, 0, st.Uptime)
}

func TestRecordLogsAlertLinesAndEmits(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	emitter := &fakeEmitter{}
	r := New(Config{Capacity: 10, Logger: zap.New(core), Emitter: emitter})

	r.Record(progress.Event{Kind: progress.KindJobFailed, JobID: "j1", ErrorType: "boom"})
	r.Record(progress.Event{Kind: progress.KindJobCompleted, JobID: "j2", Duration: progress.WithDuration(61 * time.Second)})
	r.Record(progress.Event{Kind: progress.KindBrowserClosed, BrowserID: "b1", MemoryMB: progress.WithMemory(501)})
	r.Record(progress.Event{Kind: progress.KindJobCompleted, JobID: "j3", Duration: progress.WithDuration(time.Second)})
	r.Record(progress.Event{Kind: "bogus"})

	require.Equal(t, 1, logs.FilterMessage("ALERT: job failed").Len())
	require.Equal(t, 1, logs.FilterMessage("ALERT: slow job").Len())
	require.Equal(t, 1, logs.FilterMessage("ALERT: high memory usage").Len())
	require.Equal(t, 1, logs.FilterMessage("discarding invalid metric event").Len())
	require.Equal(t, 4, r.Len())
	require.Equal(t, 4, emitter.count())
}

func TestConcurrentRecord(t *testing.T) {
	t.Parallel()

	r := New(Config{Capacity: 50})
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				r.Record(progress.Event{Kind: progress.KindJobSubmitted, JobID: jobID(i*100 + j)})
				_ = r.Stats(time.Hour)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 50, r.Len())
}

func jobID(i int) string {
	return fmt.Sprintf("job-%d", i)
}

func hasAlert(alerts []Alert, kind AlertType) bool {
	for _, a := range alerts {
		if a.Type == kind {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *fakeEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *fakeEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}
