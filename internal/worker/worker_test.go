package worker

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"qpesapay/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	polls, expiries atomic.Int32
	pollErr         error
	deadline        bool
}

func (f *fakeTracker) Poll(ctx context.Context) (service.PollStats, error) {
	f.polls.Add(1)
	_, f.deadline = ctx.Deadline()
	return service.PollStats{Checked: 2, Advanced: 1, Completed: 1}, f.pollErr
}

func (f *fakeTracker) ExpireStale(context.Context) (int, error) {
	f.expiries.Add(1)
	return 3, nil
}

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) SweepDue(context.Context) (service.SweepStats, error) {
	f.calls.Add(1)
	return service.SweepStats{Due: 1, Dispatched: 1}, nil
}

type fakeSettler struct {
	calls atomic.Int32
	panic bool
}

func (f *fakeSettler) AutoSettle(context.Context) (int, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	return 2, nil
}

type fakePurger struct{ calls atomic.Int32 }

func (f *fakePurger) PurgeExpired(context.Context) (int64, error) {
	f.calls.Add(1)
	return 7, nil
}

func TestJobs_RunEachCollaborator(t *testing.T) {
	var buf bytes.Buffer
	tracker, sweeper, settler, purger := &fakeTracker{}, &fakeSweeper{}, &fakeSettler{}, &fakePurger{}
	jobs := NewJobs(tracker, sweeper, settler, purger, time.Minute, zerolog.New(&buf))

	jobs.PollConfirmations()
	jobs.ExpirePayments()
	jobs.SweepSettlements()
	jobs.AutoSettle()
	jobs.PurgeIdempotencyKeys()

	assert.Equal(t, int32(1), tracker.polls.Load())
	assert.True(t, tracker.deadline, "jobs run under a timeout")
	assert.Equal(t, int32(1), tracker.expiries.Load())
	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, int32(1), settler.calls.Load())
	assert.Equal(t, int32(1), purger.calls.Load())

	out := buf.String()
	assert.Contains(t, out, `"job":"poll_confirmations"`)
	assert.Contains(t, out, `"expired":3`)
	assert.Contains(t, out, `"purged":7`)
}

func TestJobs_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	tracker := &fakeTracker{pollErr: errors.New("rpc down")}
	jobs := NewJobs(tracker, nil, nil, nil, 0, zerolog.New(&buf))

	jobs.PollConfirmations()

	assert.Contains(t, buf.String(), `"level":"error"`)
	assert.Contains(t, buf.String(), "rpc down")
	assert.Equal(t, 5*time.Minute, jobs.timeout)
}

func TestScheduler_RegistersEnabledJobs(t *testing.T) {
	jobs := NewJobs(&fakeTracker{}, &fakeSweeper{}, &fakeSettler{}, nil, time.Minute, zerolog.Nop())
	s := NewScheduler(jobs, Schedules{
		Confirmations:  "@every 1h",
		Expiry:         "@every 1h",
		Settlements:    "",
		AutoSettlement: "0 2 * * *",
		Purge:          "@every 1h",
	}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// Settlements has no spec and purge has no collaborator.
	assert.Equal(t, 3, s.Entries())
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	jobs := NewJobs(&fakeTracker{}, nil, nil, nil, time.Minute, zerolog.Nop())
	s := NewScheduler(jobs, Schedules{Confirmations: "every now and then"}, zerolog.Nop())

	err := s.Start(context.Background())
	assert.ErrorContains(t, err, "poll_confirmations")
}

func TestScheduler_RecoversPanickingJob(t *testing.T) {
	settler := &fakeSettler{panic: true}
	jobs := NewJobs(nil, nil, settler, nil, time.Minute, zerolog.Nop())
	s := NewScheduler(jobs, Schedules{AutoSettlement: "@every 1s"}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return settler.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	<-s.Stop().Done()
}
