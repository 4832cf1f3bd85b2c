package supervise

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcess exits when exit is closed or when it is killed.
type fakeProcess struct {
	exit chan struct{}
	once sync.Once

	mu       sync.Mutex
	kills    int
	releases int

	ignoreKill bool
	killErr    error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan struct{})}
}

func (f *fakeProcess) Wait() (*os.ProcessState, error) {
	<-f.exit
	return nil, nil
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	if f.killErr != nil {
		return f.killErr
	}
	if !f.ignoreKill {
		f.finish()
	}
	return nil
}

func (f *fakeProcess) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeProcess) finish() {
	f.once.Do(func() { close(f.exit) })
}

func (f *fakeProcess) counts() (kills, releases int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kills, f.releases
}

func TestSuperviseCompleted(t *testing.T) {
	p := newFakeProcess()
	cleaned := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.finish()
	}()

	res := Supervise(context.Background(), p, Options{
		Timeout: time.Minute,
		Cleanup: []func(){func() { cleaned++ }},
	})

	assert.Equal(t, Completed, res.State)
	assert.False(t, res.Interrupted)
	assert.NoError(t, res.Err)
	assert.Equal(t, 1, cleaned)

	kills, releases := p.counts()
	assert.Zero(t, kills)
	assert.Equal(t, 1, releases)
}

func TestSuperviseDeadlineKills(t *testing.T) {
	p := newFakeProcess()
	cleaned := 0

	res := Supervise(context.Background(), p, Options{
		Timeout: 20 * time.Millisecond,
		Cleanup: []func(){func() { cleaned++ }},
	})

	assert.Equal(t, Killed, res.State)
	assert.False(t, res.Interrupted)
	assert.NoError(t, res.Err)
	assert.GreaterOrEqual(t, res.Elapsed, 20*time.Millisecond)
	assert.Equal(t, 1, cleaned)

	kills, releases := p.counts()
	assert.Equal(t, 1, kills)
	assert.Equal(t, 1, releases)
}

func TestSuperviseHold(t *testing.T) {
	p := newFakeProcess()
	defer p.finish()
	cleaned := 0

	res := Supervise(context.Background(), p, Options{
		Timeout: 20 * time.Millisecond,
		Hold:    true,
		Cleanup: []func(){func() { cleaned++ }},
	})

	assert.Equal(t, Held, res.State)
	assert.Nil(t, res.ProcessState)
	assert.Equal(t, 1, cleaned)

	kills, releases := p.counts()
	assert.Zero(t, kills, "held process must stay alive")
	assert.Equal(t, 1, releases)
}

func TestSuperviseInterrupted(t *testing.T) {
	p := newFakeProcess()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	res := Supervise(ctx, p, Options{Timeout: time.Minute, Hold: true})

	assert.Equal(t, Killed, res.State)
	assert.True(t, res.Interrupted)

	kills, _ := p.counts()
	assert.Equal(t, 1, kills)
}

func TestSuperviseStartAfterDefersDeadline(t *testing.T) {
	p := newFakeProcess()
	start := make(chan struct{})

	go func() {
		time.Sleep(60 * time.Millisecond)
		close(start)
	}()

	res := Supervise(context.Background(), p, Options{
		Timeout:    20 * time.Millisecond,
		StartAfter: start,
	})

	assert.Equal(t, Killed, res.State)
	assert.GreaterOrEqual(t, res.Elapsed, 80*time.Millisecond)
}

func TestSuperviseStartAfterNeverFires(t *testing.T) {
	p := newFakeProcess()

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.finish()
	}()

	res := Supervise(context.Background(), p, Options{
		Timeout:    time.Millisecond,
		StartAfter: make(chan struct{}),
	})

	assert.Equal(t, Completed, res.State)
}

func TestSuperviseKillUnconfirmed(t *testing.T) {
	p := newFakeProcess()
	p.ignoreKill = true
	defer p.finish()

	cleaned := false
	res := Supervise(context.Background(), p, Options{
		Timeout:   10 * time.Millisecond,
		KillGrace: 20 * time.Millisecond,
		Cleanup:   []func(){func() { cleaned = true }},
	})

	assert.Equal(t, Unconfirmed, res.State)
	assert.ErrorIs(t, res.Err, ErrKillUnconfirmed)
	assert.Nil(t, res.ProcessState)
	assert.False(t, cleaned, "cleanup must wait for the process to be gone")

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.releases)
}

func TestSuperviseInterruptedKillUnconfirmed(t *testing.T) {
	p := newFakeProcess()
	p.ignoreKill = true
	defer p.finish()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Supervise(ctx, p, Options{KillGrace: 20 * time.Millisecond})
	assert.Equal(t, Unconfirmed, res.State)
	assert.True(t, res.Interrupted)
	assert.ErrorIs(t, res.Err, ErrKillUnconfirmed)
}

func TestSuperviseKillError(t *testing.T) {
	p := newFakeProcess()
	p.killErr = errors.New("operation not permitted")
	defer p.finish()

	res := Supervise(context.Background(), p, Options{
		Timeout:   10 * time.Millisecond,
		KillGrace: 20 * time.Millisecond,
	})

	// the fake never exits, so the failed kill is also unconfirmed
	assert.Equal(t, Unconfirmed, res.State)
	assert.ErrorIs(t, res.Err, ErrKillUnconfirmed)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "operation not permitted")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "killed", Killed.String())
	assert.Equal(t, "held", Held.String())
	assert.Equal(t, "kill-unconfirmed", Unconfirmed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
