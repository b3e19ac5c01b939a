package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitRunsToCompletion(t *testing.T) {
	p := NewPool(2, 8, zap.NewNop())
	defer p.Close()

	ran := false
	task := p.Submit("noop", func() error {
		ran = true
		return nil
	}, nil, nil)

	task.Wait()
	assert.True(t, ran)
	assert.Equal(t, StateCompleted, task.State())
	assert.NoError(t, task.Err())
	assert.True(t, task.Done())

	got, ok := p.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, task, got)
}

func TestFailedTaskCarriesError(t *testing.T) {
	p := NewPool(1, 8, zap.NewNop())
	defer p.Close()

	boom := errors.New("upstream unreachable")
	task := p.Submit("sync", func() error { return boom }, nil, nil)
	task.Wait()

	assert.Equal(t, StateFailed, task.State())
	assert.ErrorIs(t, task.Err(), boom)
}

func TestExclusiveResourceSerializes(t *testing.T) {
	p := NewPool(4, 16, zap.NewNop())
	defer p.Close()

	var active, maxActive int32
	job := func() error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	res := Resource("repository", 1)
	var tasks []*Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, p.Submit("sync", job, []string{res}, nil))
	}
	for _, task := range tasks {
		task.Wait()
		assert.Equal(t, StateCompleted, task.State())
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "writers on one resource never overlap")
}

func TestSharedResourceRunsConcurrently(t *testing.T) {
	p := NewPool(2, 8, zap.NewNop())
	defer p.Close()

	res := Resource("remote", 7)
	var barrier sync.WaitGroup
	barrier.Add(2)

	// Each job waits for the other inside the shared lock; this only
	// finishes if both hold the read lock at the same time.
	job := func() error {
		barrier.Done()
		done := make(chan struct{})
		go func() {
			barrier.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("shared readers did not overlap")
		}
	}

	a := p.Submit("read", job, nil, []string{res})
	b := p.Submit("read", job, nil, []string{res})
	a.Wait()
	b.Wait()
	assert.Equal(t, StateCompleted, a.State())
	assert.Equal(t, StateCompleted, b.State())
}

func TestFullBacklogCancels(t *testing.T) {
	p := NewPool(1, 1, zap.NewNop())
	defer p.Close()

	release := make(chan struct{})
	blocker := p.Submit("block", func() error {
		<-release
		return nil
	}, nil, nil)

	// One slot in the backlog; keep submitting until it is full, then the
	// next submission must be canceled immediately.
	var canceled *Task
	for i := 0; i < 3; i++ {
		task := p.Submit("overflow", func() error { return nil }, nil, nil)
		if task.State() == StateCanceled {
			canceled = task
			break
		}
	}
	require.NotNil(t, canceled, "a submission past the backlog must be canceled")
	assert.True(t, canceled.Done())
	assert.NoError(t, canceled.Err())

	close(release)
	blocker.Wait()
	assert.Equal(t, StateCompleted, blocker.State())
}

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "repository:3", Resource("repository", 3))
	assert.Equal(t, "remote:12", Resource("remote", 12))
}
