package core

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitlair/Print-manager/internal/config"
	"github.com/bitlair/Print-manager/internal/extract"
)

func collect(t *testing.T) (func(Result), <-chan Result) {
	t.Helper()
	ch := make(chan Result, 4)
	return func(r Result) { ch <- r }, ch
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result{}
	}
}

func TestPool_StaggerDelay(t *testing.T) {
	p := NewPool(config.ExtractionConfig{StaggerBase: 2 * time.Second, StaggerStep: 30 * time.Second}, nil)
	defer p.Close()

	assert.Equal(t, 2*time.Second, p.StaggerDelay(0))
	assert.Equal(t, 92*time.Second, p.StaggerDelay(3))
}

func TestPool_DeliversOnce(t *testing.T) {
	p := NewPool(config.ExtractionConfig{Workers: 2, Timeout: time.Second}, nil)
	defer p.Close()

	var delivered atomic.Int32
	done := make(chan Result, 2)
	p.Submit(Task{ID: "t1", Generation: 7, Run: func(context.Context) (*extract.Metadata, error) {
		return &extract.Metadata{WeightGrams: 3}, nil
	}}, func(r Result) {
		delivered.Add(1)
		done <- r
	})

	r := waitResult(t, done)
	require.NoError(t, r.Err)
	assert.Equal(t, "t1", r.TaskID)
	assert.Equal(t, uint64(7), r.Generation)
	assert.Equal(t, 3.0, r.Metadata.WeightGrams)

	p.Close()
	assert.Equal(t, int32(1), delivered.Load())
}

func TestPool_RecoversPanic(t *testing.T) {
	p := NewPool(config.ExtractionConfig{Workers: 1}, nil)
	defer p.Close()

	deliver, ch := collect(t)
	p.Submit(Task{ID: "boom", Run: func(context.Context) (*extract.Metadata, error) {
		panic("corrupt archive")
	}}, deliver)

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.Err, extract.ErrExtractionFailed)
	assert.Nil(t, r.Metadata)

	// The slot is released after a panic.
	p.Submit(Task{ID: "next", Run: func(context.Context) (*extract.Metadata, error) {
		return &extract.Metadata{}, nil
	}}, deliver)
	assert.NoError(t, waitResult(t, ch).Err)
}

func TestPool_CancelDuringStagger(t *testing.T) {
	p := NewPool(config.ExtractionConfig{StaggerBase: time.Hour}, nil)
	defer p.Close()

	var ran atomic.Bool
	deliver, ch := collect(t)
	cancel := p.Submit(Task{Run: func(context.Context) (*extract.Metadata, error) {
		ran.Store(true)
		return nil, nil
	}}, deliver)
	cancel()

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.False(t, ran.Load())
}

func TestPool_BoundedConcurrency(t *testing.T) {
	p := NewPool(config.ExtractionConfig{Workers: 1}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan string, 2)
	deliver, ch := collect(t)

	run := func(id string) func(context.Context) (*extract.Metadata, error) {
		return func(context.Context) (*extract.Metadata, error) {
			started <- id
			<-release
			return &extract.Metadata{}, nil
		}
	}
	p.Submit(Task{ID: "a", Run: run("a")}, deliver)
	first := <-started

	p.Submit(Task{ID: "b", Run: run("b")}, deliver)
	select {
	case id := <-started:
		t.Fatalf("task %s started while %s held the only worker", id, first)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	waitResult(t, ch)
	waitResult(t, ch)
	assert.Len(t, started, 1)
}

func TestPool_TimeoutCoversStaggerAndRun(t *testing.T) {
	p := NewPool(config.ExtractionConfig{StaggerBase: 10 * time.Millisecond, Timeout: 20 * time.Millisecond}, nil)
	defer p.Close()

	deliver, ch := collect(t)
	p.Submit(Task{Run: func(ctx context.Context) (*extract.Metadata, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}, deliver)

	assert.ErrorIs(t, waitResult(t, ch).Err, context.DeadlineExceeded)
}

func TestPool_CloseCancelsOutstanding(t *testing.T) {
	p := NewPool(config.ExtractionConfig{StaggerBase: time.Hour}, nil)

	deliver, ch := collect(t)
	p.Submit(Task{Run: func(context.Context) (*extract.Metadata, error) { return nil, nil }}, deliver)
	p.Close()

	r := waitResult(t, ch)
	assert.ErrorIs(t, r.Err, context.Canceled)
}
