package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkell/sagan/internal/models"
)

type fakeRuntime struct {
	id          string
	healthy     bool
	closed      bool
	output      *ExecOutput
	execErr     error
	installs    [][]string
	installErr  error
	resets      int
	artifactDir string
}

func (f *fakeRuntime) ID() string          { return f.id }
func (f *fakeRuntime) Healthy() bool       { return f.healthy }
func (f *fakeRuntime) ArtifactDir() string { return f.artifactDir }
func (f *fakeRuntime) Close() error        { f.closed = true; return nil }

func (f *fakeRuntime) Exec(_ context.Context, _ string, _ time.Duration) (*ExecOutput, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return f.output, nil
}

func (f *fakeRuntime) Reset(_ context.Context) error {
	f.resets++
	return nil
}

func (f *fakeRuntime) Install(_ context.Context, pkgs []string) error {
	f.installs = append(f.installs, pkgs)
	return f.installErr
}

func newFakeFactory() (Factory, *[]*fakeRuntime) {
	created := &[]*fakeRuntime{}
	var n int
	factory := func() (Runtime, error) {
		n++
		rt := &fakeRuntime{
			id:      fmt.Sprintf("env-%d", n),
			healthy: true,
			output:  &ExecOutput{OK: true, Stdout: "ok"},
		}
		*created = append(*created, rt)
		return rt, nil
	}
	return factory, created
}

func TestPoolPrewarm(t *testing.T) {
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 4, 2)
	require.NoError(t, err)
	defer pool.Shutdown()

	assert.Len(t, *created, 2)
	ready, inUse := pool.Stats()
	assert.Equal(t, 2, ready)
	assert.Equal(t, 0, inUse)
}

func TestPoolAcquireReusesReady(t *testing.T) {
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 4, 1)
	require.NoError(t, err)
	defer pool.Shutdown()

	rt, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(rt)

	rt2, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, rt.ID(), rt2.ID())
	assert.Len(t, *created, 1)
}

func TestPoolExhaustion(t *testing.T) {
	factory, _ := newFakeFactory()
	pool, err := NewPool(factory, 2, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	a, err := pool.Acquire()
	require.NoError(t, err)
	b, err := pool.Acquire()
	require.NoError(t, err)

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	pool.Release(a)
	c, err := pool.Acquire()
	require.NoError(t, err)
	pool.Release(b)
	pool.Release(c)
}

func TestPoolReleaseDestroysUnhealthy(t *testing.T) {
	factory, _ := newFakeFactory()
	pool, err := NewPool(factory, 2, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	rt, err := pool.Acquire()
	require.NoError(t, err)

	fake := rt.(*fakeRuntime)
	fake.healthy = false
	pool.Release(rt)

	assert.True(t, fake.closed)
	ready, inUse := pool.Stats()
	assert.Equal(t, 0, ready)
	assert.Equal(t, 0, inUse)
}

func TestPoolCapInvariantUnderConcurrency(t *testing.T) {
	factory, _ := newFakeFactory()
	pool, err := NewPool(factory, 3, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt, err := pool.Acquire()
			if err != nil {
				return
			}
			ready, inUse := pool.Stats()
			assert.LessOrEqual(t, ready+inUse, 3)
			time.Sleep(time.Millisecond)
			pool.Release(rt)
		}()
	}
	wg.Wait()
}

func TestPoolShutdownRejectsAcquire(t *testing.T) {
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 2, 1)
	require.NoError(t, err)

	pool.Shutdown()
	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, (*created)[0].closed)
}

func TestExecutorRejectsUnsafeCode(t *testing.T) {
	factory, _ := newFakeFactory()
	pool, err := NewPool(factory, 1, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	task := models.Task{ID: "t1"}
	result, err := x.Execute(context.Background(), task, "import subprocess", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecFailed, result.Status)
	assert.Contains(t, result.Stderr, "unsafe")
}

func TestExecutorCompletedResult(t *testing.T) {
	factory, _ := newFakeFactory()
	pool, err := NewPool(factory, 1, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	result, err := x.Execute(context.Background(), models.Task{ID: "t1"}, "print('hi')", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, result.Status)
	assert.Equal(t, "ok", result.Stdout)
	assert.True(t, result.Completed())
}

func TestExecutorInstallsResolvedPackages(t *testing.T) {
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 1, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	_, err = x.Execute(context.Background(), models.Task{ID: "t1"}, "import numpy\nprint(1)", false)
	require.NoError(t, err)

	require.Len(t, *created, 1)
	require.Len(t, (*created)[0].installs, 1)
	assert.Equal(t, []string{"numpy"}, (*created)[0].installs[0])
}

func TestExecutorRunsDespiteInstallFailure(t *testing.T) {
	// The import scan over-approximates, so a failed install must not
	// block execution; the code may work without the package.
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 1, 1)
	require.NoError(t, err)
	defer pool.Shutdown()
	(*created)[0].installErr = ErrDepInstall

	x := NewExecutor(pool, time.Second, nil)
	result, err := x.Execute(context.Background(), models.Task{ID: "t1"}, "import numpy\nprint(1)", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, result.Status)
	require.Len(t, (*created)[0].installs, 1)
}

func TestExecutorResetsReusedEnvironment(t *testing.T) {
	// One environment serves consecutive tasks; each task must start
	// from a cleared session namespace.
	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 1, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	_, err = x.Execute(context.Background(), models.Task{ID: "t1"}, "x = 1", false)
	require.NoError(t, err)
	_, err = x.Execute(context.Background(), models.Task{ID: "t2"}, "print(x)", false)
	require.NoError(t, err)

	require.Len(t, *created, 1)
	assert.Equal(t, 2, (*created)[0].resets)
}

func TestExecutorExportsArtifacts(t *testing.T) {
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "plot.png"), []byte("png-bytes"), 0644))

	factory, created := newFakeFactory()
	pool, err := NewPool(factory, 1, 1)
	require.NoError(t, err)
	defer pool.Shutdown()
	(*created)[0].artifactDir = scratch

	export := t.TempDir()
	x := NewExecutor(pool, time.Second, nil)
	x.ExportDir = export

	result, err := x.Execute(context.Background(), models.Task{ID: "t1", Cycle: 1}, "print(1)", false)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join("cycle-001", "exec", "t1", "plot.png")}, result.Artifacts)

	// The copy must survive scratch teardown.
	require.NoError(t, os.RemoveAll(scratch))
	data, err := os.ReadFile(filepath.Join(export, result.Artifacts[0]))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestExecutorRetriesOnDeadEnvironment(t *testing.T) {
	var n int
	created := []*fakeRuntime{}
	factory := func() (Runtime, error) {
		n++
		rt := &fakeRuntime{id: fmt.Sprintf("env-%d", n), healthy: true}
		if n == 1 {
			rt.execErr = ErrEnvUnhealthy
		} else {
			rt.output = &ExecOutput{OK: true}
		}
		created = append(created, rt)
		return rt, nil
	}

	pool, err := NewPool(factory, 2, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	result, err := x.Execute(context.Background(), models.Task{ID: "t1"}, "print(1)", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, result.Status)
	assert.Len(t, created, 2)
	assert.True(t, created[0].closed)
}

func TestExecutorTimedOutResult(t *testing.T) {
	factory := func() (Runtime, error) {
		return &fakeRuntime{id: "env-1", healthy: true, output: &ExecOutput{TimedOut: true}}, nil
	}
	pool, err := NewPool(factory, 1, 0)
	require.NoError(t, err)
	defer pool.Shutdown()

	x := NewExecutor(pool, time.Second, nil)
	result, err := x.Execute(context.Background(), models.Task{ID: "t1"}, "while True: pass", false)
	require.NoError(t, err)
	assert.Equal(t, models.ExecTimedOut, result.Status)
}
