package access

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startReader(t *testing.T, opts Options) *Reader {
	t.Helper()
	opts.ScanInterval = 10 * time.Millisecond
	r := NewReader(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let the initial scan record the devices already present
	time.Sleep(30 * time.Millisecond)
	return r
}

func nextEvent(t *testing.T, r *Reader) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no access event")
		return Event{}
	}
}

func noEvent(t *testing.T, r *Reader) {
	t.Helper()
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReader_FoundAndRemoved(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "33-000000000001"), 0o755))

	r := startReader(t, Options{DevicePath: dir})
	noEvent(t, r)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "33-00000529fc15"), 0o755))
	assert.Equal(t, Event{Type: DeviceFound, DeviceID: "33-00000529fc15"}, nextEvent(t, r))
	noEvent(t, r)

	require.NoError(t, os.Remove(filepath.Join(dir, "33-00000529fc15")))
	assert.Equal(t, Event{Type: DeviceRemoved, DeviceID: "33-00000529fc15"}, nextEvent(t, r))
}

func TestReader_IgnoresBusMastersAndConfiguredDevices(t *testing.T) {
	dir := t.TempDir()
	r := startReader(t, Options{DevicePath: dir, IgnoreDevices: []string{"33-15fc29050000"}})

	for _, name := range []string{"w1_bus_master1", "00-400000000000", "33-15fc29050000"} {
		require.NoError(t, os.Mkdir(filepath.Join(dir, name), 0o755))
	}
	noEvent(t, r)
}

func TestReader_ReleaseAfterRead(t *testing.T) {
	dir := t.TempDir()
	master := filepath.Join(dir, "w1_bus_master1")
	require.NoError(t, os.Mkdir(master, 0o755))
	removeFile := filepath.Join(master, "w1_master_remove")
	require.NoError(t, os.WriteFile(removeFile, nil, 0o644))

	r := startReader(t, Options{DevicePath: dir, ReleaseAfterRead: true})

	device := filepath.Join(dir, "33-000000000002")
	require.NoError(t, os.Mkdir(device, 0o755))
	assert.Equal(t, Event{Type: DeviceFound, DeviceID: "33-000000000002"}, nextEvent(t, r))

	data, err := os.ReadFile(removeFile)
	require.NoError(t, err)
	assert.Equal(t, "33-000000000002\n", string(data))

	// the kernel drops the entry once released
	require.NoError(t, os.Remove(device))
	assert.Equal(t, Event{Type: DeviceRemoved, DeviceID: "33-000000000002"}, nextEvent(t, r))
}

func TestReader_MissingPath(t *testing.T) {
	r := NewReader(Options{DevicePath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, r.Run(context.Background()))
	_, open := <-r.Events()
	assert.False(t, open)
}
