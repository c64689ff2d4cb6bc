package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	connected atomic.Bool
	closed    atomic.Bool
	err       error
}

func (f *fakeConnector) Connect(context.Context) error {
	f.connected.Store(true)
	return f.err
}

func (f *fakeConnector) Close() { f.closed.Store(true) }

func newManagedPrinter(m *Manager, serial string, ordinal int) *Printer {
	return NewPrinter(PrinterOptions{Serial: serial, Title: serial, Ordinal: ordinal}, PrinterDeps{
		Commander:  &fakeCommander{},
		Dispatcher: &fakeDispatcher{},
		Notify:     m.Notify,
	})
}

func TestManager_AddPrinter(t *testing.T) {
	m := NewManager(nil, nil)
	p := newManagedPrinter(m, "A", 0)

	require.NoError(t, m.AddPrinter(p, nil))
	assert.Error(t, m.AddPrinter(newManagedPrinter(m, "A", 1), nil))

	m.Start(context.Background())
	defer m.Stop()
	assert.Error(t, m.AddPrinter(newManagedPrinter(m, "B", 1), nil))
}

func TestManager_ListPrintersInConfigOrder(t *testing.T) {
	m := NewManager(nil, nil)
	for i, serial := range []string{"C", "A", "B"} {
		require.NoError(t, m.AddPrinter(newManagedPrinter(m, serial, i), nil))
	}

	views := m.ListPrinters()
	require.Len(t, views, 3)
	assert.Equal(t, "C", views[0].Serial)
	assert.Equal(t, "A", views[1].Serial)
	assert.Equal(t, "B", views[2].Serial)
}

func TestManager_UnknownPrinter(t *testing.T) {
	m := NewManager(nil, nil)

	_, err := m.GetPrinter("nope")
	assert.ErrorIs(t, err, ErrPrinterNotFound)
	assert.ErrorIs(t, m.Accept(context.Background(), "nope", UserRef{}, true), ErrPrinterNotFound)
	assert.ErrorIs(t, m.Refresh("nope"), ErrPrinterNotFound)
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(nil, nil)
	p := newManagedPrinter(m, "A", 0)
	conn := &fakeConnector{err: errors.New("broker unreachable")}
	require.NoError(t, m.AddPrinter(p, conn))

	// drain the signal from construction
	select {
	case <-m.Changes():
	default:
	}

	m.Start(context.Background())
	assert.Eventually(t, conn.connected.Load, time.Second, 5*time.Millisecond)

	p.HandleReport([]byte(`{"print":{"gcode_state":"PAUSE","md5":"m1"}}`))
	select {
	case <-m.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Eventually(t, func() bool {
		v, err := m.GetPrinter("A")
		return err == nil && v.State == StatePause
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Accept(ctx, "A", UserRef{Username: "alice"}, true))
	v, err := m.GetPrinter("A")
	require.NoError(t, err)
	assert.Equal(t, "m1", v.AcceptedHash)
	assert.True(t, v.AutoPayment)

	m.Stop()
	assert.True(t, conn.closed.Load())
	assert.ErrorIs(t, m.Accept(context.Background(), "A", UserRef{}, false), ErrPrinterStopped)
}

func TestManager_AcceptWithoutPrint(t *testing.T) {
	m := NewManager(nil, nil)
	require.NoError(t, m.AddPrinter(newManagedPrinter(m, "A", 0), nil))
	m.Start(context.Background())
	defer m.Stop()

	assert.ErrorIs(t, m.Accept(context.Background(), "A", UserRef{Username: "alice"}, false), ErrNoPrint)
}
