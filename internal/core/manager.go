package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Connector is the device side of a printer that needs starting and stopping
// with the fleet.
type Connector interface {
	Connect(ctx context.Context) error
	Close()
}

type managedPrinter struct {
	printer   *Printer
	connector Connector
}

// Manager owns the fleet of printer actors.
type Manager struct {
	printers map[string]*managedPrinter
	policy   *Policy
	changes  chan struct{}
	logger   *slog.Logger

	mu      sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewManager(policy *Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		printers: make(map[string]*managedPrinter),
		policy:   policy,
		changes:  make(chan struct{}, 1),
		logger:   logger,
	}
}

// Notify signals that some printer view changed. Bursts collapse into one
// pending signal.
func (m *Manager) Notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Manager) Changes() <-chan struct{} { return m.changes }

func (m *Manager) Policy() *Policy { return m.policy }

// AddPrinter registers a printer before Start. connector may be nil.
func (m *Manager) AddPrinter(p *Printer, connector Connector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("cannot add printer %s to a running fleet", p.Serial())
	}
	if _, exists := m.printers[p.Serial()]; exists {
		return fmt.Errorf("printer %s already registered", p.Serial())
	}
	m.printers[p.Serial()] = &managedPrinter{printer: p, connector: connector}
	return nil
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, mp := range m.printers {
		mp := mp
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			mp.printer.Run(ctx)
		}()

		if mp.connector == nil {
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := mp.connector.Connect(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("failed to connect to printer", "serial", mp.printer.Serial(), "error", err)
			}
		}()
	}
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	for _, mp := range m.printers {
		if mp.connector != nil {
			mp.connector.Close()
		}
	}
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Manager) get(serial string) (*Printer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, exists := m.printers[serial]
	if !exists {
		return nil, ErrPrinterNotFound
	}
	return mp.printer, nil
}

func (m *Manager) GetPrinter(serial string) (PrinterView, error) {
	p, err := m.get(serial)
	if err != nil {
		return PrinterView{}, err
	}
	return p.View(), nil
}

// ListPrinters returns the views in configuration order.
func (m *Manager) ListPrinters() []PrinterView {
	m.mu.RLock()
	printers := make([]*Printer, 0, len(m.printers))
	for _, mp := range m.printers {
		printers = append(printers, mp.printer)
	}
	m.mu.RUnlock()

	sort.Slice(printers, func(i, j int) bool {
		return printers[i].opts.Ordinal < printers[j].opts.Ordinal
	})

	views := make([]PrinterView, 0, len(printers))
	for _, p := range printers {
		views = append(views, p.View())
	}
	return views
}

func (m *Manager) Accept(ctx context.Context, serial string, user UserRef, autoPayment bool) error {
	p, err := m.get(serial)
	if err != nil {
		return err
	}
	return p.Accept(ctx, user, autoPayment)
}

func (m *Manager) Refresh(serial string) error {
	p, err := m.get(serial)
	if err != nil {
		return err
	}
	p.Refresh()
	return nil
}
