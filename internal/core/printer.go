package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bitlair/Print-manager/internal/db"
	"github.com/bitlair/Print-manager/internal/device"
	"github.com/bitlair/Print-manager/internal/extract"
)

var (
	ErrPrinterNotFound = errors.New("printer not found")
	ErrNoPrint         = errors.New("printer has no print to accept")
	ErrJobFileNotFound = errors.New("job file not found on printer storage")
	ErrPrinterStopped  = errors.New("printer actor stopped")
)

const inboxSize = 64

type PrinterOptions struct {
	Serial  string
	Title   string
	Ordinal int

	ExtractionTimeout time.Duration
	RetryAfter        time.Duration
	CommandInterval   time.Duration
	PaymentTimeout    time.Duration
	TempDir           string
}

type PrinterDeps struct {
	Commander  Commander
	Files      FileStore
	Extractor  Extractor
	Dispatcher Dispatcher
	Policy     *Policy
	Payer      Payer
	Ledger     PaymentLedger
	// Notify is called after every change to the published view. It must
	// not block.
	Notify func()
	Logger *slog.Logger
}

type jobIdentity struct {
	origin string
	taskID string
}

type extractionFailure struct {
	job jobIdentity
	at  time.Time
}

// Printer is the state machine of one printer. All mutable state below the
// marker is owned by the goroutine running Run; other goroutines talk to it
// through the inbox and read the published view.
type Printer struct {
	opts   PrinterOptions
	deps   PrinterDeps
	logger *slog.Logger

	inbox chan event
	done  chan struct{}
	view  atomic.Pointer[PrinterView]

	clock func() time.Time
	spawn func(func())
	after func(time.Duration, func()) *time.Timer

	// actor state
	snapshot      map[string]any
	report        Report
	seenPrint     bool
	lastPrint     LastPrint
	accepted      *Acceptance
	paidHash      string
	cached        *extract.Metadata
	processing    bool
	deadline      time.Time
	pending       jobIdentity
	lastTaskID    string
	generation    uint64
	cancelTask    context.CancelFunc
	timeoutTimer  *time.Timer
	lastFailure   *extractionFailure
	throttle      *device.Throttle
	lastCommandAt time.Time
}

type event interface{}

type telemetryEvent struct{ payload []byte }

type extractionDone struct{ result Result }

type extractionTimeout struct{ generation uint64 }

type acceptRequest struct {
	user        UserRef
	autoPayment bool
	reply       chan error
}

type refreshRequest struct{}

func NewPrinter(opts PrinterOptions, deps PrinterDeps) *Printer {
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = 5 * time.Minute
	}
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notify == nil {
		deps.Notify = func() {}
	}

	p := &Printer{
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger.With("printer", opts.Title, "serial", opts.Serial),
		inbox:    make(chan event, inboxSize),
		done:     make(chan struct{}),
		clock:    time.Now,
		spawn:    func(f func()) { go f() },
		after:    time.AfterFunc,
		throttle: device.NewThrottle(opts.CommandInterval),
	}
	p.publish()
	return p
}

func (p *Printer) Serial() string { return p.opts.Serial }

func (p *Printer) View() PrinterView { return *p.view.Load() }

// Run processes events in arrival order until ctx ends.
func (p *Printer) Run(ctx context.Context) {
	defer close(p.done)
	defer p.stopExtraction()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.inbox:
			p.handle(ev)
		}
	}
}

func (p *Printer) post(ev event) bool {
	select {
	case p.inbox <- ev:
		return true
	case <-p.done:
		return false
	}
}

// HandleReport queues one telemetry payload from the device.
func (p *Printer) HandleReport(payload []byte) {
	p.post(telemetryEvent{payload: payload})
}

// Accept authorizes the currently reported print on behalf of user.
func (p *Printer) Accept(ctx context.Context, user UserRef, autoPayment bool) error {
	reply := make(chan error, 1)
	if !p.post(acceptRequest{user: user, autoPayment: autoPayment, reply: reply}) {
		return ErrPrinterStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPrinterStopped
	}
}

// Refresh asks the printer for a full state report.
func (p *Printer) Refresh() {
	p.post(refreshRequest{})
}

func (p *Printer) handle(ev event) {
	switch ev := ev.(type) {
	case telemetryEvent:
		p.handleTelemetry(ev.payload)
	case extractionDone:
		p.handleResult(ev.result)
	case extractionTimeout:
		p.handleTimeout(ev.generation)
	case acceptRequest:
		ev.reply <- p.handleAccept(ev.user, ev.autoPayment)
	case refreshRequest:
		if err := p.deps.Commander.Publish(device.PushAll()); err != nil {
			p.logger.Warn("failed to request full state", "error", err)
		}
	}
}

func (p *Printer) handleTelemetry(payload []byte) {
	var delta map[string]any
	if err := json.Unmarshal(payload, &delta); err != nil || delta == nil {
		p.logger.Warn("skipping malformed telemetry", "error", err, "bytes", len(payload))
		return
	}

	p.snapshot = Merge(p.snapshot, delta)
	r := ReportFromSnapshot(p.snapshot)
	p.report = r
	if !r.HasPrint {
		p.publish()
		return
	}

	first := !p.seenPrint
	p.seenPrint = true
	p.lastPrint = LastPrint{ContentHash: r.ContentHash, SourceFilename: r.File, Title: r.Title}

	// a running print is a new run, so a reprint of a paid file can be billed
	if r.State == StateRunning && p.paidHash != "" {
		p.paidHash = ""
	}

	now := p.clock()
	if p.deps.Policy != nil && p.deps.Policy.Active(now) {
		p.enforcePolicy(r)
	}

	p.maybePay(r)

	if p.isNewJob(r, first) {
		p.startExtraction(r, now)
	}

	p.publish()
}

func (p *Printer) enforcePolicy(r Report) {
	acceptedHash := ""
	if p.accepted != nil {
		acceptedHash = p.accepted.ContentHash
	}
	if r.ContentHash != "" && r.State == StateRunning && r.ContentHash != acceptedHash {
		p.logger.Info("pausing unaccepted print", "md5", r.ContentHash)
		p.send(device.Pause())
	}

	if speedCap := p.deps.Policy.SpeedCap(); r.HasSpeed && r.SpeedLevel > speedCap {
		p.logger.Info("capping print speed", "level", r.SpeedLevel, "cap", speedCap)
		p.send(device.SetSpeed(speedCap))
	}
}

func (p *Printer) send(cmd device.Command) bool {
	now := p.clock()
	if !p.throttle.Allow(now) {
		p.logger.Debug("command throttled", "command", cmd.Name())
		return false
	}
	p.lastCommandAt = now
	if err := p.deps.Commander.Publish(cmd); err != nil {
		p.logger.Error("failed to send command", "command", cmd.Name(), "error", err)
	}
	return true
}

func (p *Printer) maybePay(r Report) {
	a := p.accepted
	if r.State != StateFinish || r.ContentHash == "" || a == nil || !a.AutoPayment {
		return
	}
	if a.ContentHash != r.ContentHash || p.paidHash == r.ContentHash {
		return
	}
	if p.cached == nil || p.cached.WeightGrams <= 0 {
		return
	}

	weight := int(math.Round(p.cached.WeightGrams))
	username := strings.ToLower(a.AcceptedBy.Username)
	hash := r.ContentHash

	p.paidHash = hash
	p.accepted = nil

	p.logger.Info("charging print", "md5", hash, "weight_grams", weight, "user", username)
	p.spawn(func() { p.pay(hash, weight, username) })
}

// pay runs outside the actor and only reads immutable fields.
func (p *Printer) pay(hash string, weight int, username string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.PaymentTimeout)
	defer cancel()

	var id int64
	if p.deps.Ledger != nil {
		var err error
		id, err = p.deps.Ledger.CreatePayment(ctx, &db.Payment{
			PrinterSerial: p.opts.Serial,
			ContentHash:   hash,
			WeightGrams:   weight,
			Username:      username,
			Status:        db.PaymentPending,
		})
		if err != nil {
			p.logger.Error("failed to record payment", "md5", hash, "error", err)
		}
	}

	status := db.PaymentSucceeded
	errMsg := ""
	if p.deps.Payer == nil {
		status = db.PaymentSkipped
		errMsg = "payment disabled"
	} else if err := p.deps.Payer.Pay(ctx, weight, username); err != nil {
		status = db.PaymentFailed
		errMsg = err.Error()
		p.logger.Error("payment failed", "md5", hash, "weight_grams", weight, "user", username, "error", err)
	} else {
		p.logger.Info("payment sent", "md5", hash, "weight_grams", weight, "user", username)
	}

	if p.deps.Ledger != nil && id != 0 {
		if err := p.deps.Ledger.UpdatePaymentStatus(ctx, id, status, errMsg); err != nil {
			p.logger.Error("failed to update payment", "id", id, "error", err)
		}
	}
}

// isNewJob decides whether the reported job needs (re-)extraction. A cached
// result is current when its origin matches the reported file or title and
// the task id has not moved on.
func (p *Printer) isNewJob(r Report, first bool) bool {
	if r.State != StateRunning && r.State != StateFinish && !first {
		return false
	}
	if p.cached == nil {
		return true
	}
	if p.cached.OriginFilename != r.File && p.cached.OriginFilename != r.Title {
		return true
	}
	return r.TaskID != "" && r.TaskID != p.lastTaskID
}

func (p *Printer) startExtraction(r Report, now time.Time) {
	if r.Title == "" {
		return
	}
	job := jobIdentity{origin: r.Title, taskID: r.TaskID}
	if p.processing && p.pending == job {
		return
	}
	if f := p.lastFailure; f != nil && f.job == job && now.Sub(f.at) < p.opts.RetryAfter {
		return
	}

	p.stopExtraction()
	p.generation++
	gen := p.generation

	p.lastTaskID = r.TaskID
	p.cached = nil
	p.processing = true
	p.pending = job
	// the budget starts after the pool's stagger, matching the pool's own deadline
	timeout := p.opts.ExtractionTimeout + p.deps.Dispatcher.StaggerDelay(p.opts.Ordinal)
	p.deadline = now.Add(timeout)
	p.timeoutTimer = p.after(timeout, func() {
		p.post(extractionTimeout{generation: gen})
	})

	task := Task{
		ID:         uuid.NewString(),
		Serial:     p.opts.Serial,
		Generation: gen,
		Ordinal:    p.opts.Ordinal,
		Run: func(ctx context.Context) (*extract.Metadata, error) {
			return p.fetchAndExtract(ctx, job.origin)
		},
	}
	p.logger.Info("new job detected", "title", r.Title, "task_id", r.TaskID, "generation", gen, "request", task.ID)
	p.cancelTask = p.deps.Dispatcher.Submit(task, func(res Result) {
		p.post(extractionDone{result: res})
	})
}

func (p *Printer) stopExtraction() {
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
		p.timeoutTimer = nil
	}
	if p.cancelTask != nil {
		p.cancelTask()
		p.cancelTask = nil
	}
}

// fetchAndExtract runs on a pool worker. It only reads immutable fields.
func (p *Printer) fetchAndExtract(ctx context.Context, title string) (*extract.Metadata, error) {
	sess, err := p.deps.Files.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open printer storage: %w", err)
	}
	defer sess.Close()

	names, err := sess.List()
	if err != nil {
		return nil, fmt.Errorf("list printer storage: %w", err)
	}
	name, ok := device.MatchJobFile(names, title)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobFileNotFound, title)
	}

	f, err := os.CreateTemp(p.opts.TempDir, "print-job-*.3mf")
	if err != nil {
		return nil, fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(f.Name())

	if err := sess.Retrieve(name, f); err != nil {
		f.Close()
		return nil, fmt.Errorf("retrieve %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return p.deps.Extractor.Extract(ctx, f.Name(), title)
}

func (p *Printer) handleResult(res Result) {
	if res.Generation != p.generation {
		p.logger.Debug("discarding stale extraction result", "generation", res.Generation, "current", p.generation)
		return
	}

	p.processing = false
	p.deadline = time.Time{}
	p.stopExtraction()

	if res.Err != nil {
		p.logger.Warn("extraction failed", "title", p.pending.origin, "error", res.Err)
		p.cached = nil
		p.lastFailure = &extractionFailure{job: p.pending, at: p.clock()}
		p.publish()
		return
	}

	p.cached = res.Metadata
	p.lastFailure = nil
	p.logger.Info("job metadata updated",
		"title", p.pending.origin,
		"weight_grams", res.Metadata.WeightGrams,
		"estimated_seconds", res.Metadata.EstimatedSeconds,
		"source", res.Metadata.Source,
	)

	p.maybePay(p.report)
	p.publish()
}

func (p *Printer) handleTimeout(gen uint64) {
	if gen != p.generation || !p.processing {
		return
	}
	p.logger.Warn("extraction timed out", "title", p.pending.origin, "generation", gen)

	p.processing = false
	p.deadline = time.Time{}
	p.timeoutTimer = nil
	if p.cancelTask != nil {
		p.cancelTask()
		p.cancelTask = nil
	}
	p.lastFailure = &extractionFailure{job: p.pending, at: p.clock()}
	p.publish()
}

func (p *Printer) handleAccept(user UserRef, autoPayment bool) error {
	hash := p.lastPrint.ContentHash
	if hash == "" {
		return ErrNoPrint
	}

	p.accepted = &Acceptance{ContentHash: hash, AcceptedBy: user, AutoPayment: autoPayment}
	p.logger.Info("print accepted", "md5", hash, "user", user.Username, "auto_payment", autoPayment)

	p.send(device.Resume())
	p.publish()
	return nil
}

func (p *Printer) publish() {
	state := p.report.State
	if state == "" {
		state = StateIdle
	}
	v := &PrinterView{
		Serial:           p.opts.Serial,
		Title:            p.opts.Title,
		State:            state,
		RemainingMinutes: p.report.RemainingMinutes,
		Percent:          p.report.Percent,
		SpeedLevel:       p.report.SpeedLevel,
		LastPrint:        p.lastPrint,
		PaidHash:         p.paidHash,
		Metadata:         p.cached,
		Processing:       p.processing,
		UpdatedAt:        p.clock(),
	}
	if a := p.accepted; a != nil {
		v.AcceptedHash = a.ContentHash
		v.AcceptedBy = a.AcceptedBy.Username
		v.AutoPayment = a.AutoPayment
	}
	if p.processing {
		deadline := p.deadline
		v.ProcessingDeadline = &deadline
	}
	if !p.lastCommandAt.IsZero() {
		sent := p.lastCommandAt
		v.LastCommandSentAt = &sent
	}
	p.view.Store(v)
	p.deps.Notify()
}
