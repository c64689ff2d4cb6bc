package core

import (
	"context"
	"time"

	"github.com/bitlair/Print-manager/internal/db"
	"github.com/bitlair/Print-manager/internal/device"
	"github.com/bitlair/Print-manager/internal/extract"
)

// Print states reported in print.gcode_state.
const (
	StateIdle    = "IDLE"
	StatePrepare = "PREPARE"
	StateRunning = "RUNNING"
	StatePause   = "PAUSE"
	StateFinish  = "FINISH"
	StateFailed  = "FAILED"
)

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type LastPrint struct {
	ContentHash    string `json:"md5"`
	SourceFilename string `json:"file"`
	Title          string `json:"title"`
}

type Acceptance struct {
	ContentHash string
	AcceptedBy  UserRef
	AutoPayment bool
}

// PrinterView is the externally visible state of a printer. Credentials and
// the raw telemetry snapshot are never part of it.
type PrinterView struct {
	Serial             string            `json:"serial"`
	Title              string            `json:"title"`
	State              string            `json:"state"`
	RemainingMinutes   int               `json:"remaining_time_min"`
	Percent            int               `json:"remaining_percentage"`
	SpeedLevel         int               `json:"speed_level"`
	LastPrint          LastPrint         `json:"last_print"`
	AcceptedHash       string            `json:"last_accepted_md5,omitempty"`
	AcceptedBy         string            `json:"last_accepted_by,omitempty"`
	AutoPayment        bool              `json:"auto_payment"`
	PaidHash           string            `json:"last_paid_for_md5,omitempty"`
	Metadata           *extract.Metadata `json:"gcode_information,omitempty"`
	Processing         bool              `json:"processing"`
	ProcessingDeadline *time.Time        `json:"processing_deadline,omitempty"`
	LastCommandSentAt  *time.Time        `json:"last_command_sent_at,omitempty"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

type Commander interface {
	Publish(cmd device.Command) error
}

type FileStore interface {
	Open(ctx context.Context) (device.FileSession, error)
}

type Extractor interface {
	Extract(ctx context.Context, archivePath, origin string) (*extract.Metadata, error)
}

// Payer starts a remote accounting session. Weight is in whole grams.
type Payer interface {
	Pay(ctx context.Context, weightGrams int, username string) error
}

type PaymentLedger interface {
	CreatePayment(ctx context.Context, p *db.Payment) (int64, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status db.PaymentStatus, errMsg string) error
}

// Dispatcher runs extraction tasks off the telemetry path. The returned
// function cancels the task. StaggerDelay is how long a task for the given
// ordinal waits before it may start.
type Dispatcher interface {
	Submit(task Task, deliver func(Result)) context.CancelFunc
	StaggerDelay(ordinal int) time.Duration
}
