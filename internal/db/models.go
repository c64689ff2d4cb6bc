package db

import (
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentSkipped   PaymentStatus = "skipped"
)

type Payment struct {
	ID            int64         `json:"id"`
	PrinterSerial string        `json:"printer_serial"`
	ContentHash   string        `json:"content_hash"`
	WeightGrams   int           `json:"weight_grams"`
	Username      string        `json:"username"`
	Status        PaymentStatus `json:"status"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
