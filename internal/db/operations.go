package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrPaymentNotFound = errors.New("payment not found")

type PaymentOperations struct {
	db *DB
}

func NewPaymentOperations(db *DB) *PaymentOperations {
	return &PaymentOperations{db: db}
}

func (o *PaymentOperations) CreatePayment(ctx context.Context, p *Payment) (int64, error) {
	if p.Status == "" {
		p.Status = PaymentPending
	}
	result, err := o.db.conn.ExecContext(ctx, InsertPayment,
		p.PrinterSerial, p.ContentHash, p.WeightGrams, p.Username, p.Status, p.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to create payment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get payment id: %w", err)
	}
	p.ID = id
	return id, nil
}

func (o *PaymentOperations) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus, errMsg string) error {
	result, err := o.db.conn.ExecContext(ctx, UpdatePaymentStatus, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (o *PaymentOperations) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	p := &Payment{}
	err := o.db.conn.QueryRowContext(ctx, GetPaymentByID, id).Scan(
		&p.ID, &p.PrinterSerial, &p.ContentHash, &p.WeightGrams, &p.Username,
		&p.Status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments returns the most recent payments first. An empty serial lists
// every printer.
func (o *PaymentOperations) ListPayments(ctx context.Context, serial string, limit, offset int) ([]*Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows *sql.Rows
	var err error
	if serial != "" {
		rows, err = o.db.conn.QueryContext(ctx, ListPaymentsByPrinter, serial, limit, offset)
	} else {
		rows, err = o.db.conn.QueryContext(ctx, ListPayments, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := []*Payment{}
	for rows.Next() {
		p := &Payment{}
		if err := rows.Scan(
			&p.ID, &p.PrinterSerial, &p.ContentHash, &p.WeightGrams, &p.Username,
			&p.Status, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type UserTotal struct {
	Username    string `json:"username"`
	WeightGrams int    `json:"weight_grams"`
	Prints      int    `json:"prints"`
}

func (o *PaymentOperations) TotalsByUser(ctx context.Context) ([]UserTotal, error) {
	rows, err := o.db.conn.QueryContext(ctx, SumPaidWeightByUser)
	if err != nil {
		return nil, fmt.Errorf("failed to sum payments: %w", err)
	}
	defer rows.Close()

	totals := []UserTotal{}
	for rows.Next() {
		var t UserTotal
		if err := rows.Scan(&t.Username, &t.WeightGrams, &t.Prints); err != nil {
			return nil, fmt.Errorf("failed to scan payment total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
