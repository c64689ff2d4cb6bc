package db

const (
	InsertPayment = `
		INSERT INTO payments (printer_serial, content_hash, weight_grams, username, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	UpdatePaymentStatus = `
		UPDATE payments SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`

	GetPaymentByID = `
		SELECT id, printer_serial, content_hash, weight_grams, username, status, error_message, created_at, updated_at
		FROM payments WHERE id = ?
	`

	ListPayments = `
		SELECT id, printer_serial, content_hash, weight_grams, username, status, error_message, created_at, updated_at
		FROM payments ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`

	ListPaymentsByPrinter = `
		SELECT id, printer_serial, content_hash, weight_grams, username, status, error_message, created_at, updated_at
		FROM payments WHERE printer_serial = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`

	SumPaidWeightByUser = `
		SELECT username, COALESCE(SUM(weight_grams), 0), COUNT(*)
		FROM payments WHERE status = 'succeeded'
		GROUP BY username ORDER BY username ASC
	`
)
