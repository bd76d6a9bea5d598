package journal

import (
	"database/sql"
	"fmt"
)

// RecordOperation stores a finished operation. Recording the same id twice
// keeps the latest row.
func (j *Journal) RecordOperation(op Operation) error {
	_, err := j.conn.Exec(`
		INSERT OR REPLACE INTO operations
			(id, kind, target, device, state, error_kind, error, result, submitted_at, finished_at, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Kind, op.Target, op.Device, op.State, op.ErrorKind, op.Error, op.Result,
		toUnix(op.SubmittedAt), toUnix(op.FinishedAt), int64(op.Generation))
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// RecentOperations returns the newest operations first. An empty device
// returns operations on every device.
func (j *Journal) RecentOperations(device string, limit int) ([]*Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.conn.Query(`
		SELECT id, kind, target, device, state, error_kind, error, result, submitted_at, finished_at, generation
		FROM operations
		WHERE ? = '' OR device = ?
		ORDER BY finished_at DESC
		LIMIT ?
	`, device, device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		var dev, errKind, errMsg, result sql.NullString
		var submitted, finished, gen int64
		if err := rows.Scan(&op.ID, &op.Kind, &op.Target, &dev, &op.State, &errKind, &errMsg, &result,
			&submitted, &finished, &gen); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Device = dev.String
		op.ErrorKind = errKind.String
		op.Error = errMsg.String
		op.Result = result.String
		op.SubmittedAt = fromUnix(submitted)
		op.FinishedAt = fromUnix(finished)
		op.Generation = uint64(gen)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// RecordDeviceEvent stores a device event
func (j *Journal) RecordDeviceEvent(ev DeviceEvent) error {
	_, err := j.conn.Exec(`
		INSERT INTO device_events (device, event, model, serial, size_bytes, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Device, ev.Event, ev.Model, ev.Serial, int64(ev.Size), toUnix(ev.At))
	if err != nil {
		return fmt.Errorf("failed to record device event: %w", err)
	}
	return nil
}

// RecentDeviceEvents returns the newest device events first
func (j *Journal) RecentDeviceEvents(limit int) ([]*DeviceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.conn.Query(`
		SELECT id, device, event, model, serial, size_bytes, at
		FROM device_events
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query device events: %w", err)
	}
	defer rows.Close()

	var events []*DeviceEvent
	for rows.Next() {
		var ev DeviceEvent
		var model, serial sql.NullString
		var size sql.NullInt64
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Device, &ev.Event, &model, &serial, &size, &at); err != nil {
			return nil, fmt.Errorf("failed to scan device event: %w", err)
		}
		ev.Model = model.String
		ev.Serial = serial.String
		ev.Size = uint64(size.Int64)
		ev.At = fromUnix(at)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
