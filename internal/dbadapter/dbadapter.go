// Package dbadapter implements the Source Database Adapter (ports.SourceDB)
// over database/sql, selecting the concrete driver from the DSN scheme:
// postgres:// uses lib/pq, mysql:// uses go-sql-driver/mysql. This
// mirrors the dual-driver selection the cdc-sink reference pack uses to
// target either database as a staging or target pool.
package dbadapter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/segmentio/encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/streamforge/tablereader/internal/cursor"
	"github.com/streamforge/tablereader/internal/logutil"
	"github.com/streamforge/tablereader/internal/ports"
	"github.com/streamforge/tablereader/internal/rerr"
)

// marshalRow encodes a fetched row as a JSON object keyed by column
// name, the payload format the SMS and downstream consumer expect.
func marshalRow(columns []string, values []interface{}) ([]byte, error) {
	obj := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		obj[col] = values[i]
	}
	return json.Marshal(obj)
}

// Dialect distinguishes the small set of SQL differences between the
// two supported backends: placeholder syntax and watermark/slot
// queries.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectMySQL
)

// Schema names the columns a Driver needs to build keyset-paginated
// queries: the ordered sort/PK columns (identical in this module,
// since the keyset cursor is defined over the primary key) and the
// full column list Stage 2 selects.
type Schema struct {
	Table      string
	PKColumns  []string
	AllColumns []string
}

// Driver is a ports.SourceDB backed by database/sql.
type Driver struct {
	db      *sql.DB
	dialect Dialect
	schema  Schema
}

// Open parses dsn's scheme to pick a driver and dialect, then opens a
// connection pool. Supported schemes are postgres:// and mysql://.
func Open(dsn string, schema Schema) (*Driver, error) {
	dialect, driverName, err := dialectFor(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driverName, strings.TrimPrefix(dsn, dialectPrefix(dialect)))
	if err != nil {
		return nil, errors.Wrap(err, "opening source database")
	}
	return &Driver{db: db, dialect: dialect, schema: schema}, nil
}

func dialectFor(dsn string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, "postgres", nil
	case strings.HasPrefix(dsn, "mysql://"):
		return DialectMySQL, "mysql", nil
	default:
		return 0, "", errors.Newf("dbadapter: unrecognized dsn scheme in %q", dsn)
	}
}

func dialectPrefix(d Dialect) string {
	if d == DialectMySQL {
		return "mysql://"
	}
	return ""
}

// Close releases the underlying connection pool.
func (d *Driver) Close() error { return d.db.Close() }

func (d *Driver) placeholder(n int) string {
	if d.dialect == DialectMySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// ScanPKs performs the Stage-1 keyset-paginated primary-key scan.
func (d *Driver) ScanPKs(ctx context.Context, tableOID string, after cursor.Cursor, limit int, includeMin bool) (ports.ScanPKsResult, error) {
	query, args := d.buildKeysetQuery(d.schema.PKColumns, after, limit, includeMin)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ports.ScanPKsResult{}, classifyErr(err)
	}
	defer rows.Close()

	var pks []cursor.PK
	var last cursor.Cursor
	for rows.Next() {
		vals, err := scanInto(rows, len(d.schema.PKColumns))
		if err != nil {
			return ports.ScanPKsResult{}, classifyErr(err)
		}
		pks = append(pks, cursor.PK{Values: vals})
		last = cursor.Cursor{Values: vals}
	}
	if err := rows.Err(); err != nil {
		return ports.ScanPKsResult{}, classifyErr(err)
	}
	if len(pks) == 0 {
		last = after
	}
	return ports.ScanPKsResult{PKs: pks, NextCursor: last}, nil
}

// FetchRows performs the Stage-2 full row fetch over the same keyset
// window as a preceding ScanPKs call.
func (d *Driver) FetchRows(ctx context.Context, tableOID string, after cursor.Cursor, limit int, includeMin bool) (ports.FetchRowsResult, error) {
	query, args := d.buildKeysetQuery(d.schema.AllColumns, after, limit, includeMin)
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ports.FetchRowsResult{}, classifyErr(err)
	}
	defer rows.Close()

	pkIdx := pkColumnIndexes(d.schema.AllColumns, d.schema.PKColumns)

	var out []ports.RawMessage
	for rows.Next() {
		vals, err := scanInto(rows, len(d.schema.AllColumns))
		if err != nil {
			return ports.FetchRowsResult{}, classifyErr(err)
		}
		pkVals := make([]interface{}, len(pkIdx))
		for i, idx := range pkIdx {
			pkVals[i] = vals[idx]
		}
		payload, err := marshalRow(d.schema.AllColumns, vals)
		if err != nil {
			return ports.FetchRowsResult{}, errors.Wrap(err, "marshaling row payload")
		}
		out = append(out, ports.RawMessage{PK: cursor.PK{Values: pkVals}, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return ports.FetchRowsResult{}, classifyErr(err)
	}
	return ports.FetchRowsResult{Messages: out}, nil
}

// WithWatermark brackets body with a low/high watermark marker emitted
// into the replication stream, so the CDC consumer can reconcile
// concurrent changes against this batch's fetch window. Postgres uses
// pg_logical_emit_message; MySQL uses a heartbeat row insert into the
// binlog, following the same bracket-low/run/bracket-high shape.
func (d *Driver) WithWatermark(ctx context.Context, slotID, backfillID, batchID, tableOID string, body func(ctx context.Context) (ports.FetchRowsResult, error)) (ports.WatermarkResult, error) {
	if err := d.emitWatermark(ctx, slotID, backfillID, batchID, "low"); err != nil {
		return ports.WatermarkResult{}, err
	}
	result, err := body(ctx)
	if err != nil {
		return ports.WatermarkResult{}, err
	}
	if err := d.emitWatermark(ctx, slotID, backfillID, batchID, "high"); err != nil {
		return ports.WatermarkResult{}, err
	}
	lsn, err := d.FetchSlotLSN(ctx, slotID)
	if err != nil {
		logutil.Warnf("table reader %s: watermark lsn lookup failed: %v", backfillID, err)
		lsn = ""
	}
	return ports.WatermarkResult{Messages: result.Messages, ApproximateLSN: lsn}, nil
}

func (d *Driver) emitWatermark(ctx context.Context, slotID, backfillID, batchID, mark string) error {
	payload := fmt.Sprintf("table_reader:%s:%s:%s", backfillID, batchID, mark)
	var query string
	switch d.dialect {
	case DialectPostgres:
		query = `SELECT pg_logical_emit_message(true, 'table_reader', $1)`
	case DialectMySQL:
		query = `INSERT INTO table_reader_heartbeats (marker) VALUES (?)`
	}
	if _, err := d.db.ExecContext(ctx, query, payload); err != nil {
		return classifyErr(err)
	}
	return nil
}

// FetchSlotLSN returns the replication slot's current write position.
func (d *Driver) FetchSlotLSN(ctx context.Context, slotName string) (string, error) {
	if d.dialect == DialectMySQL {
		return d.fetchMySQLSlotLSN(ctx, slotName)
	}
	row := d.db.QueryRowContext(ctx, `SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1`, slotName)
	var lsn string
	if err := row.Scan(&lsn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", rerr.New(rerr.KindSlotNotFound, "replication slot %q not found", slotName)
		}
		return "", classifyErr(err)
	}
	return lsn, nil
}

// fetchMySQLSlotLSN reads SHOW MASTER STATUS, whose column set varies
// across MySQL/MariaDB versions (Binlog_Do_DB/Binlog_Ignore_DB/
// Executed_Gtid_Set are present or absent depending on server config),
// so the row is scanned generically and File/Position are picked out
// by name rather than position.
func (d *Driver) fetchMySQLSlotLSN(ctx context.Context, slotName string) (string, error) {
	rows, err := d.db.QueryContext(ctx, `SHOW MASTER STATUS`)
	if err != nil {
		return "", classifyErr(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", classifyErr(err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", classifyErr(err)
		}
		return "", rerr.New(rerr.KindSlotNotFound, "replication slot %q not found: binary logging is disabled", slotName)
	}

	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return "", classifyErr(err)
	}

	var file, position string
	for i, col := range cols {
		switch col {
		case "File":
			file, _ = vals[i].(string)
		case "Position":
			position = fmt.Sprintf("%v", vals[i])
		}
	}
	if file == "" {
		return "", rerr.New(rerr.KindSlotNotFound, "replication slot %q not found: SHOW MASTER STATUS returned no file/position", slotName)
	}
	return file + ":" + position, nil
}

func (d *Driver) buildKeysetQuery(columns []string, after cursor.Cursor, limit int, includeMin bool) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(columns, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(d.schema.Table)

	var args []interface{}
	if !after.IsZero() {
		op := ">"
		if includeMin {
			op = ">="
		}
		sb.WriteString(" WHERE (")
		sb.WriteString(strings.Join(d.schema.PKColumns, ", "))
		sb.WriteString(") ")
		sb.WriteString(op)
		sb.WriteString(" (")
		for i, v := range after.Values {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(d.placeholder(i + 1))
			args = append(args, v)
		}
		sb.WriteString(")")
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(d.schema.PKColumns, ", "))
	sb.WriteString(" LIMIT ")
	sb.WriteString(d.placeholder(len(args) + 1))
	args = append(args, limit)

	return sb.String(), args
}

func scanInto(rows *sql.Rows, n int) ([]interface{}, error) {
	vals := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func pkColumnIndexes(all, pk []string) []int {
	idx := make([]int, 0, len(pk))
	for _, pkCol := range pk {
		for i, col := range all {
			if col == pkCol {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

// classifyErr maps a database/sql error to a tagged rerr.Kind so the
// owner state machine can dispatch on it without importing driver
// packages directly.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rerr.New(rerr.KindQueryTimeout, "query exceeded timeout budget: %v", err)
	}
	return rerr.New(rerr.KindTransientDB, "source database error: %v", err)
}
