package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/record"
)

// internalTables are bookkeeping relations hidden from table listings and
// never editable through the review workflow.
var internalTables = map[string]bool{
	"users":             true,
	"change_requests":   true,
	"snapshots":         true,
	"refresh_sessions":  true,
	"schema_migrations": true,
}

// filterOps is the whitelist of comparison operators accepted in row filters.
var filterOps = map[string]bool{
	"=":    true,
	"!=":   true,
	"<>":   true,
	">":    true,
	"<":    true,
	">=":   true,
	"<=":   true,
	"LIKE": true,
}

// ListTables returns the user-facing tables of an environment, sorted by name.
func (s *PostgresStore) ListTables(ctx context.Context, e env.Environment) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema=$1 AND table_type='BASE TABLE'
		ORDER BY table_name
	`, e.String())
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	tables := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if internalTables[name] {
			continue
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

// TableSchema introspects a table's columns in declaration order, mapping
// Postgres types onto the workflow's declared type names.
func (s *PostgresStore) TableSchema(ctx context.Context, e env.Environment, table string) ([]record.FieldSchema, error) {
	if internalTables[table] {
		return nil, ErrTableNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable='YES'
		FROM information_schema.columns
		WHERE table_schema=$1 AND table_name=$2
		ORDER BY ordinal_position
	`, e.String(), table)
	if err != nil {
		return nil, fmt.Errorf("table schema: %w", err)
	}
	defer rows.Close()

	schemas := make([]record.FieldSchema, 0)
	for rows.Next() {
		var fs record.FieldSchema
		var dataType string
		if err := rows.Scan(&fs.Name, &dataType, &fs.Nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		fs.DeclaredType = declaredType(dataType)
		schemas = append(schemas, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(schemas) == 0 {
		return nil, ErrTableNotFound
	}

	pk, err := s.primaryKeyColumn(ctx, e, table)
	if err != nil {
		return nil, err
	}
	for i := range schemas {
		if schemas[i].Name == pk {
			schemas[i].IsIdentifier = true
		}
	}
	return schemas, nil
}

func declaredType(dataType string) string {
	switch strings.ToLower(dataType) {
	case "smallint", "integer", "bigint", "numeric", "decimal", "real", "double precision":
		return record.TypeNumber
	case "boolean":
		return record.TypeBoolean
	case "json", "jsonb":
		return record.TypeStructured
	default:
		return record.TypeText
	}
}

func (s *PostgresStore) primaryKeyColumn(ctx context.Context, e env.Environment, table string) (string, error) {
	var pk string
	err := s.db.QueryRowContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema=$1 AND tc.table_name=$2 AND tc.constraint_type='PRIMARY KEY'
		ORDER BY kcu.ordinal_position
		LIMIT 1
	`, e.String(), table).Scan(&pk)
	if errors.Is(err, sql.ErrNoRows) {
		// Fall back to the conventional id column for keyless tables.
		return "id", nil
	}
	if err != nil {
		return "", fmt.Errorf("primary key column: %w", err)
	}
	return pk, nil
}

// TableRows lists a page of rows ordered by primary key, with optional
// filters. Filter columns are validated against the table schema and filter
// operators against the whitelist; values always bind as parameters.
func (s *PostgresStore) TableRows(ctx context.Context, e env.Environment, table string, page, pageSize int, filters []Filter) ([]record.Record, int, error) {
	schemas, err := s.TableSchema(ctx, e, table)
	if err != nil {
		return nil, 0, err
	}
	byName := make(map[string]record.FieldSchema, len(schemas))
	for _, fs := range schemas {
		byName[fs.Name] = fs
	}

	where := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		fs, ok := byName[f.Column]
		if !ok {
			return nil, 0, &record.ValidationError{Field: f.Column, Message: fmt.Sprintf("unknown filter column %q", f.Column)}
		}
		op := strings.ToUpper(strings.TrimSpace(f.Operator))
		if !filterOps[op] {
			return nil, 0, &record.ValidationError{Field: f.Column, Message: fmt.Sprintf("unsupported filter operator %q", f.Operator)}
		}
		arg, err := filterArg(fs, f.Value)
		if err != nil {
			return nil, 0, err
		}
		args = append(args, arg)
		where = append(where, fmt.Sprintf("%s %s $%d", ident(f.Column), op, len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, rel(e, table), clause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	orderBy := pkColumn(schemas)
	query := fmt.Sprintf(
		`SELECT * FROM %s%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		rel(e, table), clause, ident(orderBy), len(args)+1, len(args)+2,
	)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func pkColumn(schemas []record.FieldSchema) string {
	for _, fs := range schemas {
		if fs.IsIdentifier {
			return fs.Name
		}
	}
	return schemas[0].Name
}

func filterArg(fs record.FieldSchema, raw string) (any, error) {
	switch fs.DeclaredType {
	case record.TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, &record.ValidationError{Field: fs.Name, Message: fmt.Sprintf("filter value %q is not a number", raw)}
		}
		return n, nil
	case record.TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &record.ValidationError{Field: fs.Name, Message: fmt.Sprintf("filter value %q is not a boolean", raw)}
		}
		return b, nil
	default:
		return raw, nil
	}
}

// GetRow fetches one row by primary key. A nil record with a nil error means
// the row does not exist; callers decide whether that is an error.
func (s *PostgresStore) GetRow(ctx context.Context, e env.Environment, table string, id int64) (*record.Record, error) {
	schemas, err := s.TableSchema(ctx, e, table)
	if err != nil {
		return nil, err
	}
	pk := pkColumn(schemas)
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s=$1`, rel(e, table), ident(pk))
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *PostgresStore) lockRowTx(ctx context.Context, tx *sql.Tx, e env.Environment, table string, id int64) (record.Record, error) {
	pk, err := s.primaryKeyColumn(ctx, e, table)
	if err != nil {
		return record.Record{}, err
	}
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s=$1 FOR UPDATE`, rel(e, table), ident(pk))
	rows, err := tx.QueryContext(ctx, query, id)
	if err != nil {
		return record.Record{}, fmt.Errorf("lock row: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return record.Record{}, err
	}
	if len(records) == 0 {
		return record.Record{}, ErrRecordNotFound
	}
	return records[0], nil
}

func (s *PostgresStore) insertRowTx(ctx context.Context, tx *sql.Tx, e env.Environment, table string, values map[string]record.Value) (int64, error) {
	pk, err := s.primaryKeyColumn(ctx, e, table)
	if err != nil {
		return 0, err
	}

	columns := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	args := make([]any, 0, len(values))
	for _, field := range sortedKeys(values) {
		if field == pk {
			continue
		}
		columns = append(columns, ident(field))
		args = append(args, values[field].Any())
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("insert row: no columns")
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		rel(e, table), strings.Join(columns, ", "), strings.Join(placeholders, ", "), ident(pk),
	)
	var id int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert row: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) updateRowTx(ctx context.Context, tx *sql.Tx, e env.Environment, table string, id int64, values map[string]record.Value) error {
	pk, err := s.primaryKeyColumn(ctx, e, table)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	for _, field := range sortedKeys(values) {
		if field == pk {
			continue
		}
		args = append(args, values[field].Any())
		sets = append(sets, fmt.Sprintf("%s=$%d", ident(field), len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf(
		`UPDATE %s SET %s WHERE %s=$%d`,
		rel(e, table), strings.Join(sets, ", "), ident(pk), len(args),
	)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update row: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// DeleteRow removes a row directly, bypassing review. The caller enforces the
// admin gate.
func (s *PostgresStore) DeleteRow(ctx context.Context, e env.Environment, table string, id int64) error {
	if internalTables[table] {
		return ErrTableNotFound
	}
	pk, err := s.primaryKeyColumn(ctx, e, table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, rel(e, table), ident(pk))
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// --- Snapshots ---

func (s *PostgresStore) ListSnapshots(ctx context.Context, e env.Environment, table string) ([]Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT id, table_name, record_id, data, change_id, created_at
		FROM %s WHERE table_name=$1 ORDER BY created_at DESC
	`, rel(e, "snapshots"))
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, e env.Environment, id int64) (Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT id, table_name, record_id, data, change_id, created_at
		FROM %s WHERE id=$1
	`, rel(e, "snapshots"))
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrRecordNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var raw []byte
	if err := row.Scan(&snap.ID, &snap.TableName, &snap.RecordID, &raw, &snap.ChangeID, &snap.CreatedAt); err != nil {
		return Snapshot{}, err
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshal snapshot data: %w", err)
	}
	return snap, nil
}

// --- Row scanning ---

// scanRecords materializes result rows into ordered records, tagging each
// value by the driver's reported column type.
func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("row columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("row column types: %w", err)
	}

	records := make([]record.Record, 0)
	for rows.Next() {
		dest := make([]any, len(columns))
		for i := range dest {
			dest[i] = new(any)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		values := make(map[string]record.Value, len(columns))
		for i, col := range columns {
			values[col] = columnValue(*(dest[i].(*any)), types[i].DatabaseTypeName())
		}
		records = append(records, record.NewRecord(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

func columnValue(v any, dbType string) record.Value {
	if v == nil {
		return record.Null()
	}
	switch strings.ToUpper(dbType) {
	case "JSON", "JSONB":
		if raw, ok := v.([]byte); ok {
			return record.FromJSON(raw)
		}
		if raw, ok := v.(string); ok {
			return record.FromJSON([]byte(raw))
		}
	case "NUMERIC", "DECIMAL":
		switch n := v.(type) {
		case []byte:
			if f, err := strconv.ParseFloat(string(n), 64); err == nil {
				return record.Number(f)
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return record.Number(f)
			}
		}
	}
	return record.FromAny(v)
}

func sortedKeys(values map[string]record.Value) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
