package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbsmedya/goscope/internal/sqlutil"
	"github.com/dbsmedya/goscope/internal/types"
)

// Introspector reads one store's metadata.
type Introspector interface {
	StoreName() string
	Introspect(ctx context.Context) (*Store, error)
}

// SQLIntrospector reads information_schema (or the sqlite pragmas) of a relational store.
type SQLIntrospector struct {
	Name    string
	DB      *sql.DB
	Dialect sqlutil.Dialect
	// Schemas to read. Empty means the dialect default (public, dbo, or the current MySQL database).
	Schemas []string
}

// StoreName returns the configured store name.
func (s *SQLIntrospector) StoreName() string {
	return s.Name
}

type dialectQueries struct {
	defaultSchema string
	tables        string // schema, table
	columns       string // table, column, type, is_nullable, default
	primaryKeys   string // table, column
	foreignKeys   string // table, constraint, column, ref schema, ref table, ref column
	indexes       string // table, index, unique, column
}

var queries = map[sqlutil.Dialect]dialectQueries{
	sqlutil.Postgres: {
		defaultSchema: "public",
		tables: `SELECT table_schema, table_name FROM information_schema.tables
WHERE table_type = 'BASE TABLE' AND table_schema = $1 ORDER BY table_name`,
		columns: `SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns WHERE table_schema = $1 ORDER BY table_name, ordinal_position`,
		primaryKeys: `SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = $1
ORDER BY tc.table_name, kcu.ordinal_position`,
		foreignKeys: `SELECT kcu.table_name, kcu.constraint_name, kcu.column_name, ccu.table_schema, ccu.table_name, ccu.column_name
FROM information_schema.referential_constraints rc
JOIN information_schema.key_column_usage kcu
  ON kcu.constraint_name = rc.constraint_name AND kcu.constraint_schema = rc.constraint_schema
JOIN information_schema.key_column_usage ccu
  ON ccu.constraint_name = rc.unique_constraint_name AND ccu.constraint_schema = rc.unique_constraint_schema
  AND ccu.ordinal_position = kcu.position_in_unique_constraint
WHERE kcu.table_schema = $1
ORDER BY kcu.table_name, kcu.constraint_name, kcu.ordinal_position`,
		indexes: `SELECT t.relname, i.relname, ix.indisunique, a.attname
FROM pg_index ix
JOIN pg_class t ON t.oid = ix.indrelid
JOIN pg_class i ON i.oid = ix.indexrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
WHERE n.nspname = $1 AND NOT ix.indisprimary
ORDER BY t.relname, i.relname, array_position(ix.indkey, a.attnum)`,
	},
	sqlutil.MySQL: {
		tables: `SELECT table_schema, table_name FROM information_schema.tables
WHERE table_type = 'BASE TABLE' AND table_schema = ? ORDER BY table_name`,
		columns: `SELECT table_name, column_name, column_type, is_nullable, column_default
FROM information_schema.columns WHERE table_schema = ? ORDER BY table_name, ordinal_position`,
		primaryKeys: `SELECT tc.table_name, kcu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema AND tc.table_name = kcu.table_name
WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = ?
ORDER BY tc.table_name, kcu.ordinal_position`,
		foreignKeys: `SELECT table_name, constraint_name, column_name, referenced_table_schema, referenced_table_name, referenced_column_name
FROM information_schema.key_column_usage
WHERE table_schema = ? AND referenced_table_name IS NOT NULL
ORDER BY table_name, constraint_name, ordinal_position`,
		indexes: `SELECT table_name, index_name, non_unique = 0, column_name
FROM information_schema.statistics
WHERE table_schema = ? AND index_name <> 'PRIMARY'
ORDER BY table_name, index_name, seq_in_index`,
	},
	sqlutil.SQLServer: {
		defaultSchema: "dbo",
		tables: `SELECT TABLE_SCHEMA, TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = @p1 ORDER BY TABLE_NAME`,
		columns: `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, IS_NULLABLE, COLUMN_DEFAULT
FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 ORDER BY TABLE_NAME, ORDINAL_POSITION`,
		primaryKeys: `SELECT tc.TABLE_NAME, kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
  ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA AND tc.TABLE_NAME = kcu.TABLE_NAME
WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1
ORDER BY tc.TABLE_NAME, kcu.ORDINAL_POSITION`,
		foreignKeys: `SELECT tp.name, fk.name, cp.name, SCHEMA_NAME(tr.schema_id), tr.name, cr.name
FROM sys.foreign_keys fk
INNER JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
INNER JOIN sys.tables tp ON tp.object_id = fkc.parent_object_id
INNER JOIN sys.columns cp ON cp.object_id = fkc.parent_object_id AND cp.column_id = fkc.parent_column_id
INNER JOIN sys.tables tr ON tr.object_id = fkc.referenced_object_id
INNER JOIN sys.columns cr ON cr.object_id = fkc.referenced_object_id AND cr.column_id = fkc.referenced_column_id
WHERE SCHEMA_NAME(tp.schema_id) = @p1
ORDER BY tp.name, fk.name, fkc.constraint_column_id`,
		indexes: `SELECT t.name, i.name, i.is_unique, c.name
FROM sys.indexes i
INNER JOIN sys.tables t ON t.object_id = i.object_id
INNER JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id
INNER JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
WHERE SCHEMA_NAME(t.schema_id) = @p1 AND i.is_primary_key = 0 AND i.name IS NOT NULL
ORDER BY t.name, i.name, ic.key_ordinal`,
	},
}

// Introspect reads tables, columns, keys, foreign keys and indexes.
func (s *SQLIntrospector) Introspect(ctx context.Context) (*Store, error) {
	if s.Dialect == sqlutil.SQLite {
		return s.introspectSQLite(ctx)
	}

	q, ok := queries[s.Dialect]
	if !ok {
		return nil, fmt.Errorf("no introspection queries for dialect %q", s.Dialect)
	}

	schemas := s.Schemas
	if len(schemas) == 0 {
		def := q.defaultSchema
		if def == "" {
			if err := s.DB.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&def); err != nil {
				return nil, fmt.Errorf("failed to read current database: %w", err)
			}
		}
		schemas = []string{def}
	}

	store := &Store{Name: s.Name, Kind: Relational, Dialect: s.Dialect}
	for _, schema := range schemas {
		entities, err := s.introspectSchema(ctx, q, schema, len(schemas) > 1)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", schema, err)
		}
		store.Entities = append(store.Entities, entities...)
	}
	return store, nil
}

func (s *SQLIntrospector) introspectSchema(ctx context.Context, q dialectQueries, schema string, qualify bool) ([]*Entity, error) {
	byTable := make(map[string]*Entity)
	var order []*Entity

	nameOf := func(sch, table string) string {
		if qualify {
			return sch + "." + table
		}
		return table
	}

	err := s.scan(ctx, q.tables, schema, func(rows *sql.Rows) error {
		var sch, table string
		if err := rows.Scan(&sch, &table); err != nil {
			return err
		}
		e := &Entity{
			Ref:    EntityRef{Store: s.Name, Name: nameOf(sch, table)},
			Kind:   KindTable,
			Schema: sch,
			Table:  table,
		}
		byTable[table] = e
		order = append(order, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}

	err = s.scan(ctx, q.columns, schema, func(rows *sql.Rows) error {
		var table, name, native, nullable string
		var def sql.NullString
		if err := rows.Scan(&table, &name, &native, &nullable, &def); err != nil {
			return err
		}
		e, ok := byTable[table]
		if !ok {
			return nil
		}
		col := Column{Name: name, Native: native, Type: types.Classify(native), Nullable: nullable == "YES"}
		if def.Valid {
			d := def.String
			col.Default = &d
		}
		e.Columns = append(e.Columns, col)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	err = s.scan(ctx, q.primaryKeys, schema, func(rows *sql.Rows) error {
		var table, col string
		if err := rows.Scan(&table, &col); err != nil {
			return err
		}
		if e, ok := byTable[table]; ok {
			e.PrimaryKey = append(e.PrimaryKey, col)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query primary keys: %w", err)
	}

	err = s.scan(ctx, q.foreignKeys, schema, func(rows *sql.Rows) error {
		var table, constraint, col, refSchema, refTable, refCol string
		if err := rows.Scan(&table, &constraint, &col, &refSchema, &refTable, &refCol); err != nil {
			return err
		}
		e, ok := byTable[table]
		if !ok {
			return nil
		}
		target := EntityRef{Store: s.Name, Name: nameOf(refSchema, refTable)}
		appendFKColumn(e, constraint, col, target, refCol)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}

	err = s.scan(ctx, q.indexes, schema, func(rows *sql.Rows) error {
		var table, index, col string
		var unique bool
		if err := rows.Scan(&table, &index, &unique, &col); err != nil {
			return err
		}
		if e, ok := byTable[table]; ok {
			appendIndexColumn(e, index, unique, col)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query indexes: %w", err)
	}

	return order, nil
}

func (s *SQLIntrospector) scan(ctx context.Context, query, schema string, fn func(*sql.Rows) error) error {
	rows, err := s.DB.QueryContext(ctx, query, schema)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// appendFKColumn adds one column of a (possibly composite) constraint.
func appendFKColumn(e *Entity, constraint, col string, target EntityRef, refCol string) {
	for i := range e.ForeignKeys {
		fk := &e.ForeignKeys[i]
		if fk.Name == constraint && fk.Target == target {
			fk.Columns = append(fk.Columns, col)
			fk.TargetColumns = append(fk.TargetColumns, refCol)
			return
		}
	}
	e.ForeignKeys = append(e.ForeignKeys, ForeignKey{
		Name:          constraint,
		Columns:       []string{col},
		Target:        target,
		TargetColumns: []string{refCol},
		Declared:      true,
	})
}

func appendIndexColumn(e *Entity, index string, unique bool, col string) {
	for i := range e.Indexes {
		if e.Indexes[i].Name == index {
			e.Indexes[i].Columns = append(e.Indexes[i].Columns, col)
			return
		}
	}
	e.Indexes = append(e.Indexes, Index{Name: index, Unique: unique, Columns: []string{col}})
}
