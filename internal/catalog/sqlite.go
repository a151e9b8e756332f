package catalog

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dbsmedya/goscope/internal/types"
)

func (s *SQLIntrospector) introspectSQLite(ctx context.Context) (*Store, error) {
	store := &Store{Name: s.Name, Kind: Relational, Dialect: s.Dialect}

	var tables []string
	err := s.scanArgs(ctx, `SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}

	for _, table := range tables {
		e := &Entity{Ref: EntityRef{Store: s.Name, Name: table}, Kind: KindTable, Table: table}
		if err := s.sqliteColumns(ctx, e); err != nil {
			return nil, fmt.Errorf("table %s columns: %w", table, err)
		}
		if err := s.sqliteForeignKeys(ctx, e); err != nil {
			return nil, fmt.Errorf("table %s foreign keys: %w", table, err)
		}
		if err := s.sqliteIndexes(ctx, e); err != nil {
			return nil, fmt.Errorf("table %s indexes: %w", table, err)
		}
		store.Entities = append(store.Entities, e)
	}

	// Foreign keys that omit the parent columns reference the parent's primary key.
	for _, e := range store.Entities {
		for i := range e.ForeignKeys {
			fk := &e.ForeignKeys[i]
			if len(fk.TargetColumns) > 0 && fk.TargetColumns[0] != "" {
				continue
			}
			for _, p := range store.Entities {
				if p.Ref == fk.Target {
					fk.TargetColumns = append([]string(nil), p.PrimaryKey...)
				}
			}
		}
	}
	return store, nil
}

func (s *SQLIntrospector) sqliteColumns(ctx context.Context, e *Entity) error {
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol

	err := s.scanArgs(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`,
		[]any{e.Table}, func(rows *sql.Rows) error {
			var name, native string
			var notNull, pk int
			var def sql.NullString
			if err := rows.Scan(&name, &native, &notNull, &def, &pk); err != nil {
				return err
			}
			col := Column{Name: name, Native: native, Type: types.Classify(native), Nullable: notNull == 0 && pk == 0}
			if def.Valid {
				d := def.String
				col.Default = &d
			}
			e.Columns = append(e.Columns, col)
			if pk > 0 {
				pks = append(pks, pkCol{name, pk})
			}
			return nil
		})
	if err != nil {
		return err
	}

	e.PrimaryKey = make([]string, len(pks))
	for _, p := range pks {
		if p.pos-1 < len(pks) {
			e.PrimaryKey[p.pos-1] = p.name
		}
	}
	return nil
}

func (s *SQLIntrospector) sqliteForeignKeys(ctx context.Context, e *Entity) error {
	return s.scanArgs(ctx, `SELECT id, "table", "from", "to" FROM pragma_foreign_key_list(?) ORDER BY id, seq`,
		[]any{e.Table}, func(rows *sql.Rows) error {
			var id int
			var parent, from string
			var to sql.NullString
			if err := rows.Scan(&id, &parent, &from, &to); err != nil {
				return err
			}
			name := fmt.Sprintf("fk_%s_%d", e.Table, id)
			appendFKColumn(e, name, from, EntityRef{Store: s.Name, Name: parent}, to.String)
			return nil
		})
}

func (s *SQLIntrospector) sqliteIndexes(ctx context.Context, e *Entity) error {
	type idx struct {
		name   string
		unique bool
	}
	var list []idx
	err := s.scanArgs(ctx, `SELECT name, "unique" FROM pragma_index_list(?) WHERE origin <> 'pk' ORDER BY name`,
		[]any{e.Table}, func(rows *sql.Rows) error {
			var i idx
			if err := rows.Scan(&i.name, &i.unique); err != nil {
				return err
			}
			list = append(list, i)
			return nil
		})
	if err != nil {
		return err
	}

	for _, i := range list {
		err := s.scanArgs(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, []any{i.name}, func(rows *sql.Rows) error {
			var col sql.NullString
			if err := rows.Scan(&col); err != nil {
				return err
			}
			if col.Valid {
				appendIndexColumn(e, i.name, i.unique, col.String)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLIntrospector) scanArgs(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	rows, err := s.DB.QueryContext(ctx, query, args...)
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
