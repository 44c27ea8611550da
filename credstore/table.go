package credstore

import (
	"context"
	"database/sql"
	"fmt"
)

type (
	tableDef struct {
		name    string
		columns []columnDef
		pk      []string
		unique  []uniqueDef
	}

	uniqueDef struct {
		name    string
		columns []string
	}

	columnDef struct {
		name     string
		datatype string
	}

	MissingUniqueIndex struct {
		Table  string
		Column string
	}
)

func (m MissingUniqueIndex) Error() string {
	return fmt.Sprintf("table %v has no unique index covering only column %v", m.Table, m.Column)
}

// verifyUniqueColumns checks that each column is covered by a single column
// unique index, otherwise duplicates would go unnoticed.
func verifyUniqueColumns(ctx context.Context, db *sql.DB, table string, columns ...string) error {
	td, err := loadTableDef(ctx, db, table)
	if err != nil {
		return fmt.Errorf("unable to inspect table %v, cause %w", table, err)
	}
	for _, c := range columns {
		if !td.hasUnique(c) {
			return MissingUniqueIndex{Table: table, Column: c}
		}
	}
	return nil
}

func (t *tableDef) hasUnique(column string) bool {
	for _, u := range t.unique {
		if len(u.columns) == 1 && u.columns[0] == column {
			return true
		}
	}
	return len(t.pk) == 1 && t.pk[0] == column
}

func loadTableDef(ctx context.Context, db *sql.DB, name string) (*tableDef, error) {
	td := tableDef{
		name: name,
	}
	rows, err := db.QueryContext(ctx, `select name, type, pk from pragma_table_info(?) order by name`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var col columnDef
		var pk int
		err = rows.Scan(&col.name, &col.datatype, &pk)
		if err != nil {
			return nil, err
		}
		td.columns = append(td.columns, col)
		if pk > 0 {
			td.pk = append(td.pk, col.name)
		}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(td.columns) == 0 {
		return nil, sql.ErrNoRows
	}
	uniqueIdx, err := listUniqueIndexes(ctx, db, name)
	if err != nil {
		return nil, err
	}
	for _, v := range uniqueIdx {
		udef, err := loadUniqueDef(ctx, db, v)
		if err != nil {
			return nil, err
		}
		td.unique = append(td.unique, udef)
	}
	return &td, nil
}

func loadUniqueDef(ctx context.Context, db *sql.DB, name string) (uniqueDef, error) {
	rows, err := db.QueryContext(ctx, `select name from pragma_index_info(?) order by seqno`, name)
	if err != nil {
		return uniqueDef{}, err
	}
	defer rows.Close()
	ud := uniqueDef{
		name: name,
	}
	for rows.Next() {
		var col string
		err = rows.Scan(&col)
		if err != nil {
			return uniqueDef{}, err
		}
		ud.columns = append(ud.columns, col)
	}
	return ud, rows.Err()
}

// listUniqueIndexes skips partial indexes, they do not guarantee uniqueness
// for every row.
func listUniqueIndexes(ctx context.Context, db *sql.DB, name string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `select name from pragma_index_list(?) where [unique] = 1 and partial = 0 order by name`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ret []string
	for rows.Next() {
		var idx string
		err = rows.Scan(&idx)
		if err != nil {
			return nil, err
		}
		ret = append(ret, idx)
	}
	return ret, rows.Err()
}
