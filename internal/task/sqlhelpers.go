package task

import "fmt"

// fmtSet appends a "column = $N" SET clause fragment.
func fmtSet(column string, pos int) string {
	return fmt.Sprintf(", %s = $%d", column, pos)
}

// fmtWhere appends an " AND column = $N" predicate fragment.
func fmtWhere(column string, pos int) string {
	return fmt.Sprintf(" AND %s = $%d", column, pos)
}

// fmtWhereTuple appends the keyset-pagination predicate
// "(created_at, id) > ($N, $N+1)".
func fmtWhereTuple(pos int) string {
	return fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", pos, pos+1)
}

// limitPlaceholder returns the bind placeholder for the LIMIT argument.
func limitPlaceholder(pos int) string {
	return fmt.Sprintf("$%d", pos)
}
