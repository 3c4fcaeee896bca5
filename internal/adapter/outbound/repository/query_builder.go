package repository

import (
	"batchclassify/internal/port/outbound"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultTable is the record table used when none is configured.
const DefaultTable = "classifications"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Placeholder renders the n-th (1-based) bind parameter for a SQL dialect.
type Placeholder func(n int) string

// DollarPlaceholder renders PostgreSQL style $n parameters.
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// QuestionPlaceholder renders positional ? parameters.
func QuestionPlaceholder(int) string { return "?" }

// QueryBuilder renders the record queries for one table and field set. The
// identifiers are validated once so they can be interpolated safely.
type QueryBuilder struct {
	table       string
	fields      []string
	placeholder Placeholder
	dateArg     func(time.Time) any
}

// NewQueryBuilder validates table and field names. table may be schema
// qualified ("public.records").
func NewQueryBuilder(table string, fields []string, placeholder Placeholder, dateArg func(time.Time) any) (*QueryBuilder, error) {
	if table == "" {
		table = DefaultTable
	}
	for _, part := range strings.Split(table, ".") {
		if !identifierPattern.MatchString(part) {
			return nil, fmt.Errorf("%w: table %q", ErrInvalidIdentifier, table)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no classification fields", ErrInvalidIdentifier)
	}
	for _, f := range fields {
		if !identifierPattern.MatchString(f) {
			return nil, fmt.Errorf("%w: field %q", ErrInvalidIdentifier, f)
		}
	}
	if placeholder == nil {
		placeholder = DollarPlaceholder
	}
	if dateArg == nil {
		dateArg = func(t time.Time) any { return t }
	}
	return &QueryBuilder{
		table:       table,
		fields:      append([]string(nil), fields...),
		placeholder: placeholder,
		dateArg:     dateArg,
	}, nil
}

// Table returns the validated table name.
func (b *QueryBuilder) Table() string { return b.table }

// Fields returns the classification columns in write order.
func (b *QueryBuilder) Fields() []string { return append([]string(nil), b.fields...) }

// where renders the unclassified predicate plus filter conditions.
func (b *QueryBuilder) where(filter outbound.RecordFilter) (string, []any) {
	var (
		clauses = []string{"(classified IS NULL OR classified <> 1)"}
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return b.placeholder(len(args))
	}

	if filter.From != nil {
		clauses = append(clauses, "date >= "+next(b.dateArg(*filter.From)))
	}
	if filter.To != nil {
		clauses = append(clauses, "date <= "+next(b.dateArg(*filter.To)))
	}
	if len(filter.Sources) > 0 {
		marks := make([]string, len(filter.Sources))
		for i, s := range filter.Sources {
			marks[i] = next(s)
		}
		clauses = append(clauses, "source IN ("+strings.Join(marks, ", ")+")")
	}

	return " WHERE " + strings.Join(clauses, " AND "), args
}

// CountUnclassified returns the count query and its arguments.
func (b *QueryBuilder) CountUnclassified(filter outbound.RecordFilter) (string, []any) {
	where, args := b.where(filter)
	return "SELECT COUNT(*) FROM " + b.table + where, args
}

// SelectUnclassified returns a page query ordered by id. The selected
// columns are id, text, source, date. A non-positive limit selects every row
// and ignores offset.
func (b *QueryBuilder) SelectUnclassified(filter outbound.RecordFilter, limit, offset int) (string, []any) {
	where, args := b.where(filter)
	query := "SELECT id, COALESCE(text, ''), COALESCE(source, ''), date FROM " + b.table + where + " ORDER BY id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(offset, 0))
	}
	return query, args
}

// Upsert returns the statement writing one result onto an existing row.
// Arguments are the record id followed by the field values in Fields order.
// Unknown ids match no row and are left to the caller to report.
func (b *QueryBuilder) Upsert() string {
	sets := make([]string, 0, len(b.fields)+1)
	for i, f := range b.fields {
		sets = append(sets, f+" = "+b.placeholder(i+2))
	}
	sets = append(sets, "classified = 1")

	return "UPDATE " + b.table + " SET " + strings.Join(sets, ", ") + " WHERE id = " + b.placeholder(1)
}

// UpsertArgs returns the arguments for Upsert. Missing fields are written as NULL.
func (b *QueryBuilder) UpsertArgs(recordID int64, values map[string]any) []any {
	args := make([]any, 0, len(b.fields)+1)
	args = append(args, recordID)
	for _, f := range b.fields {
		args = append(args, values[f])
	}
	return args
}
