package sqlstore

import (
	"fmt"
	"strings"

	"github.com/goliatone/go-statemachine/entity"
)

var columns = map[string]string{
	entity.FieldID:             "e.id",
	entity.FieldState:          "e.state",
	entity.FieldStateCount:     "e.state_count",
	entity.FieldStateTimestamp: "e.state_timestamp",
	entity.FieldCreatedAt:      "e.created_at",
	entity.FieldUpdatedAt:      "e.updated_at",
}

// whereClause translates criteria into SQL using ? placeholders. Callers
// rebind the final query for the driver.
func whereClause(d Dialect, criteria []entity.Criterion) (string, []any, error) {
	if len(criteria) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(criteria))
	args := make([]any, 0, len(criteria))
	for _, c := range criteria {
		if err := c.Validate(); err != nil {
			return "", nil, err
		}
		clause, clauseArgs := criterionSQL(d, c)
		parts = append(parts, clause)
		args = append(args, clauseArgs...)
	}
	return strings.Join(parts, " AND "), args, nil
}

func criterionSQL(d Dialect, c entity.Criterion) (string, []any) {
	values := []any{c.Value}
	if c.Operator == entity.OpIn || c.Operator == entity.OpNotIn {
		values = c.Values()
	}

	column, builtin := columns[c.Field]
	if !builtin {
		column = d.jsonField(c.Field, len(values) > 0 && entity.IsNumeric(values[0]))
	}
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, bindValue(d, builtin, v))
	}

	switch c.Operator {
	case entity.OpIn, entity.OpNotIn:
		if len(values) == 0 {
			if c.Operator == entity.OpIn {
				return "1 = 0", nil
			}
			return "1 = 1", nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		op := "IN"
		if c.Operator == entity.OpNotIn {
			op = "NOT IN"
			// a missing payload field never equals a listed value
			return fmt.Sprintf("(%s IS NULL OR %s %s (%s))", column, column, op, placeholders), args
		}
		return fmt.Sprintf("%s %s (%s)", column, op, placeholders), args
	case entity.OpNotEqual:
		if !builtin {
			return fmt.Sprintf("(%s IS NULL OR %s <> ?)", column, column), args
		}
		return column + " <> ?", args
	default:
		return fmt.Sprintf("%s %s ?", column, c.Operator), args
	}
}

// bindValue stringifies non numeric payload values for Postgres, where
// #>> yields text.
func bindValue(d Dialect, builtin bool, v any) any {
	if builtin || d.Name != Postgres.Name || entity.IsNumeric(v) {
		return v
	}
	return fmt.Sprint(v)
}
