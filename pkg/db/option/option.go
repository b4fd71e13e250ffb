package option

import (
	"strings"

	"smallbiznis-economy/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueryOption func(db *gorm.DB) *gorm.DB

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders by SortBy when it is whitelisted in Allow, falling back
// to created_at. OrderBy accepts asc/desc in any case.
func WithSortBy(s QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := "created_at"
		if s.SortBy != "" && s.Allow[s.SortBy] {
			column = s.SortBy
		}

		desc := strings.EqualFold(s.OrderBy, "desc")
		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: desc})
	}
}

type Operator string

const (
	EQ  Operator = "eq"
	NE  Operator = "ne"
	GT  Operator = "gt"
	GTE Operator = "gte"
	LT  Operator = "lt"
	LTE Operator = "lte"
	IN  Operator = "in"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		col := clause.Column{Name: c.Field}
		switch c.Operator {
		case NE:
			return db.Where(clause.Neq{Column: col, Value: c.Value})
		case GT:
			return db.Where(clause.Gt{Column: col, Value: c.Value})
		case GTE:
			return db.Where(clause.Gte{Column: col, Value: c.Value})
		case LT:
			return db.Where(clause.Lt{Column: col, Value: c.Value})
		case LTE:
			return db.Where(clause.Lte{Column: col, Value: c.Value})
		case IN:
			if values, ok := c.Value.([]string); ok {
				args := make([]any, len(values))
				for i, v := range values {
					args[i] = v
				}
				return db.Where(clause.IN{Column: col, Values: args})
			}
			if values, ok := c.Value.([]any); ok {
				return db.Where(clause.IN{Column: col, Values: values})
			}
			return db.Where(clause.Eq{Column: col, Value: c.Value})
		default:
			return db.Where(clause.Eq{Column: col, Value: c.Value})
		}
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}

func WithOffset(offset int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	}
}

// ApplyPagination fetches one row past the limit so callers can compute HasMore.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(p.Normalize().Limit + 1)
	}
}

// ApplyPage applies offset pagination for catalog style listings.
func ApplyPage(p pagination.Page) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		p = p.Normalize()
		return db.Offset(p.Offset()).Limit(p.Size + 1)
	}
}

func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}
