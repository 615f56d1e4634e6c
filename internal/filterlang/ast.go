// Package filterlang provides the boolean photo-selection language stored in
// refresh jobs. It parses user filter strings into an AST that compiles to a
// parenthesized SQL fragment over the photos and collections tables.
//
// The language is closed: every construct compiles to a whitelisted fragment,
// so the compiled string is safe to interpolate into SQL. The only user text
// that reaches the output is identifier-set members, which are constrained to
// the identifier pattern by the lexer.
package filterlang

import (
	"strings"
)

// Expr is the interface for all AST nodes.
// The marker method prevents external types from implementing Expr.
type Expr interface {
	expr()
	// String returns the normalized source form of the expression.
	String() string
	// SQL returns the compiled SQL fragment for the expression.
	SQL() string
}

// BoolExpr is a true/false literal.
type BoolExpr struct {
	Value bool
}

func (BoolExpr) expr() {}

func (b *BoolExpr) String() string {
	if b.Value {
		return "true"
	}
	return "false"
}

func (b *BoolExpr) SQL() string {
	if b.Value {
		return "1"
	}
	return "0"
}

// Aspect names a photo orientation predicate.
type Aspect int

const (
	AspectLandscape Aspect = iota
	AspectPortrait
	AspectSquare
)

// AspectExpr compares photo width against height.
type AspectExpr struct {
	Aspect Aspect
}

func (AspectExpr) expr() {}

func (a *AspectExpr) String() string {
	switch a.Aspect {
	case AspectLandscape:
		return "landscape"
	case AspectPortrait:
		return "portrait"
	default:
		return "square"
	}
}

func (a *AspectExpr) SQL() string {
	switch a.Aspect {
	case AspectLandscape:
		return "photos.width > photos.height"
	case AspectPortrait:
		return "photos.width < photos.height"
	default:
		return "photos.width = photos.height"
	}
}

// FavoriteExpr matches photos flagged as favorites. The flag is nullable in
// the catalog, so compilation coalesces NULL to false.
type FavoriteExpr struct{}

func (FavoriteExpr) expr() {}

func (FavoriteExpr) String() string {
	return "favorite"
}

func (FavoriteExpr) SQL() string {
	return "COALESCE(photos.favorite, 0)"
}

// CollectionsExpr matches photos owned by one of the named collections.
// Invariant: len(Identifiers) >= 1, every member matches the identifier
// pattern (enforced by the lexer and re-checked at parse time).
type CollectionsExpr struct {
	Identifiers []string
}

func (CollectionsExpr) expr() {}

func (c *CollectionsExpr) String() string {
	return "{" + strings.Join(c.Identifiers, " ") + "}"
}

func (c *CollectionsExpr) SQL() string {
	parts := make([]string, len(c.Identifiers))
	for i, identifier := range c.Identifiers {
		parts[i] = "collections.identifier = '" + identifier + "'"
	}
	return strings.Join(parts, " OR ")
}

// NotExpr represents logical negation.
type NotExpr struct {
	Term Expr
}

func (NotExpr) expr() {}

func (n *NotExpr) String() string {
	return "not (" + n.Term.String() + ")"
}

func (n *NotExpr) SQL() string {
	return "NOT (" + n.Term.SQL() + ")"
}

// AndExpr represents logical AND. Chains associate to the left.
type AndExpr struct {
	Left, Right Expr
}

func (AndExpr) expr() {}

func (a *AndExpr) String() string {
	return "(" + a.Left.String() + ") and (" + a.Right.String() + ")"
}

func (a *AndExpr) SQL() string {
	return "(" + a.Left.SQL() + ") AND (" + a.Right.SQL() + ")"
}

// OrExpr represents logical OR. Chains associate to the left.
type OrExpr struct {
	Left, Right Expr
}

func (OrExpr) expr() {}

func (o *OrExpr) String() string {
	return "(" + o.Left.String() + ") or (" + o.Right.String() + ")"
}

func (o *OrExpr) SQL() string {
	return "(" + o.Left.SQL() + ") OR (" + o.Right.SQL() + ")"
}
