package filterlang

import "galerie/internal/photodb"

// Parser for the filter language.
//
// Grammar (EBNF, precedence low to high):
//
//	expr    = or EOF
//	or      = and ( "or" and )*
//	and     = unary ( "and" unary )*
//	unary   = "not" atom | atom
//	atom    = "true" | "false" | "landscape" | "portrait" | "square"
//	        | "favorite" | "(" expr ")" | "{" IDENT+ "}"
//
// Keywords are ordinary identifiers classified here, not in the lexer.
type parser struct {
	lex *Lexer
	cur Token
}

// Parse parses a filter string into an AST.
func Parse(input string) (Expr, error) {
	p := &parser{lex: NewLexer(input)}

	// Prime the parser with the first token.
	if err := p.advance(); err != nil {
		return nil, err
	}

	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	// Ensure we consumed all input.
	if p.cur.Kind != TokEOF {
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken,
			"unexpected token %q, expected end of filter", p.cur.Lit)
	}

	return expr, nil
}

// advance moves to the next token.
func (p *parser) advance() error {
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

// keyword reports whether the current token is the given keyword identifier.
func (p *parser) keyword(word string) bool {
	return p.cur.Kind == TokIdent && p.cur.Lit == word
}

// parseOr parses: or = and ( "or" and )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.keyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &OrExpr{Left: left, Right: right}
	}

	return left, nil
}

// parseAnd parses: and = unary ( "and" unary )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.keyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &AndExpr{Left: left, Right: right}
	}

	return left, nil
}

// parseUnary parses: unary = "not" atom | atom
func (p *parser) parseUnary() (Expr, error) {
	if p.keyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		term, err := p.parseAtom()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Term: term}, nil
	}

	return p.parseAtom()
}

// parseAtom parses: atom = keyword | "(" expr ")" | "{" IDENT+ "}"
func (p *parser) parseAtom() (Expr, error) {
	switch p.cur.Kind {
	case TokIdent:
		tok := p.cur
		if err := p.advance(); err != nil {
			return nil, err
		}
		switch tok.Lit {
		case "true":
			return &BoolExpr{Value: true}, nil
		case "false":
			return &BoolExpr{Value: false}, nil
		case "landscape":
			return &AspectExpr{Aspect: AspectLandscape}, nil
		case "portrait":
			return &AspectExpr{Aspect: AspectPortrait}, nil
		case "square":
			return &AspectExpr{Aspect: AspectSquare}, nil
		case "favorite":
			return &FavoriteExpr{}, nil
		}
		return nil, newParseError(tok.Pos, ErrUnexpectedToken,
			"unexpected token %q, expected an atom", tok.Lit)

	case TokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.Kind != TokRParen {
			return nil, newParseError(p.cur.Pos, ErrUnexpectedToken,
				"unexpected token %q, expected \")\"", p.cur.Lit)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return expr, nil

	case TokLBrace:
		return p.parseIdentifierSet()
	}

	return nil, newParseError(p.cur.Pos, ErrUnexpectedToken,
		"unexpected token %q, expected an atom", p.cur.Lit)
}

// parseIdentifierSet parses: "{" IDENT+ "}"
func (p *parser) parseIdentifierSet() (Expr, error) {
	openPos := p.cur.Pos
	if err := p.advance(); err != nil {
		return nil, err
	}

	var identifiers []string
	for p.cur.Kind == TokIdent {
		// Members of the set reach the compiled SQL as quoted literals, so
		// they must satisfy the catalog identifier pattern. The lexer only
		// produces letter-digit identifiers; this re-check keeps the
		// invariant local to the node that depends on it.
		if !photodb.ValidateIdentifier(p.cur.Lit) {
			return nil, newParseError(p.cur.Pos, ErrUnexpectedToken,
				"invalid collection identifier %q", p.cur.Lit)
		}
		identifiers = append(identifiers, p.cur.Lit)
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if p.cur.Kind != TokRBrace {
		return nil, newParseError(p.cur.Pos, ErrUnexpectedToken,
			"unexpected token %q, expected \"}\"", p.cur.Lit)
	}
	if len(identifiers) == 0 {
		return nil, newParseError(openPos, ErrEmptyIdentifierSet,
			"identifier set must name at least one collection")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	return &CollectionsExpr{Identifiers: identifiers}, nil
}
