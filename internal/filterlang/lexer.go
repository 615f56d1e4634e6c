package filterlang

// TokenKind identifies the type of lexical token.
type TokenKind int

const (
	TokEOF    TokenKind = iota
	TokIdent            // [A-Za-z][A-Za-z0-9]*; keywords are classified by the parser
	TokNumber           // [0-9]+; lexed for forward compatibility, unused by the grammar
	TokLParen           // (
	TokRParen           // )
	TokLBrace           // {
	TokRBrace           // }
)

func (k TokenKind) String() string {
	switch k {
	case TokEOF:
		return "EOF"
	case TokIdent:
		return "IDENT"
	case TokNumber:
		return "NUMBER"
	case TokLParen:
		return "("
	case TokRParen:
		return ")"
	case TokLBrace:
		return "{"
	case TokRBrace:
		return "}"
	default:
		return "UNKNOWN"
	}
}

// Token represents a lexical token.
type Token struct {
	Kind TokenKind
	Lit  string
	Pos  int // byte offset in input for error reporting
}

// Lexer tokenizes a filter string.
type Lexer struct {
	input string
	pos   int // current position in input
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input}
}

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	l.skipWhitespace()

	if l.pos >= len(l.input) {
		return Token{Kind: TokEOF, Pos: l.pos}, nil
	}

	startPos := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return Token{Kind: TokLParen, Lit: "(", Pos: startPos}, nil
	case ')':
		l.pos++
		return Token{Kind: TokRParen, Lit: ")", Pos: startPos}, nil
	case '{':
		l.pos++
		return Token{Kind: TokLBrace, Lit: "{", Pos: startPos}, nil
	case '}':
		l.pos++
		return Token{Kind: TokRBrace, Lit: "}", Pos: startPos}, nil
	}

	switch {
	case isLetter(ch):
		return l.scanIdent(), nil
	case isDigit(ch):
		return l.scanNumber(), nil
	}

	return Token{}, newParseError(startPos, ErrInvalidToken, "invalid character %q", ch)
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

// scanIdent scans an identifier: a letter followed by letters or digits.
func (l *Lexer) scanIdent() Token {
	startPos := l.pos
	l.pos++
	for l.pos < len(l.input) && (isLetter(l.input[l.pos]) || isDigit(l.input[l.pos])) {
		l.pos++
	}
	return Token{Kind: TokIdent, Lit: l.input[startPos:l.pos], Pos: startPos}
}

// scanNumber scans a digit run.
func (l *Lexer) scanNumber() Token {
	startPos := l.pos
	l.pos++
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
	}
	return Token{Kind: TokNumber, Lit: l.input[startPos:l.pos], Pos: startPos}
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
