package compiler

import (
	"strings"
	"unicode"
)

// TokenType is the lexical class of a SQL token.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIllegal

	TokenIdent
	TokenNumber
	TokenString

	TokenStar
	TokenDot
	TokenComma
	TokenSemicolon
	TokenLParen
	TokenRParen
	TokenOperator

	TokenKeyword
)

var tokenNames = map[TokenType]string{
	TokenEOF:       "EOF",
	TokenIllegal:   "ILLEGAL",
	TokenIdent:     "IDENT",
	TokenNumber:    "NUMBER",
	TokenString:    "STRING",
	TokenStar:      "*",
	TokenDot:       ".",
	TokenComma:     ",",
	TokenSemicolon: ";",
	TokenLParen:    "(",
	TokenRParen:    ")",
	TokenOperator:  "OPERATOR",
	TokenKeyword:   "KEYWORD",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// keywords are the words the validator cares about. Everything else lexes as
// an identifier, including function names.
var keywords = map[string]bool{
	"select": true, "with": true, "from": true, "join": true, "where": true, "group": true,
	"by": true, "order": true, "having": true, "limit": true, "offset": true, "union": true,
	"intersect": true, "except": true, "distinct": true, "all": true, "as": true, "on": true,
	"and": true, "or": true, "not": true, "in": true, "is": true, "null": true, "case": true,
	"when": true, "then": true, "else": true, "end": true, "inner": true, "left": true,
	"right": true, "full": true, "outer": true, "cross": true, "lateral": true, "asc": true,
	"desc": true, "between": true, "like": true,

	// statements that are never allowed
	"create": true, "drop": true, "alter": true, "truncate": true, "grant": true, "revoke": true,
	"rename": true, "insert": true, "update": true, "delete": true, "merge": true, "upsert": true,
	"export": true, "copy": true, "unload": true, "call": true, "execute": true, "exec": true,
	"refresh": true, "optimize": true, "vacuum": true, "use": true,
}

// Token is one lexical unit. Keywords carry their lowercased text in Value.
type Token struct {
	Type    TokenType
	Literal string
	Value   string
	Offset  int
}

// Is reports whether the token is the given keyword.
func (t Token) Is(keyword string) bool {
	return t.Type == TokenKeyword && t.Value == keyword
}

// Lexer splits SQL text into tokens. Comments and whitespace are skipped.
type Lexer struct {
	input   string
	pos     int
	readPos int
	ch      byte
}

// NewLexer creates a lexer over input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input}
	l.readChar()
	return l
}

func (l *Lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// NextToken returns the next token. An unterminated string or quoted
// identifier lexes as TokenIllegal.
func (l *Lexer) NextToken() Token {
	l.skipWhitespaceAndComments()
	start := l.pos

	switch {
	case l.pos >= len(l.input):
		return Token{Type: TokenEOF, Offset: start}
	case l.ch == '\'':
		s, ok := l.readQuoted('\'')
		if !ok {
			return Token{Type: TokenIllegal, Literal: l.input[start:], Offset: start}
		}
		return Token{Type: TokenString, Literal: s, Offset: start}
	case l.ch == '"':
		s, ok := l.readQuoted('"')
		if !ok {
			return Token{Type: TokenIllegal, Literal: l.input[start:], Offset: start}
		}
		// quoted identifiers never act as keywords
		return Token{Type: TokenIdent, Literal: s, Value: strings.ToLower(s), Offset: start}
	case isLetter(l.ch) || l.ch == '_':
		lit := l.readIdentifier()
		lower := strings.ToLower(lit)
		if keywords[lower] {
			return Token{Type: TokenKeyword, Literal: lit, Value: lower, Offset: start}
		}
		return Token{Type: TokenIdent, Literal: lit, Value: lower, Offset: start}
	case isDigit(l.ch):
		return Token{Type: TokenNumber, Literal: l.readNumber(), Offset: start}
	}

	var tok Token
	switch l.ch {
	case '*':
		tok = Token{Type: TokenStar, Literal: "*"}
	case '.':
		tok = Token{Type: TokenDot, Literal: "."}
	case ',':
		tok = Token{Type: TokenComma, Literal: ","}
	case ';':
		tok = Token{Type: TokenSemicolon, Literal: ";"}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "("}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")"}
	case '<', '>', '!':
		if next := l.peekChar(); next == '=' || (l.ch == '<' && next == '>') {
			tok = Token{Type: TokenOperator, Literal: string([]byte{l.ch, next})}
			l.readChar()
		} else if l.ch == '!' {
			tok = Token{Type: TokenIllegal, Literal: "!"}
		} else {
			tok = Token{Type: TokenOperator, Literal: string(l.ch)}
		}
	case '|':
		if l.peekChar() == '|' {
			l.readChar()
			tok = Token{Type: TokenOperator, Literal: "||"}
		} else {
			tok = Token{Type: TokenIllegal, Literal: "|"}
		}
	case '=', '+', '-', '/', '%':
		tok = Token{Type: TokenOperator, Literal: string(l.ch)}
	default:
		tok = Token{Type: TokenIllegal, Literal: string(l.ch)}
	}
	tok.Offset = start
	l.readChar()
	return tok
}

func (l *Lexer) skipWhitespaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == '-' && l.peekChar() == '-' {
			for l.ch != '\n' && l.pos < len(l.input) {
				l.readChar()
			}
			continue
		}
		if l.ch == '/' && l.peekChar() == '*' {
			l.readChar()
			l.readChar()
			for l.pos < len(l.input) && !(l.ch == '*' && l.peekChar() == '/') {
				l.readChar()
			}
			l.readChar()
			l.readChar()
			continue
		}
		return
	}
}

// readQuoted reads a quoted run where a doubled quote is an escaped quote.
func (l *Lexer) readQuoted(quote byte) (string, bool) {
	l.readChar()
	var b strings.Builder
	for l.pos < len(l.input) {
		if l.ch == quote {
			if l.peekChar() == quote {
				b.WriteByte(quote)
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar()
			return b.String(), true
		}
		b.WriteByte(l.ch)
		l.readChar()
	}
	return b.String(), false
}

func (l *Lexer) readIdentifier() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

func (l *Lexer) readNumber() string {
	start := l.pos
	for isDigit(l.ch) {
		l.readChar()
	}
	if l.ch == '.' && isDigit(l.peekChar()) {
		l.readChar()
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	if l.ch == 'e' || l.ch == 'E' {
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}
	return l.input[start:l.pos]
}

func isLetter(ch byte) bool {
	return ch < 0x80 && unicode.IsLetter(rune(ch))
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

// Tokenize returns every token in input, ending with TokenEOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens
		}
	}
}
