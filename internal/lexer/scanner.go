package lexer

import (
	"fmt"
	"unicode"
)

type TokenType string

const (
	// Keywords
	TokenFn         TokenType = "FN"
	TokenDrink      TokenType = "DRINK"
	TokenPour       TokenType = "POUR"
	TokenSip        TokenType = "SIP"
	TokenReturn     TokenType = "RETURN"
	TokenIf         TokenType = "IF"
	TokenElse       TokenType = "ELSE"
	TokenPrimary    TokenType = "PRIMARY"
	TokenShadow     TokenType = "SHADOW"
	TokenInvariant  TokenType = "INVARIANT"
	TokenActivateIf TokenType = "ACTIVATE_IF"
	TokenDivergence TokenType = "DIVERGENCE"
	TokenMutation   TokenType = "MUTATION"

	// Divergence policies
	TokenRequireIdentical    TokenType = "REQUIRE_IDENTICAL"
	TokenAllowEpsilon        TokenType = "ALLOW_EPSILON"
	TokenLogDivergence       TokenType = "LOG_DIVERGENCE"
	TokenQuarantineOnDiverge TokenType = "QUARANTINE_ON_DIVERGE"
	TokenFailPrimary         TokenType = "FAIL_PRIMARY"

	// Mutation boundaries
	TokenReadOnly           TokenType = "READ_ONLY"
	TokenEphemeralOnly      TokenType = "EPHEMERAL_ONLY"
	TokenShadowStateOnly    TokenType = "SHADOW_STATE_ONLY"
	TokenValidatedCanonical TokenType = "VALIDATED_CANONICAL"
	TokenEmergencyOverride  TokenType = "EMERGENCY_OVERRIDE"

	// Plane qualifiers (capitalized, used in type annotations)
	TokenQualCanonical TokenType = "QUAL_CANONICAL"
	TokenQualShadow    TokenType = "QUAL_SHADOW"
	TokenQualEphemeral TokenType = "QUAL_EPHEMERAL"
	TokenQualDual      TokenType = "QUAL_DUAL"

	// Literals
	TokenTrue      TokenType = "TRUE"
	TokenFalse     TokenType = "FALSE"
	TokenIdent     TokenType = "IDENT"
	TokenTypeIdent TokenType = "TYPE_IDENT"
	TokenString    TokenType = "STRING"
	TokenInt       TokenType = "INT"
	TokenFloat     TokenType = "FLOAT"

	// Symbols
	TokenLParen      TokenType = "("
	TokenRParen      TokenType = ")"
	TokenLBrace      TokenType = "{"
	TokenRBrace      TokenType = "}"
	TokenPlus        TokenType = "+"
	TokenMinus       TokenType = "-"
	TokenStar        TokenType = "*"
	TokenSlash       TokenType = "/"
	TokenEqual       TokenType = "="
	TokenArrow       TokenType = "->"
	TokenColon       TokenType = ":"
	TokenDoubleEqual TokenType = "=="
	TokenNotEqual    TokenType = "!="
	TokenLT          TokenType = "<"
	TokenGT          TokenType = ">"
	TokenLE          TokenType = "<="
	TokenGE          TokenType = ">="
	TokenAnd         TokenType = "&&"
	TokenOr          TokenType = "||"
	TokenNot         TokenType = "!"
	TokenComma       TokenType = ","
	TokenDot         TokenType = "."
	TokenEOF         TokenType = "EOF"
)

var keywords = map[string]TokenType{
	"fn":          TokenFn,
	"drink":       TokenDrink,
	"pour":        TokenPour,
	"sip":         TokenSip,
	"return":      TokenReturn,
	"if":          TokenIf,
	"else":        TokenElse,
	"primary":     TokenPrimary,
	"shadow":      TokenShadow,
	"invariant":   TokenInvariant,
	"activate_if": TokenActivateIf,
	"divergence":  TokenDivergence,
	"mutation":    TokenMutation,
	"true":        TokenTrue,
	"false":       TokenFalse,

	"require_identical":     TokenRequireIdentical,
	"allow_epsilon":         TokenAllowEpsilon,
	"log_divergence":        TokenLogDivergence,
	"quarantine_on_diverge": TokenQuarantineOnDiverge,
	"fail_primary":          TokenFailPrimary,

	"read_only":           TokenReadOnly,
	"ephemeral_only":      TokenEphemeralOnly,
	"shadow_state_only":   TokenShadowStateOnly,
	"validated_canonical": TokenValidatedCanonical,
	"emergency_override":  TokenEmergencyOverride,

	"Canonical": TokenQualCanonical,
	"Shadow":    TokenQualShadow,
	"Ephemeral": TokenQualEphemeral,
	"Dual":      TokenQualDual,
}

type Token struct {
	Type   TokenType
	Lexeme string
	Line   int
	Column int
}

func (t Token) String() string {
	return fmt.Sprintf("[%s] '%s'", t.Type, t.Lexeme)
}

// LexError is a fatal tokenization error with source position.
type LexError struct {
	Message string
	Line    int
	Column  int
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lex error: %s at line %d, column %d", e.Message, e.Line, e.Column)
}

type Scanner struct {
	source  string
	tokens  []Token
	start   int
	current int
	line    int
	col     int
	// column of s.start, captured when a token begins
	startCol int
}

func NewScanner(source string) *Scanner {
	return &Scanner{
		source: source,
		line:   1,
		col:    1,
	}
}

// ScanTokens tokenizes the whole source. It fails on the first
// unrecognized character or unterminated string literal.
func (s *Scanner) ScanTokens() ([]Token, error) {
	for !s.isAtEnd() {
		s.skipWhitespace()
		s.start = s.current
		s.startCol = s.col
		if s.isAtEnd() {
			break
		}
		if err := s.scanToken(); err != nil {
			return nil, err
		}
	}
	s.tokens = append(s.tokens, Token{Type: TokenEOF, Lexeme: "", Line: s.line, Column: s.col})
	return s.tokens, nil
}

func (s *Scanner) scanToken() error {
	c := s.advance()
	switch c {
	case '(':
		s.addToken(TokenLParen)
	case ')':
		s.addToken(TokenRParen)
	case '{':
		s.addToken(TokenLBrace)
	case '}':
		s.addToken(TokenRBrace)
	case '+':
		s.addToken(TokenPlus)
	case '-':
		if s.match('>') {
			s.addToken(TokenArrow)
		} else {
			s.addToken(TokenMinus)
		}
	case '*':
		s.addToken(TokenStar)
	case '/':
		if s.match('/') {
			for s.peek() != '\n' && !s.isAtEnd() {
				s.advance()
			}
		} else {
			s.addToken(TokenSlash)
		}
	case '=':
		if s.match('=') {
			s.addToken(TokenDoubleEqual)
		} else {
			s.addToken(TokenEqual)
		}
	case '!':
		if s.match('=') {
			s.addToken(TokenNotEqual)
		} else {
			s.addToken(TokenNot)
		}
	case '<':
		if s.match('=') {
			s.addToken(TokenLE)
		} else {
			s.addToken(TokenLT)
		}
	case '>':
		if s.match('=') {
			s.addToken(TokenGE)
		} else {
			s.addToken(TokenGT)
		}
	case ';':
		// Statement separator; the grammar is newline-agnostic, so
		// semicolons are accepted and dropped.
	case ':':
		s.addToken(TokenColon)
	case ',':
		s.addToken(TokenComma)
	case '.':
		s.addToken(TokenDot)
	case '"':
		return s.stringLiteral()
	case '&':
		if s.match('&') {
			s.addToken(TokenAnd)
		} else {
			return s.errorf("unexpected character '&'")
		}
	case '|':
		if s.match('|') {
			s.addToken(TokenOr)
		} else {
			return s.errorf("unexpected character '|'")
		}
	default:
		if isDigit(c) {
			s.number()
			return nil
		}
		if isAlpha(c) {
			s.identifier()
			return nil
		}
		return s.errorf("unexpected character %q", c)
	}
	return nil
}

func (s *Scanner) identifier() {
	for isAlphaNumeric(s.peek()) {
		s.advance()
	}
	text := s.source[s.start:s.current]
	if tt, ok := keywords[text]; ok {
		s.addToken(tt)
		return
	}
	// Capitalized identifiers name types (Integer, Money, ...).
	if unicode.IsUpper(rune(text[0])) {
		s.addToken(TokenTypeIdent)
		return
	}
	s.addToken(TokenIdent)
}

func (s *Scanner) number() {
	for isDigit(s.peek()) {
		s.advance()
	}
	tt := TokenInt
	if s.peek() == '.' && isDigit(s.peekNext()) {
		tt = TokenFloat
		s.advance()
		for isDigit(s.peek()) {
			s.advance()
		}
	}
	s.addToken(tt)
}

func (s *Scanner) stringLiteral() error {
	for s.peek() != '"' && !s.isAtEnd() {
		if s.peek() == '\n' {
			s.line++
			s.col = 0
		}
		s.advance()
	}
	if s.isAtEnd() {
		return s.errorf("unterminated string literal")
	}
	s.advance() // closing quote
	value := s.source[s.start+1 : s.current-1]
	s.tokens = append(s.tokens, Token{Type: TokenString, Lexeme: value, Line: s.line, Column: s.startCol})
	return nil
}

func (s *Scanner) addToken(t TokenType) {
	text := s.source[s.start:s.current]
	s.tokens = append(s.tokens, Token{Type: t, Lexeme: text, Line: s.line, Column: s.startCol})
}

func (s *Scanner) match(expected byte) bool {
	if s.isAtEnd() || s.source[s.current] != expected {
		return false
	}
	s.current++
	s.col++
	return true
}

func (s *Scanner) advance() byte {
	s.current++
	s.col++
	return s.source[s.current-1]
}

func (s *Scanner) peek() byte {
	if s.isAtEnd() {
		return '\000'
	}
	return s.source[s.current]
}

func (s *Scanner) peekNext() byte {
	if s.current+1 >= len(s.source) {
		return '\000'
	}
	return s.source[s.current+1]
}

func (s *Scanner) isAtEnd() bool {
	return s.current >= len(s.source)
}

func (s *Scanner) skipWhitespace() {
	for !s.isAtEnd() && unicode.IsSpace(rune(s.peek())) {
		if s.peek() == '\n' {
			s.line++
			s.col = 0
		}
		s.advance()
	}
}

func (s *Scanner) errorf(format string, args ...interface{}) error {
	return &LexError{
		Message: fmt.Sprintf(format, args...),
		Line:    s.line,
		Column:  s.startCol,
	}
}

// Tokenize is the package-level convenience entry point.
func Tokenize(source string) ([]Token, error) {
	return NewScanner(source).ScanTokens()
}

func isAlpha(c byte) bool {
	return unicode.IsLetter(rune(c)) || c == '_'
}

func isAlphaNumeric(c byte) bool {
	return isAlpha(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
