package compiler

import (
	"fmt"
	"strings"
)

var (
	ddlKeywords    = map[string]bool{"create": true, "drop": true, "alter": true, "truncate": true, "grant": true, "revoke": true, "rename": true}
	dmlKeywords    = map[string]bool{"insert": true, "update": true, "delete": true, "merge": true, "upsert": true}
	exportKeywords = map[string]bool{"export": true, "copy": true, "unload": true, "call": true, "execute": true, "exec": true, "refresh": true, "optimize": true, "vacuum": true, "use": true}
)

// TableRef is a table named in a FROM or JOIN clause.
type TableRef struct {
	Path   []string
	Offset int
}

// Name returns the dotted, lowercased path.
func (t TableRef) Name() string {
	return strings.Join(t.Path, ".")
}

// Schema returns the first path segment, or "" for an unqualified name.
func (t TableRef) Schema() string {
	if len(t.Path) < 2 {
		return ""
	}
	return t.Path[0]
}

// Statement is the statement-level view of a query the validator needs.
type Statement struct {
	Kind       string
	Blocked    []string
	Tables     []TableRef
	CTENames   map[string]bool
	StarOffset int // offset of the first unqualified select-list star, -1 if none
	Statements int

	// Unresolved holds FROM/JOIN targets that are not a plain table or a
	// subquery, e.g. TABLE(...) functions or parenthesized references.
	Unresolved []TableRef
}

// SourceTables returns the referenced tables that are not CTE names.
func (s *Statement) SourceTables() []TableRef {
	var out []TableRef
	for _, t := range s.Tables {
		if len(t.Path) == 1 && s.CTENames[t.Path[0]] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ParseStatement lexes sql and collects its statement kind, forbidden
// keywords, table references and select-list stars.
func ParseStatement(sql string) (*Statement, error) {
	tokens := Tokenize(sql)
	stmt := &Statement{CTENames: map[string]bool{}, StarOffset: -1}

	for _, tok := range tokens {
		if tok.Type == TokenIllegal {
			return nil, fmt.Errorf("unexpected %q at offset %d", tok.Literal, tok.Offset)
		}
	}

	// Drop a single trailing semicolon; anything after it is a second statement.
	end := len(tokens) - 1
	if end > 0 && tokens[end-1].Type == TokenSemicolon {
		end--
	}
	tokens = tokens[:end]
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty statement")
	}
	stmt.Statements = 1
	for _, tok := range tokens {
		if tok.Type == TokenSemicolon {
			stmt.Statements++
		}
	}

	if tokens[0].Type == TokenKeyword {
		stmt.Kind = tokens[0].Value
	} else {
		stmt.Kind = strings.ToLower(tokens[0].Literal)
	}

	for _, tok := range tokens {
		if tok.Type != TokenKeyword {
			continue
		}
		if ddlKeywords[tok.Value] || dmlKeywords[tok.Value] || exportKeywords[tok.Value] {
			stmt.Blocked = append(stmt.Blocked, strings.ToUpper(tok.Value))
		}
	}

	if stmt.Kind == "with" {
		collectCTENames(tokens, stmt)
	}
	collectTablesAndStars(tokens, stmt)
	return stmt, nil
}

// collectCTENames records `name [(cols)] AS (` definitions at the top level
// of a WITH clause.
func collectCTENames(tokens []Token, stmt *Statement) {
	depth := 0
	expectName := true
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		switch tok.Type {
		case TokenLParen:
			depth++
			continue
		case TokenRParen:
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		switch {
		case tok.Is("select"):
			return
		case tok.Type == TokenComma:
			expectName = true
		case expectName && tok.Type == TokenIdent:
			stmt.CTENames[tok.Value] = true
			expectName = false
		}
	}
}

// group is one parenthesis level seen by collectTablesAndStars.
type group struct {
	subquery bool
	fromList bool // a subquery item of a FROM list; the list resumes after it
}

// collectTablesAndStars walks the token stream tracking parenthesis groups.
// FROM inside a function call such as EXTRACT(YEAR FROM d) is ignored, FROM
// inside a subquery is not.
func collectTablesAndStars(tokens []Token, stmt *Statement) {
	var groups []group
	inSubquery := func() bool { return len(groups) == 0 || groups[len(groups)-1].subquery }
	pendingList := false

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case tok.Type == TokenLParen:
			next := peek(tokens, i+1)
			sub := next.Is("select") || next.Is("with")
			groups = append(groups, group{subquery: sub, fromList: sub && pendingList})
			pendingList = false
		case tok.Type == TokenRParen:
			if len(groups) == 0 {
				continue
			}
			g := groups[len(groups)-1]
			groups = groups[:len(groups)-1]
			if g.fromList {
				j := skipAlias(tokens, i+1)
				if peek(tokens, j).Type == TokenComma {
					i, pendingList = readTableList(tokens, j+1, true, stmt)
				}
			}
		case tok.Type == TokenStar:
			if stmt.StarOffset < 0 && startsSelectItem(tokens, i) {
				stmt.StarOffset = tok.Offset
			}
		case tok.Is("from") && isDistinctFrom(tokens, i):
		case (tok.Is("from") && inSubquery()) || tok.Is("join"):
			i, pendingList = readTableList(tokens, i+1, tok.Is("from"), stmt)
		}
	}
}

// startsSelectItem reports whether the star at i begins a select-list item,
// as in `SELECT *`, `SELECT DISTINCT *` or `SELECT a, *`.
func startsSelectItem(tokens []Token, i int) bool {
	if i == 0 {
		return false
	}
	prev := tokens[i-1]
	return prev.Is("select") || prev.Is("distinct") || prev.Is("all") || prev.Type == TokenComma
}

// isDistinctFrom reports whether the FROM at i belongs to IS [NOT] DISTINCT FROM.
func isDistinctFrom(tokens []Token, i int) bool {
	return peek(tokens, i-1).Is("distinct") && (peek(tokens, i-2).Is("is") || peek(tokens, i-2).Is("not"))
}

// readTableList reads one table reference, or a comma separated list after
// FROM, and returns the index of the last token consumed. A subquery item is
// left to the caller, and the second result reports whether it sits in a list
// that continues after it. Any other target is recorded as unresolved.
func readTableList(tokens []Token, i int, list bool, stmt *Statement) (int, bool) {
	for {
		tok := peek(tokens, i)
		if tok.Is("lateral") {
			i++
			tok = peek(tokens, i)
		}
		if tok.Type == TokenLParen {
			if next := peek(tokens, i+1); next.Is("select") || next.Is("with") {
				return i - 1, list
			}
			stmt.Unresolved = append(stmt.Unresolved, TableRef{Offset: tok.Offset, Path: []string{"("}})
			return i - 1, false
		}
		if tok.Type != TokenIdent {
			name := strings.ToLower(tok.Literal)
			if name == "" {
				name = tok.Type.String()
			}
			stmt.Unresolved = append(stmt.Unresolved, TableRef{Offset: tok.Offset, Path: []string{name}})
			return i - 1, false
		}

		ref := TableRef{Offset: tok.Offset, Path: []string{tok.Value}}
		i++
		for peek(tokens, i).Type == TokenDot && peek(tokens, i+1).Type == TokenIdent {
			ref.Path = append(ref.Path, peek(tokens, i+1).Value)
			i += 2
		}
		if peek(tokens, i).Type == TokenLParen {
			// table function, e.g. TABLE(...)
			stmt.Unresolved = append(stmt.Unresolved, ref)
			return i - 1, false
		}
		stmt.Tables = append(stmt.Tables, ref)

		i = skipAlias(tokens, i)
		if !list || peek(tokens, i).Type != TokenComma {
			return i - 1, false
		}
		i++
	}
}

// skipAlias steps over an optional `[AS] alias` starting at i.
func skipAlias(tokens []Token, i int) int {
	if peek(tokens, i).Is("as") {
		i++
	}
	if peek(tokens, i).Type == TokenIdent {
		i++
	}
	return i
}

func peek(tokens []Token, i int) Token {
	if i < 0 || i >= len(tokens) {
		return Token{Type: TokenEOF}
	}
	return tokens[i]
}
