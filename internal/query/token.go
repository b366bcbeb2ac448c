// Package query compiles free-text search syntax into structured boolean
// selectors evaluable against the document set.
package query

import (
	"strconv"
	"strings"
)

// TokenType classifies a single search token by its prefix.
type TokenType string

const (
	TokenIs      TokenType = "is"
	TokenTag     TokenType = "tag"
	TokenForm    TokenType = "form"
	TokenStarred TokenType = "starred"
	TokenColumn  TokenType = "column"
	TokenText    TokenType = "text"
)

// Token is one classified search term. Values are lowercased so matching is
// case-insensitive throughout.
type Token struct {
	Type  TokenType
	Value string
}

// Tokenize splits one clause on whitespace and classifies each term by
// prefix. Anything without a recognized prefix is a free-text token.
func Tokenize(clause string) []Token {
	fields := strings.Fields(clause)
	tokens := make([]Token, 0, len(fields))
	for _, f := range fields {
		raw := strings.ToLower(strings.TrimSpace(f))
		switch {
		case strings.HasPrefix(raw, "is:"):
			tokens = append(tokens, Token{Type: TokenIs, Value: raw[3:]})
		case strings.HasPrefix(raw, "tag:"):
			tokens = append(tokens, Token{Type: TokenTag, Value: raw[4:]})
		case strings.HasPrefix(raw, "#"):
			tokens = append(tokens, Token{Type: TokenTag, Value: raw[1:]})
		case strings.HasPrefix(raw, "form:"):
			tokens = append(tokens, Token{Type: TokenForm, Value: raw[5:]})
		case strings.HasPrefix(raw, "starred:"):
			tokens = append(tokens, Token{Type: TokenStarred, Value: raw[8:]})
		case strings.HasPrefix(raw, "column:"):
			tokens = append(tokens, Token{Type: TokenColumn, Value: raw[7:]})
		default:
			tokens = append(tokens, Token{Type: TokenText, Value: raw})
		}
	}
	return tokens
}

// columnValue parses a column token; ok is false for unparseable input,
// which compiles to a selector matching nothing.
func columnValue(v string) (int, bool) {
	n, err := strconv.Atoi(v)
	return n, err == nil
}
