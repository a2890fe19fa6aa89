package styles

import (
	"bytes"
	"sort"
	"strings"

	dcss "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"github.com/conneroisu/kiln/internal/pipeline"
)

// PostProcess merges top-level @media blocks sharing a condition and adds
// vendor-prefixed declarations. Merged blocks follow all other rules, in the
// order their condition first appeared; rules inside a block keep their
// relative order. Text is moved, never re-serialized, so anything that is
// not a recognisable declaration, including unknown at-rules and comments,
// comes out exactly as it went in.
func PostProcess(src []byte, legacyIE bool) *pipeline.Rewriter {
	toks := lex(src)
	inserts := prefixInserts(src, toks, legacyIE)
	items := splitTopLevel(toks, len(src))

	rw := pipeline.NewRewriter(src)
	emit := func(start, end int) {
		i := sort.Search(len(inserts), func(i int) bool { return inserts[i].at >= start })
		for ; i < len(inserts) && inserts[i].at < end; i++ {
			rw.Copy(start, inserts[i].at)
			rw.Insert(inserts[i].text)
			start = inserts[i].at
		}
		rw.Copy(start, end)
	}

	var (
		order  []string
		groups = make(map[string][]item)
	)
	for _, it := range items {
		if !it.media {
			emit(it.start, it.end)
			continue
		}
		key := normalizePrelude(string(src[it.preludeStart:it.bodyStart-1]))
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	if len(order) > 0 && len(bytes.TrimSpace(rw.Bytes())) > 0 && !rw.EndsWith('\n') {
		rw.Insert("\n")
	}
	for _, key := range order {
		members := groups[key]
		first := members[0]
		emit(first.start, first.bodyEnd)
		for _, m := range members[1:] {
			emit(m.bodyStart, m.bodyEnd)
		}
		emit(first.bodyEnd, first.bodyEnd+1)
		rw.Insert("\n")
	}
	return rw
}

type token struct {
	tt    css.TokenType
	data  []byte
	start int
}

func (t token) end() int { return t.start + len(t.data) }

func lex(src []byte) []token {
	l := css.NewLexer(parse.NewInputBytes(append([]byte(nil), src...)))
	var toks []token
	off := 0
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			return toks
		}
		toks = append(toks, token{tt: tt, data: data, start: off})
		off += len(data)
	}
}

// item is a top-level stretch of the stylesheet. For @media blocks the
// prelude and body offsets are set; bodyStart follows the opening brace and
// bodyEnd is the closing brace. Whitespace after a media block belongs to it
// and is dropped when the block moves.
type item struct {
	start, end   int
	media        bool
	preludeStart int
	bodyStart    int
	bodyEnd      int
}

func splitTopLevel(toks []token, size int) []item {
	var items []item
	textStart := 0

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.tt != css.AtKeywordToken || !bytes.EqualFold(t.data, []byte("@media")) {
			i = skipStatement(toks, i)
			continue
		}

		open, close := blockBounds(toks, i)
		if open < 0 || close < 0 {
			i = skipStatement(toks, i)
			continue
		}

		end := toks[close].end()
		next := close + 1
		for next < len(toks) && toks[next].tt == css.WhitespaceToken {
			end = toks[next].end()
			next++
		}

		if textStart < t.start {
			items = append(items, item{start: textStart, end: t.start})
		}
		items = append(items, item{
			start:        t.start,
			end:          end,
			media:        true,
			preludeStart: t.end(),
			bodyStart:    toks[open].end(),
			bodyEnd:      toks[close].start,
		})
		textStart = end
		i = next - 1
	}

	if textStart < size {
		items = append(items, item{start: textStart, end: size})
	}
	return items
}

// skipStatement returns the index of the last token of the top-level
// statement starting at i: a block, an at-rule ending in ';', or a single
// whitespace or comment token.
func skipStatement(toks []token, i int) int {
	switch toks[i].tt {
	case css.WhitespaceToken, css.CommentToken, css.CDOToken, css.CDCToken:
		return i
	}
	depth := 0
	for j := i; j < len(toks); j++ {
		switch toks[j].tt {
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth <= 0 {
				return j
			}
		case css.SemicolonToken:
			if depth == 0 {
				return j
			}
		}
	}
	return len(toks) - 1
}

// blockBounds finds the opening brace of the at-rule at i and its matching
// closing brace, or -1 when either is missing.
func blockBounds(toks []token, i int) (open, close int) {
	open, close = -1, -1
	depth := 0
	for j := i + 1; j < len(toks); j++ {
		switch toks[j].tt {
		case css.SemicolonToken:
			if open < 0 {
				return -1, -1
			}
		case css.LeftBraceToken:
			if open < 0 {
				open = j
			}
			depth++
		case css.RightBraceToken:
			if open < 0 {
				return -1, -1
			}
			depth--
			if depth == 0 {
				return open, j
			}
		}
	}
	return open, -1
}

type insert struct {
	at   int
	text string
}

// declaration is a parsed declaration and the offset it starts at.
type declaration struct {
	at   int
	decl *dcss.Declaration
}

// prefixInserts walks every block and returns, sorted by offset, the
// prefixed declarations to insert in front of the declarations needing them.
func prefixInserts(src []byte, toks []token, legacyIE bool) []insert {
	var (
		inserts []insert
		stack   [][]declaration
		parens  int
	)

	flush := func(decls []declaration) {
		parsed := make([]*dcss.Declaration, len(decls))
		for i, d := range decls {
			parsed[i] = d.decl
		}
		for i, extra := range prefixesFor(parsed, legacyIE) {
			if len(extra) == 0 {
				continue
			}
			var sb strings.Builder
			for _, e := range extra {
				sb.WriteString(e.String())
				sb.WriteByte(' ')
			}
			inserts = append(inserts, insert{at: decls[i].at, text: sb.String()})
		}
	}

	stmt := -1
	for i, t := range toks {
		switch t.tt {
		case css.FunctionToken, css.LeftParenthesisToken:
			parens++
		case css.RightParenthesisToken:
			if parens > 0 {
				parens--
			}
		}
		if parens > 0 {
			continue
		}

		switch t.tt {
		case css.WhitespaceToken, css.CommentToken:
		case css.LeftBraceToken:
			stack = append(stack, nil)
			stmt = -1
		case css.RightBraceToken, css.SemicolonToken:
			if stmt >= 0 && len(stack) > 0 {
				if d, ok := parseDeclaration(src, toks, stmt, i); ok {
					top := len(stack) - 1
					stack[top] = append(stack[top], d)
				}
			}
			stmt = -1
			if t.tt == css.RightBraceToken && len(stack) > 0 {
				flush(stack[len(stack)-1])
				stack = stack[:len(stack)-1]
			}
		default:
			if stmt < 0 {
				stmt = i
			}
		}
	}

	sort.SliceStable(inserts, func(i, j int) bool { return inserts[i].at < inserts[j].at })
	return inserts
}

// parseDeclaration reads toks[from:to] as "property: value" and returns it
// when it is one.
func parseDeclaration(src []byte, toks []token, from, to int) (declaration, bool) {
	if toks[from].tt != css.IdentToken {
		return declaration{}, false
	}
	colon := false
	for j := from + 1; j < to; j++ {
		tt := toks[j].tt
		if tt == css.WhitespaceToken || tt == css.CommentToken {
			continue
		}
		colon = tt == css.ColonToken
		break
	}
	if !colon {
		return declaration{}, false
	}

	text := strings.TrimSpace(string(src[toks[from].start:toks[to].start]))
	decls, err := parser.ParseDeclarations(text + ";")
	if err != nil || len(decls) != 1 || decls[0].Property == "" {
		return declaration{}, false
	}
	return declaration{at: toks[from].start, decl: decls[0]}, true
}

func normalizePrelude(prelude string) string {
	p := strings.Join(strings.Fields(prelude), " ")
	p = strings.ReplaceAll(p, "( ", "(")
	p = strings.ReplaceAll(p, " )", ")")
	p = strings.ReplaceAll(p, " :", ":")
	p = strings.ReplaceAll(p, ": ", ":")
	return strings.ToLower(p)
}
