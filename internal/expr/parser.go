package expr

import (
	"strconv"
	"strings"
)

// Reference names a value looked up in a Scope: a root namespace such as
// "variables" or "parameters" plus a path, or a bare loop variable with no
// path.
type Reference struct {
	Root string
	Path []string
}

// Name joins the path with dots; variables['Build.Reason'] and
// variables.Build.Reason share the name "Build.Reason".
func (r Reference) Name() string {
	return strings.Join(r.Path, ".")
}

func (r Reference) String() string {
	if len(r.Path) == 0 {
		return r.Root
	}
	name := r.Name()
	if isPlainIdent(name) {
		return r.Root + "." + name
	}
	return r.Root + "['" + name + "']"
}

func (r Reference) key() string {
	return r.Root + "\x00" + r.Name()
}

type node interface {
	eval(env *evalEnv) (Value, error)
}

type literalNode struct {
	val Value
}

type refNode struct {
	ref Reference
}

type callNode struct {
	name string
	fn   *function
	args []node
}

// Expr is a parsed expression.
type Expr struct {
	src  string
	root node
	refs []Reference
}

// Source returns the expression text as written.
func (e *Expr) Source() string {
	if e == nil {
		return ""
	}
	return e.src
}

func (e *Expr) String() string { return e.Source() }

// Refs returns every distinct reference in the expression, in source order.
func (e *Expr) Refs() []Reference {
	if e == nil {
		return nil
	}
	out := make([]Reference, len(e.refs))
	copy(out, e.refs)
	return out
}

// MarshalText renders the expression source so parsed documents can be
// fingerprinted.
func (e *Expr) MarshalText() ([]byte, error) {
	return []byte(e.Source()), nil
}

// IsTemplate reports whether s is wholly a ${{ ... }} template expression.
func IsTemplate(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}")
}

func unwrapTemplate(s string) string {
	s = strings.TrimSpace(s)
	if IsTemplate(s) {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	return s
}

// Parse parses src, which may be wrapped in ${{ }}.
func Parse(src string) (*Expr, error) {
	body := unwrapTemplate(src)
	lx := &lexer{src: body}
	toks, err := lx.tokens()
	if err != nil {
		return nil, err
	}
	p := &parser{src: body, toks: toks, seen: make(map[string]struct{})}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Source: body, Pos: 0, Msg: "empty expression"}
	}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected "+tok.kind.String()+" after expression")
	}
	return &Expr{src: strings.TrimSpace(src), root: root, refs: p.refs}, nil
}

// MustParse is Parse for expressions known to be valid; it panics otherwise.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

type parser struct {
	src  string
	toks []token
	pos  int
	refs []Reference
	seen map[string]struct{}
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, msg string) *SyntaxError {
	return &SyntaxError{Source: p.src, Pos: tok.pos, Msg: msg}
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected "+kind.String()+", found "+tok.kind.String())
	}
	return tok, nil
}

func (p *parser) parseExpr() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokString:
		return literalNode{val: String(tok.text)}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(tok, "malformed number")
		}
		return literalNode{val: Number(n)}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		switch strings.ToLower(tok.text) {
		case "true":
			return literalNode{val: Bool(true)}, nil
		case "false":
			return literalNode{val: Bool(false)}, nil
		case "null":
			return literalNode{val: Null}, nil
		}
		return p.parseReference(tok)
	}
	return nil, p.errorf(tok, "unexpected "+tok.kind.String())
}

func (p *parser) parseCall(nameTok token) (node, error) {
	fn, ok := lookupFunction(nameTok.text)
	if !ok {
		return nil, p.errorf(nameTok, "unknown function "+strconv.Quote(nameTok.text))
	}
	if _, err := p.expect(tokLParen); err != nil {
		return nil, err
	}

	var args []node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.advance()
		}
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}

	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return nil, p.errorf(nameTok, fn.arityMessage(len(args)))
	}
	return &callNode{name: fn.name, fn: fn, args: args}, nil
}

func (p *parser) parseReference(rootTok token) (node, error) {
	ref := Reference{Root: rootTok.text}
	for {
		switch p.peek().kind {
		case tokDot:
			p.advance()
			seg, err := p.expect(tokIdent)
			if err != nil {
				return nil, err
			}
			ref.Path = append(ref.Path, seg.text)
			continue
		case tokLBracket:
			p.advance()
			seg, err := p.expect(tokString)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
			ref.Path = append(ref.Path, seg.text)
			continue
		}
		break
	}

	if _, dup := p.seen[ref.key()]; !dup {
		p.seen[ref.key()] = struct{}{}
		p.refs = append(p.refs, ref)
	}
	return refNode{ref: ref}, nil
}

func isPlainIdent(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}
