// Package rewrite transforms guest programs before execution. It erases
// async/await so every host call is synchronous, lowers Promise.all over
// host calls into a single batched callback, lowers loops around host calls
// into iteration helpers with per-iteration accounting, and in ast
// provenance mode instruments string derivation sites.
package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// Provenance instrumentation modes.
const (
	ProvenanceNone  = "none"
	ProvenanceProxy = "proxy"
	ProvenanceAST   = "ast"
)

// Options controls a rewrite pass.
type Options struct {
	// Salt seeds the site ids. Empty means generate a fresh one; a resume
	// passes the stored salt back in.
	Salt       string
	Provenance string
}

// Result is the rewritten program.
type Result struct {
	Source string
	Salt   string
	// Notes records loops that were left in place and why. They execute
	// unchanged, just without per-iteration accounting.
	Notes []string
}

// ParseError reports a program that does not parse.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s", e.Message)
}

type rewriter struct {
	src   string
	salt  string
	ast   bool
	edits editList
	notes []string
}

// Rewrite parses and transforms a program. Programs using top-level await
// are wrapped in an async main first; the wrapper's own async is then erased
// like any other.
func Rewrite(source string, opts Options) (*Result, error) {
	salt := opts.Salt
	if salt == "" {
		var err error
		if salt, err = NewSalt(); err != nil {
			return nil, err
		}
	}

	working := source
	program, err := parser.ParseFile(nil, "program.js", working, 0)
	if err != nil {
		working = "const __main = async function() {\n" + source + "\n};\n__main();"
		var retryErr error
		program, retryErr = parser.ParseFile(nil, "program.js", working, 0)
		if retryErr != nil {
			return nil, &ParseError{Message: err.Error()}
		}
	}

	r := &rewriter{
		src:  working,
		salt: salt,
		ast:  opts.Provenance == ProvenanceAST,
	}
	r.node(program)

	return &Result{
		Source: r.edits.apply(working),
		Salt:   salt,
		Notes:  r.notes,
	}, nil
}

func (r *rewriter) off(idx file.Idx) int {
	return int(idx) - 1
}

func (r *rewriter) text(start, end int) string {
	if start < 0 || end > len(r.src) || start > end {
		return ""
	}
	return r.src[start:end]
}

func (r *rewriter) nodeText(n ast.Node) string {
	return r.text(r.off(n.Idx0()), r.off(n.Idx1()))
}

func (r *rewriter) note(offset int, format string, args ...any) {
	r.notes = append(r.notes, fmt.Sprintf("offset %d: %s", offset, fmt.Sprintf(format, args...)))
}

func (r *rewriter) node(n ast.Node) {
	if n == nil {
		return
	}
	switch t := n.(type) {
	case *ast.AwaitExpression:
		r.eraseAwait(t)
		r.node(t.Argument)
	case *ast.FunctionLiteral:
		if t.Async {
			r.eraseAsync(r.off(t.Idx0()))
		}
		walkChildren(t, r.node)
	case *ast.ArrowFunctionLiteral:
		if t.Async {
			r.eraseAsync(r.off(t.Idx0()))
		}
		walkChildren(t, r.node)
	case *ast.CallExpression:
		r.call(t)
	case *ast.BinaryExpression:
		r.binary(t)
	case *ast.TemplateLiteral:
		r.template(t)
		walkChildren(t, r.node)
	case *ast.ForOfStatement:
		r.forOf(t)
	case *ast.WhileStatement:
		r.while(t)
	case *ast.ForStatement:
		r.forCounted(t)
	default:
		walkChildren(n, r.node)
	}
}

// eraseAwait deletes the await keyword, leaving the operand in place.
func (r *rewriter) eraseAwait(t *ast.AwaitExpression) {
	start := r.off(t.Await)
	if r.text(start, start+5) == "await" {
		r.edits.replace(start, start+5, "")
	}
}

// eraseAsync deletes the async keyword in front of a function. Depending on
// how the literal's start index is recorded the keyword is either at the
// start offset or just before it.
func (r *rewriter) eraseAsync(start int) {
	if strings.HasPrefix(r.src[start:], "async") {
		r.edits.replace(start, start+5, "")
		return
	}
	i := start
	for i > 0 && isSpace(r.src[i-1]) {
		i--
	}
	if i >= 5 && r.src[i-5:i] == "async" && (i == 5 || !isWordByte(r.src[i-6])) {
		r.edits.replace(i-5, i, "")
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isWordByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

var memberCallPattern = regexp.MustCompile(`^\s*\.\s*[A-Za-z_$][A-Za-z0-9_$]*\s*\($`)

var reservedRoots = map[string]bool{
	"atp": true, "api": true, "__atp": true, "Promise": true,
	"console": true, "JSON": true, "Math": true, "Object": true,
	"Array": true, "String": true, "Number": true, "Boolean": true,
	"Date": true, "RegExp": true, "Error": true,
}

func (r *rewriter) call(t *ast.CallExpression) {
	if r.lowerBatch(t) {
		return
	}
	if r.ast {
		r.memberCall(t)
	}
	walkChildren(t, r.node)
}

// lowerBatch turns Promise.all over an array of host calls into a single
// batched callback. Each element call becomes a deferred descriptor; the
// batch helper issues them as one pause.
func (r *rewriter) lowerBatch(t *ast.CallExpression) bool {
	path := calleePath(t.Callee)
	if len(path) != 2 || path[0] != "Promise" || path[1] != "all" || len(t.ArgumentList) != 1 {
		return false
	}
	arr, ok := t.ArgumentList[0].(*ast.ArrayLiteral)
	if !ok || len(arr.Value) == 0 {
		return false
	}

	type element struct {
		call *ast.CallExpression
		site callSite
	}
	elements := make([]element, 0, len(arr.Value))
	for _, v := range arr.Value {
		inner := v
		if aw, ok := inner.(*ast.AwaitExpression); ok {
			inner = aw.Argument
		}
		call, ok := inner.(*ast.CallExpression)
		if !ok {
			return false
		}
		site, ok := classifyCall(call)
		if !ok {
			return false
		}
		elements = append(elements, element{call: call, site: site})
	}

	calleeStart, calleeEnd := r.off(t.Callee.Idx0()), r.off(t.Callee.Idx1())
	if r.text(calleeStart, calleeEnd) != "Promise.all" {
		return false
	}
	for _, el := range elements {
		lparen := r.off(el.call.LeftParenthesis)
		rparen := r.off(el.call.RightParenthesis)
		if r.text(lparen, lparen+1) != "(" || r.text(rparen, rparen+1) != ")" {
			return false
		}
	}

	r.edits.replace(calleeStart, calleeEnd, "__atp.batchParallel")
	for _, v := range arr.Value {
		if aw, ok := v.(*ast.AwaitExpression); ok {
			r.eraseAwait(aw)
		}
	}
	for _, el := range elements {
		start := r.off(el.call.Callee.Idx0())
		lparen := r.off(el.call.LeftParenthesis)
		rparen := r.off(el.call.RightParenthesis)
		r.edits.replace(start, lparen+1,
			fmt.Sprintf("__atp.deferred(%q, %q, [", el.site.Kind, el.site.Operation))
		r.edits.replace(rparen, rparen+1, "])")
		for _, a := range el.call.ArgumentList {
			r.node(a)
		}
	}
	return true
}

// memberCall instruments method calls on guest values so derived results
// inherit the receiver's provenance. Calls on host namespaces and calls
// whose source shape is not a plain .name( are left alone.
func (r *rewriter) memberCall(t *ast.CallExpression) {
	dot, ok := t.Callee.(*ast.DotExpression)
	if !ok {
		return
	}
	if _, pausing := classifyCall(t); pausing {
		return
	}
	if path := calleePath(t.Callee); path != nil && reservedRoots[path[0]] {
		return
	}

	recvEnd := r.off(dot.Left.Idx1())
	lparen := r.off(t.LeftParenthesis)
	rparen := r.off(t.RightParenthesis)
	if !memberCallPattern.MatchString(r.text(recvEnd, lparen+1)) {
		return
	}
	if r.text(rparen, rparen+1) != ")" {
		return
	}

	id := siteID(r.salt, r.off(dot.Left.Idx0()))
	r.edits.insertOpen(r.off(dot.Left.Idx0()), "__atp.mcall(")
	r.edits.replace(recvEnd, lparen+1,
		fmt.Sprintf(", %q, [", dot.Identifier.Name.String()))
	r.edits.replace(rparen, rparen+1, fmt.Sprintf("], %q)", id))
}

// binary instruments string concatenation sites in ast mode.
func (r *rewriter) binary(t *ast.BinaryExpression) {
	defer walkChildren(t, r.node)
	if !r.ast || t.Operator != token.PLUS {
		return
	}
	between := r.text(r.off(t.Left.Idx1()), r.off(t.Right.Idx0()))
	if strings.TrimSpace(between) != "+" {
		// Parenthesised operands shift the span; leave the site alone.
		return
	}

	id := siteID(r.salt, r.off(t.Left.Idx0()))
	r.edits.insertOpen(r.off(t.Left.Idx0()), `__atp.bin("+", `)
	r.edits.replace(r.off(t.Left.Idx1()), r.off(t.Right.Idx0()), ", ")
	r.edits.insertClose(r.off(t.Right.Idx1()), fmt.Sprintf(", %q)", id))
}

// template instruments untagged template literals whose expressions are pure
// enough to repeat: the literal evaluates normally and the helper re-reads
// the parts to propagate provenance into the result.
func (r *rewriter) template(t *ast.TemplateLiteral) {
	if !r.ast || t.Tag != nil || len(t.Expressions) == 0 {
		return
	}
	for _, e := range t.Expressions {
		if !isPure(e) {
			return
		}
	}

	parts := make([]string, 0, len(t.Expressions))
	for _, e := range t.Expressions {
		parts = append(parts, r.nodeText(e))
	}
	id := siteID(r.salt, r.off(t.Idx0()))

	end := r.off(t.CloseQuote)
	if end < len(r.src) && r.src[end] == '`' {
		end++
	}
	r.edits.insertOpen(r.off(t.Idx0()), "__atp.tpl((")
	r.edits.insertClose(end,
		fmt.Sprintf("), [%s], %q)", strings.Join(parts, ", "), id))
}

func (r *rewriter) forOf(t *ast.ForOfStatement) {
	body, ok := t.Body.(*ast.BlockStatement)
	lowered := false
	defer func() {
		if !lowered {
			walkChildren(t, r.node)
		}
	}()

	if !ok || !containsHostCall(t.Body) {
		return
	}
	decl, ok := t.Into.(*ast.ForDeclaration)
	if !ok {
		r.note(r.off(t.For), "for-of over an outer binding left in place")
		return
	}
	shape := analyzeLoopBody(t.Body)
	if !shape.lowerable {
		r.note(r.off(t.For), "for-of left in place: %s", shape.reason)
		return
	}

	id := siteID(r.salt, r.off(t.For))
	param := r.nodeText(decl.Target)

	r.edits.replace(r.off(t.For), r.off(t.Source.Idx0()),
		fmt.Sprintf("__atp.forEach(%q, ", id))
	r.edits.replace(r.off(t.Source.Idx1()), r.off(body.Idx0()),
		fmt.Sprintf(", function(%s, __i) ", param))
	r.edits.insertClose(r.off(body.Idx1()), ");")
	r.rewriteContinues(shape.continues)

	lowered = true
	r.node(t.Source)
	for _, s := range body.List {
		r.node(s)
	}
}

func (r *rewriter) while(t *ast.WhileStatement) {
	body, ok := t.Body.(*ast.BlockStatement)
	lowered := false
	defer func() {
		if !lowered {
			walkChildren(t, r.node)
		}
	}()

	if !ok || !containsHostCall(t.Body) {
		return
	}
	shape := analyzeLoopBody(t.Body)
	if !shape.lowerable {
		r.note(r.off(t.While), "while left in place: %s", shape.reason)
		return
	}

	id := siteID(r.salt, r.off(t.While))
	r.edits.replace(r.off(t.While), r.off(t.Test.Idx0()),
		fmt.Sprintf("__atp.whileLoop(%q, function() { return ", id))
	r.edits.replace(r.off(t.Test.Idx1()), r.off(body.Idx0()),
		"; }, null, function() ")
	r.edits.insertClose(r.off(body.Idx1()), ");")
	r.rewriteContinues(shape.continues)

	lowered = true
	r.node(t.Test)
	for _, s := range body.List {
		r.node(s)
	}
}

func (r *rewriter) forCounted(t *ast.ForStatement) {
	body, bodyOK := t.Body.(*ast.BlockStatement)
	lowered := false
	defer func() {
		if !lowered {
			walkChildren(t, r.node)
		}
	}()

	if !bodyOK || !containsHostCall(t.Body) {
		return
	}
	if t.Test == nil || t.Update == nil || t.Initializer == nil {
		r.note(r.off(t.For), "for without all three clauses left in place")
		return
	}

	var initStart, initEnd int
	switch init := t.Initializer.(type) {
	case *ast.ForLoopInitializerExpression:
		initStart, initEnd = r.off(init.Expression.Idx0()), r.off(init.Expression.Idx1())
	case *ast.ForLoopInitializerLexicalDecl:
		initStart, initEnd = r.off(init.LexicalDeclaration.Idx0()), r.off(init.LexicalDeclaration.Idx1())
	default:
		// var initialisers hoist past the loop.
		r.note(r.off(t.For), "for with var initialiser left in place")
		return
	}
	shape := analyzeLoopBody(t.Body)
	if !shape.lowerable {
		r.note(r.off(t.For), "for left in place: %s", shape.reason)
		return
	}

	id := siteID(r.salt, r.off(t.For))
	r.edits.replace(r.off(t.For), initStart, "(function() { ")
	r.edits.replace(initEnd, r.off(t.Test.Idx0()),
		fmt.Sprintf("; __atp.whileLoop(%q, function() { return ", id))
	r.edits.replace(r.off(t.Test.Idx1()), r.off(t.Update.Idx0()),
		"; }, function() { ")
	r.edits.replace(r.off(t.Update.Idx1()), r.off(body.Idx0()),
		"; }, function() ")
	r.edits.insertClose(r.off(body.Idx1()), "); })();")
	r.rewriteContinues(shape.continues)

	lowered = true
	switch init := t.Initializer.(type) {
	case *ast.ForLoopInitializerExpression:
		r.node(init.Expression)
	case *ast.ForLoopInitializerLexicalDecl:
		for _, b := range init.LexicalDeclaration.List {
			if b.Initializer != nil {
				r.node(b.Initializer)
			}
		}
	}
	r.node(t.Test)
	r.node(t.Update)
	for _, s := range body.List {
		r.node(s)
	}
}

func (r *rewriter) rewriteContinues(offsets []int) {
	for _, c := range offsets {
		if r.text(c, c+8) == "continue" {
			r.edits.replace(c, c+8, "return")
		}
	}
}
