package rewrite

import (
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"
)

// callSite classifies a host call that gets recorded in the replay log.
type callSite struct {
	Kind      string // llm, approval, embedding, tool
	Operation string
}

// calleePath flattens a dotted callee like api.github.getUser into its
// segments. Anything other than identifiers joined by dots yields nil.
func calleePath(e ast.Expression) []string {
	switch n := e.(type) {
	case *ast.Identifier:
		return []string{n.Name.String()}
	case *ast.DotExpression:
		left := calleePath(n.Left)
		if left == nil {
			return nil
		}
		return append(left, n.Identifier.Name.String())
	}
	return nil
}

// classifyCall recognises the pausing host calls: atp.llm.*,
// atp.approval.*, atp.embedding.* and api.<group...>.<fn>. Other atp
// namespaces (cache, time, log) run server-side and never pause.
func classifyCall(call *ast.CallExpression) (callSite, bool) {
	path := calleePath(call.Callee)
	if len(path) < 2 {
		return callSite{}, false
	}
	switch path[0] {
	case "atp":
		if len(path) != 3 {
			return callSite{}, false
		}
		switch path[1] {
		case "llm", "approval", "embedding":
			return callSite{Kind: path[1], Operation: path[2]}, true
		}
	case "api":
		if len(path) >= 3 {
			return callSite{Kind: "tool", Operation: joinDots(path[1:])}, true
		}
	}
	return callSite{}, false
}

func joinDots(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "." + p
	}
	return out
}

// containsHostCall reports whether a subtree makes any pausing host call.
// Nested function literals count: a loop that defines and invokes a helper
// still needs iteration accounting.
func containsHostCall(n ast.Node) bool {
	found := false
	walkNode(n, func(child ast.Node) bool {
		if found {
			return false
		}
		if call, ok := child.(*ast.CallExpression); ok {
			if _, ok := classifyCall(call); ok {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// loopShape is the result of analysing a loop body for lowering.
type loopShape struct {
	// lowerable is false when the body uses control flow the iteration
	// helper cannot express: break or labelled branches out of the loop,
	// return through it, or var declarations that must hoist past it.
	lowerable bool
	reason    string
	// continues are the offsets of unlabelled continue statements that
	// target this loop and become returns in the helper callback.
	continues []int
}

func analyzeLoopBody(body ast.Statement) loopShape {
	shape := loopShape{lowerable: true}
	var scan func(s ast.Node, inNestedLoop, inSwitch bool)
	scan = func(n ast.Node, inNestedLoop, inSwitch bool) {
		if !shape.lowerable || n == nil {
			return
		}
		switch s := n.(type) {
		case *ast.BranchStatement:
			if s.Label != nil {
				shape.lowerable = false
				shape.reason = "labelled branch"
				return
			}
			switch s.Token {
			case token.BREAK:
				if !inNestedLoop && !inSwitch {
					shape.lowerable = false
					shape.reason = "break out of loop"
				}
			case token.CONTINUE:
				if !inNestedLoop {
					shape.continues = append(shape.continues, int(s.Idx0())-1)
				}
			}
		case *ast.ReturnStatement:
			shape.lowerable = false
			shape.reason = "return through loop"
		case *ast.LabelledStatement:
			shape.lowerable = false
			shape.reason = "labelled statement"
		case *ast.VariableStatement:
			shape.lowerable = false
			shape.reason = "var declaration hoists past loop"
		case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral, *ast.FunctionDeclaration:
			// Branches inside nested functions cannot target this loop.
		case *ast.ForStatement, *ast.ForOfStatement, *ast.ForInStatement,
			*ast.WhileStatement, *ast.DoWhileStatement:
			walkChildren(n, func(child ast.Node) { scan(child, true, inSwitch) })
		case *ast.SwitchStatement:
			scan(s.Discriminant, inNestedLoop, inSwitch)
			for _, c := range s.Body {
				if c.Test != nil {
					scan(c.Test, inNestedLoop, inSwitch)
				}
				for _, stmt := range c.Consequent {
					scan(stmt, inNestedLoop, true)
				}
			}
		default:
			walkChildren(n, func(child ast.Node) { scan(child, inNestedLoop, inSwitch) })
		}
	}
	scan(body, false, false)
	return shape
}

// Walk visits n and its descendants in pre-order. The callback returns false
// to stop descending into a subtree.
func Walk(n ast.Node, visit func(ast.Node) bool) {
	walkNode(n, visit)
}

// walkNode visits n and its descendants in pre-order. The callback returns
// false to stop descending into a subtree.
func walkNode(n ast.Node, visit func(ast.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	walkChildren(n, func(child ast.Node) { walkNode(child, visit) })
}

// walkChildren enumerates the direct children of the node kinds the rewriter
// cares about. Unknown kinds are treated as leaves.
func walkChildren(n ast.Node, visit func(ast.Node)) {
	seeExpr := func(e ast.Expression) {
		if e != nil {
			visit(e)
		}
	}
	seeStmt := func(s ast.Statement) {
		if s != nil {
			visit(s)
		}
	}

	switch t := n.(type) {
	case *ast.Program:
		for _, s := range t.Body {
			seeStmt(s)
		}
	case *ast.BlockStatement:
		for _, s := range t.List {
			seeStmt(s)
		}
	case *ast.ExpressionStatement:
		seeExpr(t.Expression)
	case *ast.VariableStatement:
		for _, b := range t.List {
			seeExpr(b.Initializer)
		}
	case *ast.LexicalDeclaration:
		for _, b := range t.List {
			seeExpr(b.Initializer)
		}
	case *ast.IfStatement:
		seeExpr(t.Test)
		seeStmt(t.Consequent)
		seeStmt(t.Alternate)
	case *ast.ForStatement:
		switch init := t.Initializer.(type) {
		case *ast.ForLoopInitializerExpression:
			seeExpr(init.Expression)
		case *ast.ForLoopInitializerVarDeclList:
			for _, b := range init.List {
				seeExpr(b.Initializer)
			}
		case *ast.ForLoopInitializerLexicalDecl:
			for _, b := range init.LexicalDeclaration.List {
				seeExpr(b.Initializer)
			}
		}
		seeExpr(t.Test)
		seeExpr(t.Update)
		seeStmt(t.Body)
	case *ast.ForOfStatement:
		seeExpr(t.Source)
		seeStmt(t.Body)
	case *ast.ForInStatement:
		seeExpr(t.Source)
		seeStmt(t.Body)
	case *ast.WhileStatement:
		seeExpr(t.Test)
		seeStmt(t.Body)
	case *ast.DoWhileStatement:
		seeExpr(t.Test)
		seeStmt(t.Body)
	case *ast.ReturnStatement:
		seeExpr(t.Argument)
	case *ast.ThrowStatement:
		seeExpr(t.Argument)
	case *ast.TryStatement:
		seeStmt(t.Body)
		if t.Catch != nil {
			seeStmt(t.Catch.Body)
		}
		seeStmt(t.Finally)
	case *ast.SwitchStatement:
		seeExpr(t.Discriminant)
		for _, c := range t.Body {
			seeExpr(c.Test)
			for _, s := range c.Consequent {
				seeStmt(s)
			}
		}
	case *ast.LabelledStatement:
		seeStmt(t.Statement)
	case *ast.FunctionDeclaration:
		visit(t.Function)
	case *ast.FunctionLiteral:
		seeStmt(t.Body)
	case *ast.ArrowFunctionLiteral:
		switch body := t.Body.(type) {
		case *ast.BlockStatement:
			seeStmt(body)
		case *ast.ExpressionBody:
			seeExpr(body.Expression)
		}
	case *ast.CallExpression:
		seeExpr(t.Callee)
		for _, a := range t.ArgumentList {
			seeExpr(a)
		}
	case *ast.NewExpression:
		seeExpr(t.Callee)
		for _, a := range t.ArgumentList {
			seeExpr(a)
		}
	case *ast.DotExpression:
		seeExpr(t.Left)
	case *ast.BracketExpression:
		seeExpr(t.Left)
		seeExpr(t.Member)
	case *ast.AssignExpression:
		seeExpr(t.Left)
		seeExpr(t.Right)
	case *ast.BinaryExpression:
		seeExpr(t.Left)
		seeExpr(t.Right)
	case *ast.UnaryExpression:
		seeExpr(t.Operand)
	case *ast.ConditionalExpression:
		seeExpr(t.Test)
		seeExpr(t.Consequent)
		seeExpr(t.Alternate)
	case *ast.SequenceExpression:
		for _, e := range t.Sequence {
			seeExpr(e)
		}
	case *ast.ArrayLiteral:
		for _, e := range t.Value {
			seeExpr(e)
		}
	case *ast.ObjectLiteral:
		for _, p := range t.Value {
			switch prop := p.(type) {
			case *ast.PropertyKeyed:
				seeExpr(prop.Key)
				seeExpr(prop.Value)
			case *ast.PropertyShort:
				seeExpr(prop.Initializer)
			case *ast.SpreadElement:
				seeExpr(prop.Expression)
			}
		}
	case *ast.SpreadElement:
		seeExpr(t.Expression)
	case *ast.TemplateLiteral:
		seeExpr(t.Tag)
		for _, e := range t.Expressions {
			seeExpr(e)
		}
	case *ast.AwaitExpression:
		seeExpr(t.Argument)
	}
}

// isPure reports whether evaluating the expression twice is observably the
// same as evaluating it once. Used to decide whether a template literal can
// be instrumented with its sub-expressions repeated.
func isPure(e ast.Expression) bool {
	switch t := e.(type) {
	case *ast.Identifier, *ast.StringLiteral, *ast.NumberLiteral,
		*ast.BooleanLiteral, *ast.NullLiteral:
		return true
	case *ast.DotExpression:
		return isPure(t.Left)
	case *ast.BracketExpression:
		return isPure(t.Left) && isPure(t.Member)
	case *ast.BinaryExpression:
		return isPure(t.Left) && isPure(t.Right)
	case *ast.ConditionalExpression:
		return isPure(t.Test) && isPure(t.Consequent) && isPure(t.Alternate)
	case *ast.UnaryExpression:
		return !t.Postfix && t.Operator != token.DELETE && isPure(t.Operand)
	case *ast.TemplateLiteral:
		if t.Tag != nil {
			return false
		}
		for _, sub := range t.Expressions {
			if !isPure(sub) {
				return false
			}
		}
		return true
	}
	return false
}
