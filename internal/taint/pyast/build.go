// Package pyast turns Python source into the node arena that
// internal/taint walks, using tree-sitter's Python grammar as the parser
// (Go has no stdlib Python AST). It performs the single structural pass that
// produces the arena; internal/taint.Visitor performs the semantic two-phase
// walk described in the analyzer design.
package pyast

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/pyreposcan/pyreposcan/internal/taint"
)

// Build parses src and returns an Arena plus the root (module) node index.
func Build(ctx context.Context, src []byte) (*taint.Arena, taint.NodeIndex, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, taint.NoNode, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	b := &builder{src: src, arena: taint.NewArena()}
	root := b.build(tree.RootNode(), taint.NoNode)
	return b.arena, root, nil
}

type builder struct {
	src   []byte
	arena *taint.Arena
}

func (b *builder) text(n *sitter.Node) string {
	return string(b.src[n.StartByte():n.EndByte()])
}

func (b *builder) loc(n *sitter.Node) (line, col, endLine, endCol int) {
	sp, ep := n.StartPoint(), n.EndPoint()
	return int(sp.Row) + 1, int(sp.Column), int(ep.Row) + 1, int(ep.Column)
}

// build recursively converts a tree-sitter node into one or more arena
// nodes, returning the index of the primary node produced (or NoNode for
// constructs with no arena representation, e.g. punctuation tokens).
func (b *builder) build(n *sitter.Node, parent taint.NodeIndex) taint.NodeIndex {
	if n == nil {
		return taint.NoNode
	}
	line, col, endLine, endCol := b.loc(n)

	switch n.Type() {
	case "module":
		idx := b.arena.Add(taint.Node{Kind: taint.KindModule, Parent: taint.NoNode, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
		b.addStatementChildren(n, idx)
		return idx

	case "import_statement":
		return b.buildImport(n, parent, line, col, endLine, endCol)

	case "import_from_statement":
		return b.buildImportFrom(n, parent, line, col, endLine, endCol)

	case "class_definition":
		return b.buildClassOrFunc(n, parent, taint.KindClassDef, line, col, endLine, endCol)

	case "function_definition":
		return b.buildClassOrFunc(n, parent, taint.KindFunctionDef, line, col, endLine, endCol)

	case "expression_statement":
		// Unwraps to its single child (often an assignment or call).
		if int(n.ChildCount()) > 0 {
			return b.build(n.Child(0), parent)
		}
		return taint.NoNode

	case "assignment":
		return b.buildAssign(n, parent, line, col, endLine, endCol)

	case "call":
		return b.buildCall(n, parent, line, col, endLine, endCol)

	case "subscript":
		return b.buildSubscript(n, parent, line, col, endLine, endCol)

	case "attribute":
		return b.buildAttribute(n, parent, taint.CtxLoad, line, col, endLine, endCol)

	case "identifier":
		return b.buildName(n, parent, taint.CtxLoad, line, col, endLine, endCol)

	case "string", "integer", "float", "true", "false", "none", "concatenated_string":
		idx := b.arena.Add(taint.Node{Kind: taint.KindConstant, ConstValue: b.text(n), IsConstant: true, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
		return idx

	case "with_statement":
		return b.buildWith(n, parent, line, col, endLine, endCol)

	case "tuple", "list":
		kind := taint.KindTuple
		if n.Type() == "list" {
			kind = taint.KindList
		}
		idx := b.arena.Add(taint.Node{Kind: kind, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
		var children []taint.NodeIndex
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if !isNamedLike(c) {
				continue
			}
			if ci := b.build(c, idx); ci != taint.NoNode {
				children = append(children, ci)
			}
		}
		b.arena.Node(idx).Children = children
		return idx

	default:
		// Container constructs with no dedicated arena shape — if/for/
		// while/try statements, their clauses, blocks, and compound
		// expressions — become a pass-through node holding their built
		// children, so statements nested inside them stay reachable from
		// the walk.
		idx := b.arena.Add(taint.Node{Kind: taint.KindOther, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
		var children []taint.NodeIndex
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if !isNamedLike(c) {
				continue
			}
			if ci := b.build(c, idx); ci != taint.NoNode {
				children = append(children, ci)
			}
		}
		if len(children) == 0 {
			return taint.NoNode
		}
		b.arena.Node(idx).Children = children
		return idx
	}
}

// addStatementChildren walks a block-like node's statements, appending each
// one's built arena index to idx's Children.
func (b *builder) addStatementChildren(n *sitter.Node, idx taint.NodeIndex) {
	children := b.blockChildren(n, idx)
	b.arena.Node(idx).Children = children
}

// blockChildren builds a block-like node's statements in order, flattening
// nested "block" wrappers, and returns their arena indices with idx as each
// one's parent.
func (b *builder) blockChildren(n *sitter.Node, idx taint.NodeIndex) []taint.NodeIndex {
	var children []taint.NodeIndex
	var walkBlock func(blk *sitter.Node)
	walkBlock = func(blk *sitter.Node) {
		for i := 0; i < int(blk.ChildCount()); i++ {
			c := blk.Child(i)
			if !isNamedLike(c) {
				continue
			}
			switch c.Type() {
			case "block":
				walkBlock(c)
			default:
				if ci := b.build(c, idx); ci != taint.NoNode {
					children = append(children, ci)
				}
			}
		}
	}
	walkBlock(n)
	return children
}

func isNamedLike(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	return n.IsNamed()
}

func (b *builder) buildName(n *sitter.Node, parent taint.NodeIndex, ctx taint.LoadStoreCtx, line, col, endLine, endCol int) taint.NodeIndex {
	return b.arena.Add(taint.Node{Kind: taint.KindName, Ident: b.text(n), Ctx: ctx, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
}

func (b *builder) buildAttribute(n *sitter.Node, parent taint.NodeIndex, ctx taint.LoadStoreCtx, line, col, endLine, endCol int) taint.NodeIndex {
	objectNode := n.ChildByFieldName("object")
	attrNode := n.ChildByFieldName("attribute")
	base := b.build(objectNode, taint.NoNode)
	ident := ""
	if attrNode != nil {
		ident = b.text(attrNode)
	}
	idx := b.arena.Add(taint.Node{Kind: taint.KindAttribute, AttrBase: base, Ident: ident, Ctx: ctx, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
	if base != taint.NoNode {
		b.arena.Node(base).Parent = idx
	}
	return idx
}

func (b *builder) buildImport(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	// import_statement -> "import" (dotted_name | aliased_import) ("," ...)*
	// We model one arena node per imported name; when there are several,
	// only the last index is returned (the caller attaches statements
	// individually via addStatementChildren iterating module children, so
	// multi-name imports on one line are uncommon enough in practice that
	// a single representative node suffices for rule matching purposes).
	var last taint.NodeIndex = taint.NoNode
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		module, alias := b.parseImportClause(c)
		if module == "" {
			continue
		}
		last = b.arena.Add(taint.Node{
			Kind: taint.KindImport, ImportModule: module, ImportAlias: alias,
			Line: line, Col: col, EndLine: endLine, EndCol: endCol,
		})
	}
	return last
}

func (b *builder) parseImportClause(n *sitter.Node) (module, alias string) {
	switch n.Type() {
	case "dotted_name":
		return b.text(n), ""
	case "aliased_import":
		nameNode := n.ChildByFieldName("name")
		aliasNode := n.ChildByFieldName("alias")
		if nameNode != nil {
			module = b.text(nameNode)
		}
		if aliasNode != nil {
			alias = b.text(aliasNode)
		}
		return module, alias
	default:
		return "", ""
	}
}

func (b *builder) buildImportFrom(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	// import_from_statement -> "from" module_name "import" names...
	var moduleName string
	dots := 0
	var names []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		switch c.Type() {
		case "relative_import":
			for j := 0; j < int(c.ChildCount()); j++ {
				cc := c.Child(j)
				if cc.Type() == "import_prefix" {
					dots += len([]rune(b.text(cc)))
				}
				if cc.Type() == "dotted_name" {
					moduleName = b.text(cc)
				}
			}
		case "dotted_name":
			if moduleName == "" {
				moduleName = b.text(c)
			}
		case "aliased_import", "wildcard_import":
			names = append(names, c)
		case "identifier":
			names = append(names, c)
		}
	}
	var last taint.NodeIndex = taint.NoNode
	if len(names) == 0 {
		// "from . import X" form is handled above by collecting
		// identifiers too; if truly empty, nothing to bind.
		return taint.NoNode
	}
	for _, nameNode := range names {
		var name, alias string
		switch nameNode.Type() {
		case "aliased_import":
			nn := nameNode.ChildByFieldName("name")
			an := nameNode.ChildByFieldName("alias")
			if nn != nil {
				name = b.text(nn)
			}
			if an != nil {
				alias = b.text(an)
			}
		default:
			name = b.text(nameNode)
		}
		last = b.arena.Add(taint.Node{
			Kind: taint.KindImportFrom, ImportModule: moduleName, ImportName: name,
			ImportAlias: alias, ImportFromDots: dots,
			Line: line, Col: col, EndLine: endLine, EndCol: endCol,
		})
	}
	return last
}

func (b *builder) buildClassOrFunc(n *sitter.Node, parent taint.NodeIndex, kind taint.Kind, line, col, endLine, endCol int) taint.NodeIndex {
	nameNode := n.ChildByFieldName("name")
	name := ""
	if nameNode != nil {
		name = b.text(nameNode)
	}
	idx := b.arena.Add(taint.Node{Kind: kind, DefName: name, Line: line, Col: col, EndLine: endLine, EndCol: endCol})

	if kind == taint.KindFunctionDef {
		if params := n.ChildByFieldName("parameters"); params != nil {
			b.arena.Node(idx).Params = b.parseParams(params)
		}
	}

	if body := n.ChildByFieldName("body"); body != nil {
		b.addStatementChildren(body, idx)
	}
	return idx
}

func (b *builder) parseParams(n *sitter.Node) []taint.Param {
	var params []taint.Param
	pos := 0
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		switch c.Type() {
		case "identifier":
			params = append(params, taint.Param{Name: b.text(c), Position: pos})
			pos++
		case "default_parameter", "typed_parameter", "typed_default_parameter":
			nameNode := c.ChildByFieldName("name")
			if nameNode == nil && int(c.ChildCount()) > 0 {
				nameNode = c.Child(0)
			}
			if nameNode != nil {
				params = append(params, taint.Param{Name: b.text(nameNode), Position: pos})
				pos++
			}
		case "keyword_only_separator":
			// Not tracked: parameters after a bare "*" get the next
			// positional index like the others, and Param.Keyword is
			// never set here.
		}
	}
	return params
}

func (b *builder) buildAssign(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	leftNode := n.ChildByFieldName("left")
	rightNode := n.ChildByFieldName("right")

	var targets []taint.NodeIndex
	if leftNode != nil {
		targets = b.buildAssignTargets(leftNode)
	}

	value := taint.NoNode
	if rightNode != nil {
		value = b.build(rightNode, taint.NoNode)
	}

	idx := b.arena.Add(taint.Node{
		Kind: taint.KindAssign, AssignTargets: targets, AssignValue: value,
		Line: line, Col: col, EndLine: endLine, EndCol: endCol,
	})
	children := append([]taint.NodeIndex{}, targets...)
	if value != taint.NoNode {
		children = append(children, value)
	}
	b.arena.Node(idx).Children = children
	return idx
}

func (b *builder) buildAssignTargets(n *sitter.Node) []taint.NodeIndex {
	switch n.Type() {
	case "identifier":
		line, col, endLine, endCol := b.loc(n)
		return []taint.NodeIndex{b.buildName(n, taint.NoNode, taint.CtxStore, line, col, endLine, endCol)}
	case "attribute":
		line, col, endLine, endCol := b.loc(n)
		return []taint.NodeIndex{b.buildAttribute(n, taint.NoNode, taint.CtxStore, line, col, endLine, endCol)}
	case "pattern_list", "tuple_pattern", "list_pattern", "tuple", "list":
		var out []taint.NodeIndex
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			if !isNamedLike(c) {
				continue
			}
			out = append(out, b.buildAssignTargets(c)...)
		}
		return out
	default:
		return nil
	}
}

func (b *builder) buildCall(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	funcNode := n.ChildByFieldName("function")
	fn := b.build(funcNode, taint.NoNode)

	var args []taint.NodeIndex
	var kwargs []taint.KeywordArg
	if argsNode := n.ChildByFieldName("arguments"); argsNode != nil {
		for i := 0; i < int(argsNode.ChildCount()); i++ {
			c := argsNode.Child(i)
			if !isNamedLike(c) {
				continue
			}
			if c.Type() == "keyword_argument" {
				nameNode := c.ChildByFieldName("name")
				valueNode := c.ChildByFieldName("value")
				vi := b.build(valueNode, taint.NoNode)
				name := ""
				if nameNode != nil {
					name = b.text(nameNode)
				}
				kwargs = append(kwargs, taint.KeywordArg{Name: name, Value: vi})
				continue
			}
			if ai := b.build(c, taint.NoNode); ai != taint.NoNode {
				args = append(args, ai)
			}
		}
	}

	idx := b.arena.Add(taint.Node{
		Kind: taint.KindCall, CallFunc: fn, CallArgs: args, CallKeywords: kwargs,
		Line: line, Col: col, EndLine: endLine, EndCol: endCol,
	})
	children := []taint.NodeIndex{}
	if fn != taint.NoNode {
		children = append(children, fn)
	}
	children = append(children, args...)
	for _, kw := range kwargs {
		if kw.Value != taint.NoNode {
			children = append(children, kw.Value)
		}
	}
	b.arena.Node(idx).Children = children
	return idx
}

func (b *builder) buildSubscript(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	valueNode := n.ChildByFieldName("value")
	target := b.build(valueNode, taint.NoNode)
	idx := b.arena.Add(taint.Node{Kind: taint.KindSubscript, SubscriptTarget: target, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
	if target != taint.NoNode {
		children := []taint.NodeIndex{target}
		b.arena.Node(idx).Children = children
	}
	return idx
}

func (b *builder) buildWith(n *sitter.Node, parent taint.NodeIndex, line, col, endLine, endCol int) taint.NodeIndex {
	// with_statement -> "with" with_clause body. The returned node is a
	// pass-through container: the with items first (so their bindings
	// settle before the body is walked), then the body statements.
	idx := b.arena.Add(taint.Node{Kind: taint.KindOther, Line: line, Col: col, EndLine: endLine, EndCol: endCol})
	var children []taint.NodeIndex
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() != "with_clause" {
			continue
		}
		for j := 0; j < int(c.ChildCount()); j++ {
			wi := c.Child(j)
			if wi.Type() != "with_item" {
				continue
			}
			valueNode := wi.ChildByFieldName("value")
			exprIdx := taint.NoNode
			var varIdx taint.NodeIndex = taint.NoNode
			if valueNode != nil {
				if valueNode.Type() == "as_pattern" {
					leftNode := valueNode.ChildByFieldName("value")
					aliasNode := valueNode.ChildByFieldName("alias")
					exprIdx = b.build(leftNode, taint.NoNode)
					if aliasNode != nil {
						vline, vcol, vend, vendcol := b.loc(aliasNode)
						varIdx = b.buildName(aliasNode, taint.NoNode, taint.CtxStore, vline, vcol, vend, vendcol)
					}
				} else {
					exprIdx = b.build(valueNode, taint.NoNode)
				}
			}
			itemIdx := b.arena.Add(taint.Node{
				Kind: taint.KindWithItem, WithItemExpr: exprIdx, WithItemVar: varIdx,
				Line: line, Col: col, EndLine: endLine, EndCol: endCol,
			})
			var itemChildren []taint.NodeIndex
			if exprIdx != taint.NoNode {
				itemChildren = append(itemChildren, exprIdx)
			}
			if varIdx != taint.NoNode {
				itemChildren = append(itemChildren, varIdx)
			}
			b.arena.Node(itemIdx).Children = itemChildren
			children = append(children, itemIdx)
		}
	}
	if body := n.ChildByFieldName("body"); body != nil {
		children = append(children, b.blockChildren(body, idx)...)
	}
	b.arena.Node(idx).Children = children
	return idx
}
