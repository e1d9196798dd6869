package taint

import (
	"strings"

	"github.com/rs/zerolog"
)

// varEntry is one binding in a namespace's variable table: a name may carry
// accumulated taints, a literal value, a resolved dotted reference, or the
// formal-parameter shape it was declared with.
type varEntry struct {
	Taints      []Taint
	Value       string
	HasValue    bool
	Variable    string
	HasVariable bool
	Position    int
	HasPosition bool
	Keyword     string
}

func (e *varEntry) addTaint(t Taint) {
	for _, existing := range e.Taints {
		if existing == t {
			return
		}
	}
	e.Taints = append(e.Taints, t)
}

// constEntry mirrors varEntry but is keyed by literal value rather than
// name.
type constEntry struct {
	Taints []Taint
}

func (e *constEntry) addTaint(t Taint) {
	for _, existing := range e.Taints {
		if existing == t {
			return
		}
	}
	e.Taints = append(e.Taints, t)
}

// sensitiveSlot is a first-occurrence record for one sensitive-operation
// category (command execution, encoder, decoder, ...). It is set at most
// once per file.
type sensitiveSlot struct {
	Set    bool
	Serial int
	Taint  Taint
}

// Visitor holds one file's traversal state: the per-namespace symbol
// tables, the sensitive-operation slots, and the emitted results. A fresh
// Visitor is constructed per file.
type Visitor struct {
	arena    *Arena
	rules    *RuleSet
	filepath string
	log      zerolog.Logger

	imports       map[string]bool
	importAliases map[string]string // local name -> dotted path

	variables map[string]map[string]*varEntry // namespace -> name -> entry
	constants map[string]*constEntry

	namespaceStack []string

	sensitiveSerial int
	sensitive       map[string]*sensitiveSlot // category -> slot

	Results []Issue
}

// Sensitive-operation categories, one first-occurrence slot per file for
// each.
const (
	CategorySensitiveInfo    = "sensitive_info_acquisition"
	CategoryNetworkReceiver  = "network_receiver"
	CategoryNetworkSender    = "network_sender"
	CategoryFileOperation    = "file_operation"
	CategoryEncoder          = "encoder"
	CategoryDecoder          = "decoder"
	CategoryCommandExecution = "command_execution"
)

// NewVisitor constructs a Visitor for one file.
func NewVisitor(rules *RuleSet, filepath string, log zerolog.Logger) *Visitor {
	return &Visitor{
		arena:         NewArena(),
		rules:         rules,
		filepath:      filepath,
		log:           log,
		imports:       map[string]bool{},
		importAliases: map[string]string{},
		variables:     map[string]map[string]*varEntry{},
		constants:     map[string]*constEntry{},
		sensitive:     map[string]*sensitiveSlot{},
	}
}

// Arena exposes the underlying node arena, e.g. so a builder (pyast) can
// populate it before Analyze walks it.
func (v *Visitor) Arena() *Arena { return v.arena }

func (v *Visitor) namespace() string {
	return strings.Join(v.namespaceStack, ".")
}

func (v *Visitor) pushNamespace(name string) {
	v.namespaceStack = append(v.namespaceStack, name)
}

func (v *Visitor) popNamespace() {
	if len(v.namespaceStack) > 0 {
		v.namespaceStack = v.namespaceStack[:len(v.namespaceStack)-1]
	}
}

func (v *Visitor) varTable(namespace string) map[string]*varEntry {
	t, ok := v.variables[namespace]
	if !ok {
		t = map[string]*varEntry{}
		v.variables[namespace] = t
	}
	return t
}

// lookupVar searches the namespace stack inside-out for name, returning the
// entry and the namespace it was found in. Dotted attribute keys are stored
// in the same tables and resolve through the same search.
func (v *Visitor) lookupVar(name string) (*varEntry, string, bool) {
	for i := len(v.namespaceStack); i >= 0; i-- {
		ns := strings.Join(v.namespaceStack[:i], ".")
		if t, ok := v.variables[ns]; ok {
			if e, ok := t[name]; ok {
				return e, ns, true
			}
		}
	}
	return nil, "", false
}

func (v *Visitor) constEntryFor(value string) *constEntry {
	e, ok := v.constants[value]
	if !ok {
		e = &constEntry{}
		v.constants[value] = e
	}
	return e
}

// Analyze runs the two-phase traversal over the arena starting at root and
// returns the accumulated issues.
func (v *Visitor) Analyze(root NodeIndex) []Issue {
	v.preVisit(root)
	v.visit(root)
	v.walk(root)
	return v.Results
}

func (v *Visitor) preVisit(idx NodeIndex) {
	v.arena.AddTaint(idx, Universal)
	v.arena.Node(idx).Namespace = v.namespace()
}

func (v *Visitor) postVisit(idx NodeIndex) {
	n := v.arena.Node(idx)
	if n.Kind == KindClassDef || n.Kind == KindFunctionDef {
		v.popNamespace()
	}
}

// walk implements the two-phase-per-level traversal: phase A visits every
// child (marking and propagation, recursing depth-first), phase B re-visits
// the same children performing taint/sink matching. This guarantees that
// when an expression is checked, every descendant mark and every
// cross-assignment propagation from earlier statements at the same level
// has already settled.
func (v *Visitor) walk(idx NodeIndex) {
	children := append([]NodeIndex(nil), v.arena.Node(idx).Children...)

	for _, child := range children {
		v.arena.Node(child).Parent = idx
		v.preVisit(child)
		v.visit(child)
		v.walk(child)
		v.postVisit(child)
	}

	for _, child := range children {
		v.checkTaint(child)
	}
}

// visit dispatches on node kind. Kinds with no special handling fall
// through to the default no-op arm.
func (v *Visitor) visit(idx NodeIndex) {
	n := v.arena.Node(idx)
	switch n.Kind {
	case KindModule:
		// The root has no marking of its own; its statements are handled
		// by the walk.
	case KindImport:
		v.visitImport(idx)
	case KindImportFrom:
		v.visitImportFrom(idx)
	case KindClassDef:
		v.pushNamespace(n.DefName)
	case KindFunctionDef:
		v.pushNamespace(n.DefName)
		v.handleFunctionParams(idx)
	case KindAssign:
		v.visitAssign(idx)
	case KindCall:
		v.visitCall(idx)
	case KindSubscript:
		// The subscripted expression is recorded at build time; nothing
		// further to do at visit time.
	case KindConstant:
		v.markSpreadTaint(idx)
	case KindName:
		v.visitName(idx)
	case KindAttribute:
		v.visitAttribute(idx)
	case KindWithItem:
		v.visitWithItem(idx)
	default:
		v.log.Debug().Str("file", v.filepath).Msg("no visitor for node kind, skipping")
	}
}

func (v *Visitor) visitImport(idx NodeIndex) {
	n := v.arena.Node(idx)
	local := n.ImportAlias
	if local == "" {
		local = n.ImportModule
	}
	v.importAliases[local] = n.ImportModule
	v.imports[n.ImportModule] = true
}

func (v *Visitor) visitImportFrom(idx NodeIndex) {
	n := v.arena.Node(idx)
	module := n.ImportModule
	if n.ImportFromDots > 0 && module == "" {
		// "from . import X": the imported name becomes the module.
		module = n.ImportName
	}
	local := n.ImportAlias
	if local == "" {
		local = n.ImportName
	}
	fq := n.ImportModule
	if fq != "" && n.ImportName != "" {
		fq = fq + "." + n.ImportName
	} else if fq == "" {
		fq = n.ImportName
	}
	v.importAliases[local] = fq
	v.imports[fq] = true
}

func (v *Visitor) handleFunctionParams(idx NodeIndex) {
	n := v.arena.Node(idx)
	ns := v.namespace()
	table := v.varTable(ns)
	for _, p := range n.Params {
		e := &varEntry{}
		if p.Keyword {
			e.Keyword = p.Name
		} else {
			e.Position = p.Position
			e.HasPosition = true
		}
		e.addTaint(Taint{RuleID: "0000", Accordance: "type", Type: "input", Position: PositionUnset})
		table[p.Name] = e
	}
}

// visitAssign records the assignment targets, clears their prior bindings
// (reassignment erases the target's previous meaning), and resolves the
// right-hand side.
func (v *Visitor) visitAssign(idx NodeIndex) {
	n := v.arena.Node(idx)
	ns := v.namespace()
	table := v.varTable(ns)

	for _, target := range n.AssignTargets {
		tn := v.arena.Node(target)
		if tn.Kind == KindName {
			table[tn.Ident] = &varEntry{}
		} else if tn.Kind == KindAttribute {
			table[v.resolveDotted(target)] = &varEntry{}
		}
	}

	if n.AssignValue == NoNode {
		return
	}
	rhs := v.arena.Node(n.AssignValue)
	switch rhs.Kind {
	case KindConstant:
		for _, target := range n.AssignTargets {
			tn := v.arena.Node(target)
			if tn.Kind != KindName {
				continue
			}
			e := table[tn.Ident]
			e.Value = rhs.ConstValue
			e.HasValue = true
		}
	case KindName:
		srcEntry, _, found := v.lookupVar(rhs.Ident)
		for _, target := range n.AssignTargets {
			tn := v.arena.Node(target)
			if tn.Kind != KindName {
				continue
			}
			e := table[tn.Ident]
			if found {
				*e = copyVarEntry(srcEntry)
			} else {
				e.Variable = rhs.Ident
				e.HasVariable = true
			}
		}
	case KindAttribute:
		dotted := v.resolveDotted(n.AssignValue)
		for _, target := range n.AssignTargets {
			tn := v.arena.Node(target)
			if tn.Kind != KindName {
				continue
			}
			e := table[tn.Ident]
			e.Variable = dotted
			e.HasVariable = true
		}
	}
}

func copyVarEntry(src *varEntry) varEntry {
	cp := *src
	cp.Taints = append([]Taint(nil), src.Taints...)
	return cp
}

// visitName marks and spreads taint for a loaded name, and removes the
// binding on delete. Store-context names are handled by visitAssign /
// visitWithItem, which populate the table entry after this node's marking
// pass, so a Store-context visit here is a no-op.
func (v *Visitor) visitName(idx NodeIndex) {
	n := v.arena.Node(idx)
	switch n.Ctx {
	case CtxLoad:
		v.markSpreadTaint(idx)
	case CtxDel:
		delete(v.varTable(v.namespace()), n.Ident)
	}
}

// visitAttribute mirrors visitName for attribute loads; Store-context
// attribute targets are populated by visitAssign.
func (v *Visitor) visitAttribute(idx NodeIndex) {
	n := v.arena.Node(idx)
	if n.Ctx == CtxLoad {
		v.markSpreadTaint(idx)
	}
}

func (v *Visitor) visitWithItem(idx NodeIndex) {
	n := v.arena.Node(idx)
	if n.WithItemVar == NoNode {
		return
	}
	vn := v.arena.Node(n.WithItemVar)
	if vn.Kind != KindName || vn.Ctx != CtxStore {
		return
	}
	v.varTable(v.namespace())[vn.Ident] = &varEntry{}
}

// visitCall resolves the callee to a canonical dotted name, stores it on
// the node, then marks and spreads.
func (v *Visitor) visitCall(idx NodeIndex) {
	n := v.arena.Node(idx)
	n.ResolvedCallee = v.resolveCall(idx)
	v.markSpreadTaint(idx)
}

// resolveCall layers the dynamic-import special case
// (__import__/importlib.__import__/importlib.import_module) on top of the
// generic callee resolution.
func (v *Visitor) resolveCall(idx NodeIndex) string {
	n := v.arena.Node(idx)
	if n.CallFunc == NoNode {
		return ""
	}
	calleeName := v.resolveRef(n.CallFunc)
	switch calleeName {
	case "__import__", "importlib.__import__":
		return v.moduleFromImportCall(idx, false)
	case "importlib.import_module":
		return v.moduleFromImportCall(idx, true)
	default:
		return calleeName
	}
}

func (v *Visitor) moduleFromImportCall(idx NodeIndex, withPackage bool) string {
	n := v.arena.Node(idx)
	nameArg := v.getCallArgNode(idx, 0, "name")
	name := ""
	if nameArg != NoNode {
		an := v.arena.Node(nameArg)
		if an.Kind == KindConstant {
			name = an.ConstValue
		}
	}
	if !withPackage {
		return name
	}
	pkgArg := v.getCallArgNode(idx, 1, "package")
	if pkgArg != NoNode {
		pn := v.arena.Node(pkgArg)
		if pn.Kind == KindConstant {
			return pn.ConstValue + name
		}
	}
	_ = n
	return name
}

// resolveRef resolves a Name/Attribute/Call reference to a canonical
// dotted name, without the Call-specific __import__ special case (that is
// layered on top by resolveCall for the top-level callee only).
func (v *Visitor) resolveRef(idx NodeIndex) string {
	n := v.arena.Node(idx)
	switch n.Kind {
	case KindName:
		if e, _, ok := v.lookupVar(n.Ident); ok && e.HasVariable {
			return e.Variable
		}
		if alias, ok := v.importAliases[n.Ident]; ok {
			return alias
		}
		return n.Ident
	case KindAttribute:
		base := v.resolveRef(n.AttrBase)
		return base + "." + n.Ident
	case KindCall:
		return v.resolveCall(idx)
	default:
		return ""
	}
}

// resolveDotted resolves an Attribute chain to its full dotted name,
// without consulting variable/import tables (used for assignment targets).
func (v *Visitor) resolveDotted(idx NodeIndex) string {
	n := v.arena.Node(idx)
	if n.Kind != KindAttribute {
		return n.Ident
	}
	base := v.resolveDotted(n.AttrBase)
	if base == "" {
		return n.Ident
	}
	return base + "." + n.Ident
}

// getCallArgNode resolves a sink/taint descriptor's position/keyword
// against a call node's actual arguments: positional lookup first, then
// keyword lookup, returning NoNode if neither resolves.
func (v *Visitor) getCallArgNode(idx NodeIndex, position int, keyword string) NodeIndex {
	n := v.arena.Node(idx)
	if position >= 0 && position < len(n.CallArgs) {
		return n.CallArgs[position]
	}
	if keyword != "" {
		for _, kw := range n.CallKeywords {
			if kw.Name == keyword {
				return kw.Value
			}
		}
	}
	return NoNode
}

func (v *Visitor) markSpreadTaint(idx NodeIndex) {
	v.markTaint(idx)
	v.spreadTaint(idx)
}

// markTaint attaches taints and sinks when a node matches a rule
// descriptor.
func (v *Visitor) markTaint(idx NodeIndex) {
	n := v.arena.Node(idx)
	switch n.Kind {
	case KindCall:
		v.markCallTaints(idx)
		v.markCallSinks(idx)
	case KindName:
		if e, _, ok := v.lookupVar(n.Ident); ok {
			for _, t := range e.Taints {
				v.arena.AddTaint(idx, t)
			}
		}
	case KindConstant:
		if e, ok := v.constants[n.ConstValue]; ok {
			for _, t := range e.Taints {
				v.arena.AddTaint(idx, t)
			}
		}
	case KindAttribute:
		// The variable table is keyed by the literal attribute chain (the
		// key assignment targets are stored under); rule matching uses the
		// alias-resolved dotted name.
		dotted := v.resolveDotted(idx)
		if e, _, ok := v.lookupVar(dotted); ok {
			for _, t := range e.Taints {
				v.arena.AddTaint(idx, t)
			}
		}
		resolved := v.resolveRef(idx)
		for _, ref := range v.rules.TaintsForAttribute(resolved) {
			if !ref.d.PositionRet {
				continue
			}
			t := Taint{
				RuleID: ref.rule.ID, Accordance: "attribute", Type: ref.d.Type,
				Attribute: resolved, Position: PositionRet, Keyword: ref.d.Keyword,
				Line: n.Line, Col: n.Col, EndLine: n.EndLine, EndCol: n.EndCol,
			}
			v.arena.AddTaint(idx, t)
		}
	}
}

func (v *Visitor) markCallTaints(idx NodeIndex) {
	n := v.arena.Node(idx)
	for _, ref := range v.rules.TaintsForFunction(n.ResolvedCallee) {
		t := Taint{
			RuleID: ref.rule.ID, Accordance: "function", Type: ref.d.Type,
			Function: n.ResolvedCallee, Keyword: ref.d.Keyword,
			Line: n.Line, Col: n.Col, EndLine: n.EndLine, EndCol: n.EndCol,
		}
		if ref.d.Position != nil {
			t.Position = *ref.d.Position
		} else if ref.d.PositionRet {
			t.Position = PositionRet
		} else {
			t.Position = PositionUnset
		}

		if ref.rule.Type != "" {
			v.recordSensitiveOp(ref.rule.Type, t)
		}

		if ref.d.PositionRet {
			v.arena.AddTaint(idx, t)
			continue
		}

		pos := PositionUnset
		if ref.d.Position != nil {
			pos = *ref.d.Position
		}
		argIdx := v.getCallArgNode(idx, pos, ref.d.Keyword)
		if argIdx == NoNode {
			continue
		}
		v.attachArgTaint(argIdx, t)
	}
}

func (v *Visitor) attachArgTaint(argIdx NodeIndex, t Taint) {
	an := v.arena.Node(argIdx)
	switch an.Kind {
	case KindName:
		e, ok := v.varTable(v.namespace())[an.Ident]
		if !ok {
			e = &varEntry{}
			v.varTable(v.namespace())[an.Ident] = e
		}
		e.addTaint(t)
		v.arena.AddTaint(argIdx, t)
	case KindAttribute:
		dotted := v.resolveDotted(argIdx)
		table := v.variables[v.namespace()]
		if table == nil {
			table = map[string]*varEntry{}
			v.variables[v.namespace()] = table
		}
		e, ok := table[dotted]
		if !ok {
			e = &varEntry{}
			table[dotted] = e
		}
		e.addTaint(t)
		v.arena.AddTaint(argIdx, t)
	case KindConstant:
		v.constEntryFor(an.ConstValue).addTaint(t)
		v.arena.AddTaint(argIdx, t)
	}
}

func (v *Visitor) markCallSinks(idx NodeIndex) {
	n := v.arena.Node(idx)
	for _, ref := range v.rules.SinksForFunction(n.ResolvedCallee) {
		s := Sink{
			RuleID: ref.rule.ID, Accordance: "function", Function: n.ResolvedCallee,
			Type: ref.rule.Type, Keyword: ref.d.Keyword,
			Line: n.Line, Col: n.Col, EndLine: n.EndLine, EndCol: n.EndCol,
		}
		if ref.d.Position != nil {
			s.Position = *ref.d.Position
		} else if ref.d.PositionRet {
			s.Position = PositionRet
		} else {
			s.Position = PositionUnset
		}
		v.arena.AddSink(idx, s)

		if ref.rule.Type != "" {
			v.recordSensitiveOp(ref.rule.Type, Taint{})
		}
	}
}

func (v *Visitor) recordSensitiveOp(category string, t Taint) {
	slot, ok := v.sensitive[category]
	if !ok {
		slot = &sensitiveSlot{}
		v.sensitive[category] = slot
	}
	if slot.Set {
		return
	}
	slot.Set = true
	slot.Serial = v.sensitiveSerial
	slot.Taint = t
	v.sensitiveSerial++
}

// spreadTaint propagates a node's non-universal taints up the expression
// tree, stopping at namespace boundaries and the module root.
func (v *Visitor) spreadTaint(idx NodeIndex) {
	n := v.arena.Node(idx)

	switch n.Kind {
	case KindAssign:
		for _, t := range v.arena.Taints[idx] {
			if t.isUniversal() {
				continue
			}
			for _, target := range n.AssignTargets {
				v.attachAssignTargetTaint(target, t)
			}
		}
	case KindWithItem:
		if n.WithItemVar != NoNode {
			vn := v.arena.Node(n.WithItemVar)
			if vn.Kind == KindName {
				table := v.varTable(v.namespace())
				e, ok := table[vn.Ident]
				if !ok {
					e = &varEntry{}
					table[vn.Ident] = e
				}
				for _, t := range v.arena.Taints[idx] {
					if !t.isUniversal() {
						e.addTaint(t)
					}
				}
			}
		}
	}

	if n.Parent == NoNode {
		return
	}
	parent := v.arena.Node(n.Parent)
	if parent.Kind == KindModule {
		return
	}
	if parent.Namespace != n.Namespace {
		return
	}

	for _, t := range v.arena.Taints[idx] {
		if t.isUniversal() {
			continue
		}
		// A taint bound to a call argument (non-return, with a matched
		// position or keyword) describes the callee's view of that
		// argument, not the caller's value; it stays put on the line
		// that created it.
		argBinding := t.Position != PositionRet && (t.Position >= 0 || t.Keyword != "")
		if argBinding && t.Line == n.Line {
			continue
		}
		v.arena.AddTaint(n.Parent, t)
	}
	v.spreadTaint(n.Parent)
}

func (v *Visitor) attachAssignTargetTaint(target NodeIndex, t Taint) {
	tn := v.arena.Node(target)
	switch tn.Kind {
	case KindName:
		e, ok := v.varTable(v.namespace())[tn.Ident]
		if !ok {
			e = &varEntry{}
			v.varTable(v.namespace())[tn.Ident] = e
		}
		e.addTaint(t)
	case KindAttribute:
		dotted := v.resolveDotted(target)
		table := v.variables[v.namespace()]
		if table == nil {
			table = map[string]*varEntry{}
			v.variables[v.namespace()] = table
		}
		e, ok := table[dotted]
		if !ok {
			e = &varEntry{}
			table[dotted] = e
		}
		e.addTaint(t)
	case KindTuple, KindList:
		for _, child := range tn.Children {
			v.attachAssignTargetTaint(child, t)
		}
	}
}

// checkTaint is the phase-B match between sinks attached to a call node
// and taints attached to its arguments.
func (v *Visitor) checkTaint(idx NodeIndex) {
	n := v.arena.Node(idx)
	if n.Kind != KindCall {
		return
	}

	for _, rule := range v.rules.ByID {
		if strings.HasPrefix(rule.ID, "00") {
			continue
		}
		for _, sinkDesc := range rule.Sinks {
			matched := v.matchingSink(idx, sinkDesc)
			if matched == nil {
				continue
			}
			pos := PositionUnset
			if sinkDesc.Position != nil {
				pos = *sinkDesc.Position
			} else if sinkDesc.PositionRet {
				pos = PositionRet
			}
			argIdx := v.getCallArgNode(idx, pos, sinkDesc.Keyword)
			if argIdx == NoNode {
				continue
			}
			for _, taintDesc := range rule.Taints {
				v.emitIfTaintMatches(idx, argIdx, rule, taintDesc, sinkDesc, *matched)
			}
		}
	}
}

func (v *Visitor) matchingSink(idx NodeIndex, d SinkDescriptor) *Sink {
	for _, s := range v.arena.Sinks[idx] {
		if sinkDiscriminator(s) == d.Function && s.Accordance == d.Accordance {
			return &s
		}
	}
	return nil
}

func sinkDiscriminator(s Sink) string {
	switch s.Accordance {
	case "function":
		return s.Function
	case "type":
		return s.Type
	default:
		return s.Function
	}
}

func taintDiscriminator(t Taint) string {
	switch t.Accordance {
	case "function":
		return t.Function
	case "attribute":
		return t.Attribute
	case "type":
		return t.Type
	default:
		return t.Function
	}
}

// emitIfTaintMatches emits an Issue for every non-universal taint on the
// argument node whose discriminator equals the taint descriptor's key.
// Severity and confidence are the component-wise maxima of the taint and
// sink descriptors' values.
func (v *Visitor) emitIfTaintMatches(callIdx, argIdx NodeIndex, rule *Rule, taintDesc TaintDescriptor, sinkDesc SinkDescriptor, sink Sink) {
	want := descriptorKey(taintDesc)
	for _, t := range v.arena.Taints[argIdx] {
		if t.isUniversal() {
			continue
		}
		if taintDiscriminator(t) != want {
			continue
		}
		severity := max2(taintDesc.Severity, sinkDesc.Severity)
		confidence := max2(taintDesc.Confidence, sinkDesc.Confidence)
		msg := renderTemplate(rule.Template, sinkDiscriminator(sink), taintDiscriminator(t))
		issue := Issue{
			RuleID: rule.ID, Name: rule.Name, Taint: t, Sink: sink,
			Severity: severity, Confidence: confidence, Message: msg,
			FilePath: v.filepath,
		}
		v.addIssue(issue)
	}
}

func descriptorKey(d TaintDescriptor) string {
	switch d.Accordance {
	case "function":
		return d.Function
	case "attribute":
		return d.Attribute
	default:
		return d.Type
	}
}

func (v *Visitor) addIssue(issue Issue) {
	for _, existing := range v.Results {
		if existing.Equal(issue) {
			return
		}
	}
	v.Results = append(v.Results, issue)
}
