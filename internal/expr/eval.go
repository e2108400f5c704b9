package expr

// Scope resolves references to values. Implementations return
// *UnknownIdentifierError for names they do not define.
type Scope interface {
	Resolve(ref Reference) (Value, error)
}

type evalEnv struct {
	values map[string]Value
}

// Eval evaluates e against scope. All references are resolved before any
// function runs.
func Eval(e *Expr, scope Scope) (Value, error) {
	if e == nil {
		return Bool(true), nil
	}
	env := &evalEnv{values: make(map[string]Value, len(e.refs))}
	for _, ref := range e.refs {
		v, err := scope.Resolve(ref)
		if err != nil {
			return Null, err
		}
		env.values[ref.key()] = v
	}
	return e.root.eval(env)
}

// EvalBool evaluates e and converts the result with Value.Truthy. A nil
// expression is true.
func EvalBool(e *Expr, scope Scope) (bool, error) {
	v, err := Eval(e, scope)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func (n literalNode) eval(*evalEnv) (Value, error) {
	return n.val, nil
}

func (n refNode) eval(env *evalEnv) (Value, error) {
	v, ok := env.values[n.ref.key()]
	if !ok {
		return Null, &UnknownIdentifierError{Name: n.ref.String()}
	}
	return v, nil
}

func (n *callNode) eval(env *evalEnv) (Value, error) {
	args := make([]thunk, len(n.args))
	for i, arg := range n.args {
		arg := arg
		args[i] = func() (Value, error) { return arg.eval(env) }
	}
	return n.fn.call(args)
}

// MapScope is a Scope over fixed namespaces, keyed by root then name. Bare
// references use the empty name under their root. It is mostly useful in
// tests and for previewing expressions.
type MapScope map[string]map[string]Value

// Resolve implements Scope.
func (m MapScope) Resolve(ref Reference) (Value, error) {
	ns, ok := m[ref.Root]
	if !ok {
		return Null, &UnknownIdentifierError{Name: ref.String()}
	}
	v, ok := ns[ref.Name()]
	if !ok {
		return Null, &UnknownIdentifierError{Name: ref.String()}
	}
	return v, nil
}
