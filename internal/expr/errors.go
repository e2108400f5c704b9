package expr

import "fmt"

// SyntaxError reports a malformed expression.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("expression %q: %s at offset %d", e.Source, e.Msg, e.Pos)
}

// UnknownIdentifierError reports a reference to an undefined context field,
// variable or parameter. It is a configuration defect and is never treated as
// false.
type UnknownIdentifierError struct {
	Name string
}

func (e *UnknownIdentifierError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("unknown identifier %q", e.Name)
}
