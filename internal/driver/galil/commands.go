// internal/driver/galil/commands.go
package galil

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MotionSpec describes one motion command class
type MotionSpec struct {
	Class      string
	Subroutine string
	Variable   string
	Query      string
}

// Motion command catalogue keyed by client command name
var motionCatalogue = map[string]MotionSpec{
	"FOCUS":    {Class: "FOCUS", Subroutine: "FOCUS", Variable: "focpos", Query: "GETFOC"},
	"FILTER":   {Class: "FILTER", Subroutine: "FILTER", Variable: "filpos", Query: "GETFIL"},
	"GES":      {Class: "GES", Subroutine: "GES", Variable: "gespos", Query: "GETGES"},
	"HREL":     {Class: "HREL", Subroutine: "HREL", Variable: "hrelpos", Query: "GETHREL"},
	"LREL":     {Class: "LREL", Subroutine: "LREL", Variable: "lrelpos", Query: "GETLREL"},
	"HRAZ":     {Class: "HRAZ", Subroutine: "HRAZ", Variable: "hrazpos", Query: "GETHRAZ"},
	"LRAZ":     {Class: "LRAZ", Subroutine: "LRAZ", Variable: "lrazpos", Query: "GETLRAZ"},
	"SHUTDOWN": {Class: ClassShutdown, Subroutine: "SHTDWN"},
}

// Catalogue returns the motion command catalogue
func Catalogue() map[string]MotionSpec {
	out := make(map[string]MotionSpec, len(motionCatalogue))
	for name, spec := range motionCatalogue {
		out[name] = spec
	}
	return out
}

// TakesArgument reports whether the command needs a target value
func (s MotionSpec) TakesArgument() bool {
	return s.Variable != ""
}

// Vars builds the variable assignments sent ahead of the subroutine call
func (s MotionSpec) Vars(args []string) ([]string, error) {
	if !s.TakesArgument() {
		if len(args) > 0 {
			return nil, fmt.Errorf("%s takes no arguments", s.Class)
		}
		return nil, nil
	}

	if len(args) != 1 {
		return nil, fmt.Errorf("%s requires one numeric argument", s.Class)
	}
	value, err := decimal.NewFromString(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid %s position %q", s.Class, args[0])
	}
	return []string{fmt.Sprintf("%s=%s", s.Variable, value.String())}, nil
}
