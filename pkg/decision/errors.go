package decision

import "fmt"

// NoMatchError is returned when no rule matches and the table declares
// no default output. The caller decides how to surface it; the engine
// turns it into an incident on the evaluating instance.
type NoMatchError struct {
	DecisionId string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no rule of decision table %q matched and no default output is declared", e.DecisionId)
}
