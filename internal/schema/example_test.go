package schema_test

import (
	"fmt"

	"github.com/cerdas-survey/fieldsync/internal/schema"
)

// Example_transitions shows the role-gated status graph.
func Example_transitions() {
	fmt.Println(schema.CanTransition(schema.StatusOpened, schema.StatusSubmitted, schema.RoleCollector))
	fmt.Println(schema.CanTransition(schema.StatusOpened, schema.StatusSubmitted, schema.RoleSupervisor))
	fmt.Println(schema.CanTransition(schema.StatusApprovedPML, schema.StatusOpened, schema.RoleCollector))
	fmt.Println(schema.AllowedActions(schema.StatusSubmitted, schema.RoleSupervisor))
	fmt.Println(schema.AllowedActions(schema.StatusApprovedPML, schema.RoleSupervisor))
	// Output:
	// true
	// false
	// false
	// [APPROVE REJECT]
	// [REVERT_APPROVAL]
}

// ExampleAnswers_Set addresses a roster cell with a dotted path.
func ExampleAnswers_Set() {
	answers := schema.Answers{}
	if err := answers.Set("members.0.name", "Siti"); err != nil {
		fmt.Println(err)
		return
	}
	v, ok := answers.Get("members.0.name")
	fmt.Println(v, ok)
	// Output: Siti true
}
