package policy

import (
	"fmt"

	"github.com/atp-project/atp/pkg/provenance"
)

// Exfiltration blocks tool-sourced data from flowing into external tools.
func Exfiltration(externalGroups []string) Policy {
	external := make(map[string]bool, len(externalGroups))
	for _, g := range externalGroups {
		external[g] = true
	}

	return Policy{
		Name:        "exfiltration",
		Description: "blocks tool-sourced values as arguments to external tools",
		Check: func(in Input) Decision {
			if !external[in.Group] {
				return Decision{Action: Allow}
			}
			for name, arg := range in.Args {
				meta := in.Lookup(arg)
				if meta != nil && meta.HasSourceType(in.Scope, provenance.SourceTool) {
					return Decision{
						Action: Block,
						Reason: fmt.Sprintf("tool-sourced data in argument %q may not reach external tool %s", name, in.ToolName),
					}
				}
			}
			return Decision{Action: Allow}
		},
	}
}

// UserOriginRequired blocks destructive tools unless at least one argument
// carries a user-origin label.
func UserOriginRequired() Policy {
	return Policy{
		Name:        "user-origin-required",
		Description: "destructive tools require user-originated input",
		Check: func(in Input) Decision {
			if !in.Destructive {
				return Decision{Action: Allow}
			}
			for _, arg := range in.Args {
				meta := in.Lookup(arg)
				if meta != nil && meta.HasSourceType(in.Scope, provenance.SourceUser) {
					return Decision{Action: Allow}
				}
			}
			return Decision{
				Action: Block,
				Reason: fmt.Sprintf("destructive tool %s called without user-originated input", in.ToolName),
			}
		},
	}
}
