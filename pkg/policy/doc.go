// Package policy evaluates Open Policy Agent (Rego) rules against barclamp proposals.
//
// Each policy is a Rego module whose package defines a deny set. Members of the set are
// either plain message strings or objects with message, field and (optionally) severity
// keys. The engine prepares the data.<package>.deny query once per policy and evaluates
// it with the proposal as input:
//
//	{
//	    "proposal": {
//	        "id": "nova_default",
//	        "barclamp": "nova",
//	        "name": "default",
//	        "status": "pending",
//	        "attributes": {"nova": {...}},
//	        "deployment": {"nova": {"elements": {...}}}
//	    },
//	    "context": {"operation": "validate", "timestamp": "..."}
//	}
//
// # Basic Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, proposal, "commit")
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Println(v.Field, v.Message)
//	    }
//	}
//
// Engine also implements engine.Validator, so it can be added to the lifecycle
// validation pipeline. Blocking violations become field errors with the source
// "policy:<name>"; warnings are only logged.
//
// # Built-in Policies
//
//  1. reserved-names - the "template" proposal name is reserved
//  2. deployment-elements - deployment elements map each role to a list of node names
//  3. attributes-present - warns about proposals without attributes
//
// # Custom Policies
//
// Policies are loaded from .rego or .json files. A .rego file is named after its file
// and its leading comments may scope it to barclamps and set its severity:
//
//	# Nova compute nodes need a hypervisor.
//	# modules: nova
//	# severity: error
//	package barclamp.nova.hypervisor
//
//	import rego.v1
//
//	deny contains violation if {
//	    not input.proposal.attributes.nova.libvirt_type
//	    violation := {
//	        "field": "attributes.nova.libvirt_type",
//	        "message": "a hypervisor type is required",
//	    }
//	}
//
// Policies declared in the catalog are registered with AddPolicy and scoped to their
// barclamp.
//
// # Severity Levels
//
//   - info, warning: reported but not blocking
//   - error, critical: block the proposal
//
// # Hot Reload
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.ReplacePolicies(ctx, policies)
//	})
package policy
