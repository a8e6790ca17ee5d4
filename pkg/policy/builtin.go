package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		reservedNamePolicy(),
		deploymentElementsPolicy(),
		attributesPresentPolicy(),
	}
}

// reservedNamePolicy rejects proposal names reserved for barclamp templates.
func reservedNamePolicy() Policy {
	return Policy{
		Name:        "reserved-names",
		Description: "Proposal names reserved for barclamp templates cannot be used",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package barclamp.builtin.naming

import rego.v1

reserved := {"template"}

deny contains violation if {
	input.proposal.name in reserved
	violation := {
		"field": "name",
		"message": sprintf("proposal name %q is reserved", [input.proposal.name]),
	}
}
`,
	}
}

// deploymentElementsPolicy requires the deployment subtree to map roles to node lists.
func deploymentElementsPolicy() Policy {
	return Policy{
		Name:        "deployment-elements",
		Description: "Deployment elements must map each role to a list of node names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"deployment"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package barclamp.builtin.elements

import rego.v1

module := input.proposal.barclamp

deployment := d if {
	d := input.proposal.deployment[module]
	is_object(d)
}

elements := e if {
	e := deployment.elements
	is_object(e)
}

deny contains violation if {
	deployment
	not elements
	violation := {
		"field": sprintf("deployment.%s.elements", [module]),
		"message": "deployment must define elements as an object of role to node list",
	}
}

deny contains violation if {
	some role, nodes in elements
	not is_array(nodes)
	violation := {
		"field": sprintf("deployment.%s.elements.%s", [module, role]),
		"message": sprintf("role %s must list node names", [role]),
	}
}

deny contains violation if {
	some role, nodes in elements
	is_array(nodes)
	some node in nodes
	not is_string(node)
	violation := {
		"field": sprintf("deployment.%s.elements.%s", [module, role]),
		"message": sprintf("role %s lists a node that is not a name: %v", [role, node]),
	}
}
`,
	}
}

// attributesPresentPolicy warns about proposals with an empty attribute subtree.
func attributesPresentPolicy() Policy {
	return Policy{
		Name:        "attributes-present",
		Description: "Warns when a proposal carries no attributes for its barclamp",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"attributes"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package barclamp.builtin.attributes

import rego.v1

deny contains violation if {
	attrs := input.proposal.attributes[input.proposal.barclamp]
	is_object(attrs)
	count(attrs) == 0
	violation := {
		"field": sprintf("attributes.%s", [input.proposal.barclamp]),
		"message": "proposal has no attributes",
	}
}
`,
	}
}
