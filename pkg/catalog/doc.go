// Package catalog loads the barclamp module catalog and turns it into the module
// registry used by the lifecycle engine.
//
// A catalog is a YAML document, or a directory of them, listing modules:
//
//	barclamps:
//	  - name: nova
//	    version: "2.1"
//	    allow_multiple_proposals: true
//	    attributes: {port: 8774}
//	    deployment:
//	      elements: {nova-compute: []}
//	    schema_file: nova.cue
//	    policy: |
//	      package barclamp.catalog.nova
//	      ...
//
// Registry.Apply installs the module handlers and registers each module's CUE
// schema and Rego policy with the schema and policy validators. Watcher reapplies
// the catalog when its files change; a catalog that fails to load or apply leaves
// the previous one in place.
package catalog
