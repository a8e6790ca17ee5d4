// Package schema validates module-scoped proposal trees against per-module CUE schemas.
//
// Each module registers a CUE source that may define two closed definitions:
//
//	#Attributes: {
//		port:  int & >0 & <65536 | *8774
//		debug: bool | *false
//	}
//
//	#Deployment: {
//		elements: [string]: [...string]
//	}
//
// Registry implements engine.Validator. For every module subtree present in a proposal
// that has a registered schema, the attribute subtree is unified with #Attributes and
// the deployment subtree with #Deployment. Every CUE error is reported as a separate
// engine.FieldError rooted at "attributes.<module>" or "deployment.<module>".
package schema
