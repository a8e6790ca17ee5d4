package catalog

// Catalog is the set of barclamp modules known to the service.
type Catalog struct {
	Barclamps []Module `yaml:"barclamps" validate:"dive"`
}

// Module describes one barclamp.
type Module struct {
	// Name is the module identifier.
	Name string `yaml:"name" validate:"required,max=64,module_name"`

	// Description is a human-readable summary.
	Description string `yaml:"description" validate:"max=1024"`

	// Version is the module version reported by the versions listing.
	Version string `yaml:"version"`

	// Members lists the modules a suite module is composed of.
	Members []string `yaml:"members" validate:"dive,module_name"`

	// AllowMultipleProposals permits more than one proposal for the module.
	AllowMultipleProposals bool `yaml:"allow_multiple_proposals"`

	// Attributes is the template attribute subtree of new proposals.
	Attributes map[string]interface{} `yaml:"attributes"`

	// Deployment is the template deployment subtree of new proposals.
	Deployment map[string]interface{} `yaml:"deployment"`

	// Schema is an inline CUE schema defining #Attributes and #Deployment.
	Schema string `yaml:"schema"`

	// SchemaFile is a CUE schema file, relative to the catalog file.
	SchemaFile string `yaml:"schema_file"`

	// Policy is an inline Rego module whose deny set is checked for this module.
	Policy string `yaml:"policy"`

	// Backend names the deployment backend of the module. Empty selects the default.
	Backend string `yaml:"backend" validate:"omitempty,oneof=default detached"`
}

// Names returns the module names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Barclamps))
	for _, m := range c.Barclamps {
		names = append(names, m.Name)
	}
	return names
}

// Module returns a module by name.
func (c *Catalog) Module(name string) (Module, bool) {
	for _, m := range c.Barclamps {
		if m.Name == name {
			return m, true
		}
	}
	return Module{}, false
}
