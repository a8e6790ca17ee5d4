package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	moduleNamePattern   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	proposalNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)
)

// ValidateOptions tunes a validation run.
type ValidateOptions struct {
	// PermitMultiple skips the single-proposal check for modules that disallow multiples.
	PermitMultiple bool
}

// Pipeline runs every structural and module-declared check against a proposal and
// collects all violations.
type Pipeline struct {
	validate *validator.Validate
	modules  ModuleRegistry
	store    ProposalStore

	mu         sync.RWMutex
	validators []Validator
}

// NewPipeline creates a validation pipeline.
func NewPipeline(modules ModuleRegistry, store ProposalStore, validators ...Validator) *Pipeline {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("module_name", func(fl validator.FieldLevel) bool {
		return moduleNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("proposal_name", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return name == "" || proposalNamePattern.MatchString(name)
	})

	return &Pipeline{
		validate:   v,
		modules:    modules,
		store:      store,
		validators: validators,
	}
}

// AddValidator appends a module-declared check to the pipeline.
func (pl *Pipeline) AddValidator(v Validator) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.validators = append(pl.validators, v)
}

// Validate checks proposed attribute and deployment trees for a module.
func (pl *Pipeline) Validate(ctx context.Context, module string, attributes, deployment ModuleTrees) error {
	p := &Proposal{
		Module:     module,
		Status:     StatusPending,
		Attributes: attributes,
		Deployment: deployment,
	}
	return pl.ValidateProposal(ctx, p, ValidateOptions{PermitMultiple: true})
}

// ValidateProposal runs every check against p. It returns nil, a KindValidationFailed
// error carrying all violations, or a transient error when a check could not run.
func (pl *Pipeline) ValidateProposal(ctx context.Context, p *Proposal, opts ValidateOptions) error {
	var fields []FieldError

	fields = append(fields, pl.checkHeader(p)...)

	handler, ok := pl.modules.Handler(p.Module)
	if !ok {
		fields = append(fields, FieldError{
			Field:   "barclamp",
			Message: fmt.Sprintf("unknown barclamp %q", p.Module),
			Source:  "structure",
		})
	}

	fields = append(fields, checkModuleKeys(p)...)

	pl.mu.RLock()
	validators := append([]Validator(nil), pl.validators...)
	pl.mu.RUnlock()

	for _, v := range validators {
		found, err := v.Validate(ctx, p)
		if err != nil {
			return checkUnavailable(v.Name(), p.ID(), err)
		}
		fields = append(fields, found...)
	}

	if ok && !handler.AllowsMultipleProposals() && !opts.PermitMultiple {
		others, err := pl.otherProposals(ctx, p)
		if err != nil {
			return err
		}
		if len(others) > 0 {
			fields = append(fields, FieldError{
				Field: "name",
				Message: fmt.Sprintf("barclamp %s does not allow multiple proposals (existing: %s)",
					p.Module, strings.Join(others, ", ")),
				Source: "structure",
				Code:   ErrCodeMultipleProposals,
			})
		}
	}

	if len(fields) > 0 {
		return NewValidationError("proposal validation failed", fields).WithResource(p.ID())
	}
	return nil
}

// checkUnavailable reports a check that failed to run. It is never a violation of the
// proposal, so callers may retry.
func checkUnavailable(check, id string, err error) error {
	if e, ok := AsEngineError(err); ok && e.Class == ErrorClassTransient {
		return err
	}
	return NewStoreUnavailableError(fmt.Sprintf("check %s could not be evaluated", check), err).
		WithCode(ErrCodeCheckUnavailable).
		WithResource(id).
		WithOperation("validate").
		WithDetail("check", check)
}

func (pl *Pipeline) checkHeader(p *Proposal) []FieldError {
	var fields []FieldError

	if err := pl.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, FieldError{
					Field:   fe.Field(),
					Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
					Source:  "structure",
				})
			}
		} else {
			fields = append(fields, FieldError{Message: err.Error(), Source: "structure"})
		}
	}

	if p.Status != "" {
		if err := p.Status.Validate(); err != nil {
			fields = append(fields, FieldError{Field: "status", Message: err.Error(), Source: "structure"})
		}
	}

	return fields
}

func checkModuleKeys(p *Proposal) []FieldError {
	var fields []FieldError
	if _, ok := p.Attributes[p.Module]; !ok {
		fields = append(fields, FieldError{
			Field:   "attributes." + p.Module,
			Message: "missing attributes for barclamp",
			Source:  "structure",
		})
	}
	if _, ok := p.Deployment[p.Module]; !ok {
		fields = append(fields, FieldError{
			Field:   "deployment." + p.Module,
			Message: "missing deployment for barclamp",
			Source:  "structure",
		})
	}
	return fields
}

func (pl *Pipeline) otherProposals(ctx context.Context, p *Proposal) ([]string, error) {
	existing, err := pl.store.ListProposals(ctx, p.Module)
	if err != nil {
		return nil, storeError("validate", p.Module, err)
	}
	var others []string
	for _, e := range existing {
		if e.Name != p.Name {
			others = append(others, e.ID())
		}
	}
	return others, nil
}

// hasFieldCode reports whether any field error carries code.
func hasFieldCode(err error, code string) bool {
	e, ok := AsEngineError(err)
	if !ok {
		return false
	}
	for _, f := range e.Fields {
		if f.Code == code {
			return true
		}
	}
	return false
}
