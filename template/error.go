package template

import (
	"fmt"

	"github.com/tenantdb/tenantdb"
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

var (
	// ErrTemplateNotFound is used when the template cannot be found.
	ErrTemplateNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "template not found",
	}

	// ErrMigrationNotFound is used when the migration cannot be found.
	ErrMigrationNotFound = &errors.Error{
		Code: errors.ENotFound,
		Msg:  "migration not found",
	}

	// ErrNameisEmpty is when a template name is empty.
	ErrNameisEmpty = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "template name is empty",
	}

	// ErrVersionisEmpty is when a template version is empty.
	ErrVersionisEmpty = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "template version is empty",
	}

	// ErrNoCoreModule is when a template definition carries no core module.
	ErrNoCoreModule = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "template must declare at least one core module",
	}

	// ErrTemplateLocked is used when registering a migration against a
	// template frozen by an in-flight rollout.
	ErrTemplateLocked = &errors.Error{
		Code: errors.EConflict,
		Msg:  "template is locked for migration registration",
	}

	// ErrMigrationEmpty is when a migration carries no up change set.
	ErrMigrationEmpty = &errors.Error{
		Code: errors.EInvalid,
		Msg:  "migration up change set is empty",
	}
)

// UnknownTemplateTypeError is used when a template declares a type
// outside the closed set.
func UnknownTemplateTypeError(t tenantdb.TemplateType) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("unknown template type %q", t),
	}
}

// TemplateAlreadyExistsError is used when creating a template with a
// name+version that already exists.
func TemplateAlreadyExistsError(name, version string) *errors.Error {
	return &errors.Error{
		Code: errors.EConflict,
		Msg:  fmt.Sprintf("template %s version %s already exists", name, version),
	}
}

// ModuleCycleError is used when the module dependency graph has a cycle.
func ModuleCycleError(names []string) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("module dependency graph has a cycle involving %v", names),
	}
}

// UnknownModuleError is used when a module dependency or selection names a
// module the template does not declare.
func UnknownModuleError(name string) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("unknown module %q", name),
	}
}

// DuplicateModuleError is used when two modules share a name.
func DuplicateModuleError(name string) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  fmt.Sprintf("duplicate module name %q", name),
	}
}

// InvalidSchemaError wraps a change-set application failure during
// validation.
func InvalidSchemaError(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  "schema fragment does not apply cleanly",
		Err:  err,
	}
}

// ErrCorruptTemplate is used when a stored template record fails to decode.
func ErrCorruptTemplate(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Msg:  "template could not be unmarshalled",
		Err:  err,
		Op:   "template.unmarshalTemplate",
	}
}

// ErrCorruptMigration is used when a stored migration record fails to decode.
func ErrCorruptMigration(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Msg:  "migration could not be unmarshalled",
		Err:  err,
		Op:   "template.unmarshalMigration",
	}
}

// ErrInternalServiceError is used when the error comes from an internal system.
func ErrInternalServiceError(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInternal,
		Err:  err,
	}
}
