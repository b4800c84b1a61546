package provision

import (
	"github.com/tenantdb/tenantdb/kit/platform/errors"
)

// ProvisioningFailure wraps an infrastructure-level failure during
// database creation or bundle application. It is surfaced after the retry
// budget is exhausted, with the underlying cause attached for operator
// review.
func ProvisioningFailure(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EUnavailable,
		Msg:  "provisioning failed",
		Err:  err,
	}
}

// FatalBundleError wraps a structural failure (malformed bundle); never
// retried.
func FatalBundleError(err error) *errors.Error {
	return &errors.Error{
		Code: errors.EInvalid,
		Msg:  "bundle cannot be applied",
		Err:  err,
	}
}
