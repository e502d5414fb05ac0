package auth

import (
	"context"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-featuregate/gate"
	"github.com/goliatone/go-featuregate/gate/guard"
)

func normalizeFeatureGateError(err error) error {
	if err == nil {
		return nil
	}

	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return err
	}

	return errors.Wrap(err, errors.CategoryAuthz, "feature gate check failed").
		WithCode(errors.CodeForbidden)
}

// requireSignupGate is a no-op when no gate is configured
func requireSignupGate(ctx context.Context, featureGate gate.FeatureGate) error {
	if featureGate == nil {
		return nil
	}
	return guard.Require(ctx, featureGate, gate.FeatureUsersSignup,
		guard.WithDisabledError(ErrSignupDisabled),
		guard.WithErrorMapper(normalizeFeatureGateError),
	)
}

// requirePasswordResetGate guards both halves of the reset flow.
// Completing a reset also passes when only the finalize feature is on.
func requirePasswordResetGate(ctx context.Context, featureGate gate.FeatureGate, finalize bool) error {
	if featureGate == nil {
		return nil
	}
	opts := []guard.Option{
		guard.WithDisabledError(ErrPasswordResetDisabled),
		guard.WithErrorMapper(normalizeFeatureGateError),
	}
	if finalize {
		opts = append(opts, guard.WithOverrides(gate.FeatureUsersPasswordResetFinalize))
	}
	return guard.Require(ctx, featureGate, gate.FeatureUsersPasswordReset, opts...)
}

// FeatureFlags is a fixed gate.FeatureGate. Unknown keys are enabled.
type FeatureFlags map[string]bool

// Enabled implements gate.FeatureGate
func (f FeatureFlags) Enabled(_ context.Context, key string, _ ...gate.ResolveOption) (bool, error) {
	enabled, ok := f[key]
	if !ok {
		return true, nil
	}
	return enabled, nil
}
