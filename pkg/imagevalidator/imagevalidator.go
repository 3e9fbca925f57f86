// Package imagevalidator implements the ImageValidator port of spec.md
// §6: it inspects a task's container_spec and reports whether the image
// is pullable, used only during the validating -> pending/invalid
// transition.
package imagevalidator

import (
	"context"
	"errors"

	"github.com/distrihub/hub/pkg/model"
)

// Result is the outcome of a validate call.
type Result struct {
	Valid  bool
	Reason string
}

// Validator is the ImageValidator port.
type Validator interface {
	Validate(ctx context.Context, spec model.ContainerSpec) (Result, error)
}

// Noop accepts every image unvalidated; useful for tests and for
// deployments that trust submitters.
type Noop struct{}

func (Noop) Validate(context.Context, model.ContainerSpec) (Result, error) {
	return Result{Valid: true}, nil
}

// ErrEmptyImage is returned when a container_spec names no image.
var ErrEmptyImage = errors.New("container_spec.image is required")
