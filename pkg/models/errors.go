package models

import "errors"

var (
	ErrEmptyGoal         = errors.New("plan goal must not be empty")
	ErrNoSteps           = errors.New("plan must contain at least one step")
	ErrNoSuccessCriteria = errors.New("plan must declare at least one success criterion")
	ErrStepMissingID     = errors.New("step id must not be empty")
	ErrDuplicateStepID   = errors.New("duplicate step id within plan")
)
