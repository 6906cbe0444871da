package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateRecord checks struct tags and returns a ValidationError naming the failed fields.
func ValidateRecord(kind string, v interface{}) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("invalid "+kind, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return NewValidationError(fmt.Sprintf("invalid %s: %s", kind, strings.Join(fields, ", ")), err)
}

// ValidateAction checks an action before it is created.
func ValidateAction(a *Action) error {
	if err := ValidateRecord("action", a); err != nil {
		return err
	}
	if a.TargetKind != "" && !a.TargetKind.Valid() {
		return NewValidationError(fmt.Sprintf("invalid action target kind %q", a.TargetKind), nil)
	}
	if a.Error != nil || a.Progress != 0 {
		return NewValidationError("new actions must be queued with zero progress and no error", nil)
	}
	return nil
}

// ValidateProgress checks that next is a legal successor of current.
func ValidateProgress(current, next float64) error {
	if next < 0 || next > 1 {
		return NewValidationError(fmt.Sprintf("progress %.3f out of range [0, 1]", next), nil)
	}
	if next < current {
		return NewValidationError(fmt.Sprintf("progress may not move backward (%.3f -> %.3f)", current, next), nil)
	}
	return nil
}

func invalidState(kind string, state interface{}) error {
	return NewValidationError(fmt.Sprintf("invalid %s state %q", kind, state), nil)
}

// ValidateDatastore checks required fields and state membership.
func ValidateDatastore(ds *Datastore) error {
	if !ds.State.Valid() {
		return invalidState("datastore", ds.State)
	}
	return ValidateRecord("datastore", ds)
}

// ValidateWorkflow checks required fields and state membership.
func ValidateWorkflow(wf *Workflow) error {
	if !wf.State.Valid() {
		return invalidState("workflow", wf.State)
	}
	return ValidateRecord("workflow", wf)
}

// ValidateSubscription checks required fields and state membership.
func ValidateSubscription(sub *Subscription) error {
	if !sub.State.Valid() {
		return invalidState("subscription", sub.State)
	}
	return ValidateRecord("subscription", sub)
}

// ValidateTrigger checks required fields and state membership.
func ValidateTrigger(tr *Trigger) error {
	if !tr.State.Valid() {
		return invalidState("trigger", tr.State)
	}
	return ValidateRecord("trigger", tr)
}
