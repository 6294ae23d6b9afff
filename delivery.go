package uniqw

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Role selects which part of the task a delivery drives.
type Role string

const (
	RoleBatch   Role = "batch"
	RoleCleanUp Role = "clean_up"
)

// Delivery is the body pushed by the work queue for one batch or clean-up attempt.
type Delivery struct {
	TaskID        string `json:"task_id" validate:"required"`
	Role          Role   `json:"role,omitempty" validate:"omitempty,oneof=batch clean_up"`
	BatchIndex    *int   `json:"batch_index,omitempty" validate:"omitempty,min=0"`
	CleanUpReason string `json:"clean_up_reason,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// BatchDelivery builds the delivery for batch idx of taskID.
func BatchDelivery(taskID string, idx int) Delivery {
	return Delivery{TaskID: taskID, Role: RoleBatch, BatchIndex: &idx}
}

// CleanUpDelivery builds a clean-up delivery. A non-empty reason aborts the task.
func CleanUpDelivery(taskID, reason string) Delivery {
	return Delivery{TaskID: taskID, Role: RoleCleanUp, CleanUpReason: reason}
}

// Index returns the batch index or -1 when absent.
func (d Delivery) Index() int {
	if d.BatchIndex == nil {
		return -1
	}
	return *d.BatchIndex
}

// Validate defaults the role and checks the delivery contract. Violations are
// expected errors wrapping ErrInvalidDelivery.
func (d *Delivery) Validate() error {
	if d.Role == "" {
		d.Role = RoleBatch
	}
	if err := validate.Struct(d); err != nil {
		return Expected(fmt.Errorf("%w: %v", ErrInvalidDelivery, err))
	}
	switch d.Role {
	case RoleBatch:
		if d.BatchIndex == nil {
			return Expected(fmt.Errorf("%w: batch_index is required for role %q", ErrInvalidDelivery, d.Role))
		}
		if d.CleanUpReason != "" {
			return Expected(fmt.Errorf("%w: clean_up_reason is only valid for role %q", ErrInvalidDelivery, RoleCleanUp))
		}
	}
	return nil
}

// DecodeDelivery decodes and validates a delivery body.
func DecodeDelivery(enc Encoder, data []byte) (Delivery, error) {
	var d Delivery
	if err := enc.Decode(data, &d); err != nil {
		return d, Expected(fmt.Errorf("%w: %v", ErrInvalidDelivery, err))
	}
	if err := d.Validate(); err != nil {
		return d, err
	}
	return d, nil
}
