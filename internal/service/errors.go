package service

import (
	"errors"
	"fmt"
)

var (
	ErrIntentCreation = errors.New("payment intent creation failed")
	ErrRetrieve       = errors.New("payment intent retrieval failed")
	ErrCollect        = errors.New("payment method collection failed")
	ErrConfirm        = errors.New("payment intent confirmation failed")

	ErrInvalidAmount   = errors.New("amount out of range")
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidWebhook  = errors.New("invalid webhook event")
)

type Stage string

const (
	StageCreate   Stage = "create_intent"
	StageRetrieve Stage = "retrieve_intent"
	StageCollect  Stage = "collect_payment_method"
	StageConfirm  Stage = "confirm_intent"
)

var stageErrors = map[Stage]error{
	StageCreate:   ErrIntentCreation,
	StageRetrieve: ErrRetrieve,
	StageCollect:  ErrCollect,
	StageConfirm:  ErrConfirm,
}

// StageError is a charge pipeline failure. It matches the stage's sentinel
// with errors.Is and carries the intent id for correlation.
type StageError struct {
	Stage    Stage
	IntentID string
	Err      error
}

func (e *StageError) Error() string {
	if e.IntentID == "" {
		return fmt.Sprintf("%s: %v", stageErrors[e.Stage], e.Err)
	}
	return fmt.Sprintf("%s (intent %s): %v", stageErrors[e.Stage], e.IntentID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool {
	return stageErrors[e.Stage] == target
}
