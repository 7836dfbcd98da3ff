package hcert

import (
	"errors"
	"fmt"
)

// Stage names a step of the decode pipeline.
type Stage string

const (
	StagePrefix  Stage = "prefix"
	StageBase45  Stage = "base45"
	StageInflate Stage = "inflate"
	StageCOSE    Stage = "cose"
	StageCWT     Stage = "cwt"
	StageHCERT   Stage = "hcert"
)

// Sentinels matched by DecodeError for its stage.
var (
	ErrPrefix  = errors.New("credential prefix")
	ErrBase45  = errors.New("base45 decode")
	ErrInflate = errors.New("inflate")
	ErrCOSE    = errors.New("cose decode")
	ErrCWT     = errors.New("cwt decode")
	ErrHCERT   = errors.New("hcert payload decode")
)

var stageSentinels = map[Stage]error{
	StagePrefix:  ErrPrefix,
	StageBase45:  ErrBase45,
	StageInflate: ErrInflate,
	StageCOSE:    ErrCOSE,
	StageCWT:     ErrCWT,
	StageHCERT:   ErrHCERT,
}

// DecodeError reports the pipeline stage that rejected a credential.
type DecodeError struct {
	Stage Stage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode credential at %s stage: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the failing stage.
func (e *DecodeError) Is(target error) bool {
	return stageSentinels[e.Stage] == target
}

func stageError(stage Stage, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}

// StageOf returns the failing stage of a decode error, or "".
func StageOf(err error) Stage {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Stage
	}
	return ""
}
