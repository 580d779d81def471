package main

import (
	"errors"
	"fmt"
)

var (
	ErrWrongCaptcha    = errors.New("portal rejected the captcha answer")
	ErrLoginFailed     = errors.New("portal account is suspended or unknown")
	ErrCaptchaUnsolved = errors.New("captcha service returned no answer")
)

// Stage names the step of a sync run an error came from.
type Stage string

const (
	StageLogin    Stage = "login"
	StageConnect  Stage = "connect"
	StageListing  Stage = "listing"
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// StageError tags an error with the sync stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// stageOf returns the stage of the first StageError in err's chain.
func stageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
