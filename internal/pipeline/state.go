package pipeline

import (
	"errors"
	"fmt"
)

// State is the engine readiness of a pipeline.
type State int32

const (
	// StateUninitialized means Initialize has not been called.
	StateUninitialized State = iota
	// StateLoading means runtime setup and asset loading are in progress.
	StateLoading
	// StateReady means segmentation calls do work.
	StateReady
	// StateFailed means initialization failed; the pipeline stays disabled.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotReady is returned by calls that need a loaded engine before one is available.
	ErrNotReady = errors.New("segmentation pipeline not ready")
	// ErrInitFailed wraps the cause of a failed initialization.
	ErrInitFailed = errors.New("segmentation pipeline initialization failed")
	// ErrInitInProgress is returned when Initialize is called while loading.
	ErrInitInProgress = errors.New("segmentation pipeline initialization in progress")
)
