package sph

import (
	"errors"

	"github.com/gogpu/sph/internal/fence"
)

var (
	// ErrSetup wraps failures while building a Simulation or starting it:
	// allocation, seeding, backend and pipeline creation.
	ErrSetup = errors.New("sph: setup failed")

	// ErrInvalidConfig is returned by Config.Validate and by New for
	// parameters that can never produce a valid simulation.
	ErrInvalidConfig = errors.New("sph: invalid config")

	// ErrDeviceLost is returned once a queue has failed. Every pending and
	// future wait on the failed queue's fence returns it.
	ErrDeviceLost = fence.ErrDeviceLost

	// ErrWaitTimeout is returned when a fence wait exceeds
	// Config.WaitTimeout.
	ErrWaitTimeout = fence.ErrWaitTimeout

	// ErrBackendUnavailable indicates a backend could not be opened. When
	// the backend is chosen automatically the next one is tried.
	ErrBackendUnavailable = errors.New("sph: backend unavailable")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("sph: simulation already started")
)
