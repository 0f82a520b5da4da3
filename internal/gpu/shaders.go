// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/gogpu/naga"
)

// =============================================================================
// Embedded WGSL Shader Sources
// =============================================================================

//go:embed shaders/assign.wgsl
var shaderAssign string

//go:embed shaders/sort_global.wgsl
var shaderSortGlobal string

//go:embed shaders/sort_local.wgsl
var shaderSortLocal string

//go:embed shaders/table_clear.wgsl
var shaderTableClear string

//go:embed shaders/table_fill.wgsl
var shaderTableFill string

//go:embed shaders/density.wgsl
var shaderDensity string

//go:embed shaders/forces.wgsl
var shaderForces string

//go:embed shaders/integrate.wgsl
var shaderIntegrate string

// WorkgroupSize is the @workgroup_size every stage shader declares. It is
// the group width the bitonic schedule is built for.
const WorkgroupSize = 256

// Stage identifies one compute pipeline.
type Stage int

const (
	// StageAssign writes the unsorted (cell, particle) entries.
	StageAssign Stage = iota

	// StageSortGlobal runs one bitonic pass that crosses workgroups.
	StageSortGlobal

	// StageSortLocal runs the bitonic passes that stay inside a workgroup.
	StageSortLocal

	// StageTableClear resets the lookup table.
	StageTableClear

	// StageTableFill records run starts in the lookup table.
	StageTableFill

	// StageDensity evaluates per-particle density.
	StageDensity

	// StageForces accumulates accelerations.
	StageForces

	// StageIntegrate advances and reflects particles.
	StageIntegrate

	// StageCount is the number of pipelines.
	StageCount
)

// String returns the stage name used in labels and logs.
func (s Stage) String() string {
	switch s {
	case StageAssign:
		return "assign"
	case StageSortGlobal:
		return "sort_global"
	case StageSortLocal:
		return "sort_local"
	case StageTableClear:
		return "table_clear"
	case StageTableFill:
		return "table_fill"
	case StageDensity:
		return "density"
	case StageForces:
		return "forces"
	case StageIntegrate:
		return "integrate"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

func (s Stage) source() string {
	switch s {
	case StageAssign:
		return shaderAssign
	case StageSortGlobal:
		return shaderSortGlobal
	case StageSortLocal:
		return shaderSortLocal
	case StageTableClear:
		return shaderTableClear
	case StageTableFill:
		return shaderTableFill
	case StageDensity:
		return shaderDensity
	case StageForces:
		return shaderForces
	case StageIntegrate:
		return shaderIntegrate
	default:
		return ""
	}
}

// ValidateShaders parses, lowers and validates every stage shader with
// naga. It needs no device.
func ValidateShaders() error {
	for s := Stage(0); s < StageCount; s++ {
		if err := validateWGSL(s.String(), s.source()); err != nil {
			return err
		}
	}
	return nil
}

func validateWGSL(label, src string) error {
	if src == "" {
		return fmt.Errorf("gpu: %s: empty shader source", label)
	}
	ast, err := naga.Parse(src)
	if err != nil {
		return fmt.Errorf("gpu: %s: %w", label, err)
	}
	module, err := naga.LowerWithSource(ast, src)
	if err != nil {
		return fmt.Errorf("gpu: %s: lower: %w", label, err)
	}
	problems, err := naga.Validate(module)
	if err != nil {
		return fmt.Errorf("gpu: %s: validate: %w", label, err)
	}
	if len(problems) > 0 {
		errs := make([]error, len(problems))
		for i, p := range problems {
			errs[i] = p
		}
		return fmt.Errorf("gpu: %s: %w", label, errors.Join(errs...))
	}
	slogger().Debug("shader validated", "stage", label, "bytes", len(src))
	return nil
}
