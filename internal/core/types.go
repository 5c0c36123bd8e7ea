// Package core implements the delta merge engine: conflict comparison,
// primary-key resolution, single-delta application, batch orchestration with
// transactional rollback, job admission, and the apply service facade.
package core

import "fieldsync/pkg/domain"

type (
	Delta           = domain.Delta
	DeltaFile       = domain.DeltaFile
	DeltaStatus     = domain.DeltaStatus
	Feature         = domain.Feature
	FeatureSnapshot = domain.FeatureSnapshot
	Conflict        = domain.Conflict
	ClientPKMap     = domain.ClientPKMap
	ApplyJob        = domain.ApplyJob
	JobStatus       = domain.JobStatus
)

const (
	MethodCreate = domain.MethodCreate
	MethodPatch  = domain.MethodPatch
	MethodDelete = domain.MethodDelete
)

const (
	DeltaPending    = domain.DeltaPending
	DeltaStarted    = domain.DeltaStarted
	DeltaApplied    = domain.DeltaApplied
	DeltaConflict   = domain.DeltaConflict
	DeltaNotApplied = domain.DeltaNotApplied
	DeltaError      = domain.DeltaError
)
