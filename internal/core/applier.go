package core

import (
	"errors"
	"log/slog"

	"github.com/paulmach/orb"

	"fieldsync/pkg/domain"
)

// applyOutcome is the result of one delta application attempt. Status is one
// of the four terminal delta states; Err is set only for failures the engine
// did not anticipate, and those always abort the enclosing batch.
type applyOutcome struct {
	Status     domain.DeltaStatus
	FeaturePK  string
	ModifiedPK string
	Conflicts  []domain.Conflict
	Message    string
}

// applier applies a single delta to a layer with an active edit session. It
// never commits or rolls back: session lifecycle belongs to the orchestrator.
type applier struct {
	logger *slog.Logger
}

func newApplier(logger *slog.Logger) applier {
	if logger == nil {
		logger = slog.Default()
	}
	return applier{logger: logger}
}

// applyDelta dispatches exhaustively on the delta method. Conflicts and
// anticipated apply failures are converted into the outcome; anything else is
// returned as an error and re-raised to the orchestrator, because the layer
// state is no longer verifiably consistent.
func (a applier) applyDelta(layer domain.Layer, d domain.Delta, overwrite bool, pkMap domain.ClientPKMap) (applyOutcome, error) {
	switch d.Method {
	case domain.MethodCreate:
		return a.applyCreate(layer, d, pkMap)
	case domain.MethodPatch:
		return a.applyPatch(layer, d, overwrite, pkMap)
	case domain.MethodDelete:
		return a.applyDelete(layer, d, overwrite, pkMap)
	default:
		// Validation rejects unknown methods before a batch starts.
		return applyOutcome{}, domain.ValidationError{Reason: "unknown delta method " + string(d.Method)}
	}
}

func (a applier) applyCreate(layer domain.Layer, d domain.Delta, pkMap domain.ClientPKMap) (applyOutcome, error) {
	var geom orb.Geometry
	if d.New.Geometry != nil {
		parsed, err := domain.ParseWKT(*d.New.Geometry)
		if err != nil {
			return failedOutcome(d.LocalPK, domain.ApplyError{LayerID: layer.ID(), Reason: "invalid geometry", Err: err})
		}
		geom = parsed
	}
	created, err := layer.CreateFeature(geom, d.New.Attributes)
	if err != nil {
		return a.classify(layer, d.LocalPK, err)
	}
	pkMap.Record(d.ClientID, d.LayerID(), d.LocalPK, created.PK)
	return applyOutcome{
		Status:     domain.DeltaApplied,
		FeaturePK:  d.LocalPK,
		ModifiedPK: created.PK,
	}, nil
}

func (a applier) applyPatch(layer domain.Layer, d domain.Delta, overwrite bool, pkMap domain.ClientPKMap) (applyOutcome, error) {
	pk, live, out, err := a.resolveLive(layer, d, pkMap)
	if out != nil || err != nil {
		return deref(out), err
	}
	if conflicted, res := a.checkConflicts(layer, d, pk, live, overwrite); conflicted {
		return res, nil
	}

	geom, skipGeom, err := a.patchGeometry(layer, d)
	if err != nil {
		return failedOutcome(pk, domain.ApplyError{LayerID: layer.ID(), Reason: "invalid geometry", Err: err})
	}
	attrs := a.patchAttributes(layer, d)
	if geom == nil && len(attrs) == 0 {
		msg := "no effective changes"
		if skipGeom {
			msg = "no effective changes (identical geometry)"
		}
		a.logger.Warn("patch carries no effective change", "layer", layer.ID(), "delta", d.ID, "pk", pk)
		return applyOutcome{Status: domain.DeltaApplied, FeaturePK: pk, ModifiedPK: pk, Message: msg}, nil
	}
	if err := layer.UpdateFeature(pk, geom, attrs); err != nil {
		return a.classify(layer, pk, err)
	}
	return applyOutcome{Status: domain.DeltaApplied, FeaturePK: pk, ModifiedPK: pk}, nil
}

func (a applier) applyDelete(layer domain.Layer, d domain.Delta, overwrite bool, pkMap domain.ClientPKMap) (applyOutcome, error) {
	pk, live, out, err := a.resolveLive(layer, d, pkMap)
	if out != nil || err != nil {
		return deref(out), err
	}
	if conflicted, res := a.checkConflicts(layer, d, pk, live, overwrite); conflicted {
		return res, nil
	}
	if err := layer.DeleteFeature(pk); err != nil {
		return a.classify(layer, pk, err)
	}
	return applyOutcome{Status: domain.DeltaApplied, FeaturePK: pk}, nil
}

// resolveLive resolves the delta's server pk and fetches the live feature.
// A missing feature is an anticipated failure (not_applied), distinct from a
// content conflict.
func (a applier) resolveLive(layer domain.Layer, d domain.Delta, pkMap domain.ClientPKMap) (string, domain.Feature, *applyOutcome, error) {
	pk, err := ResolveSourcePK(d, pkMap)
	if err != nil {
		out, aErr := a.classify(layer, d.LocalPK, err)
		return "", domain.Feature{}, &out, aErr
	}
	live, ok, err := layer.GetFeature(pk)
	if err != nil {
		return "", domain.Feature{}, nil, err
	}
	if !ok {
		out := failedOutcomeOK(pk, domain.ErrFeatureNotFound{LayerID: layer.ID(), PK: pk})
		return "", domain.Feature{}, &out, nil
	}
	return pk, live, nil, nil
}

// checkConflicts runs the comparator against the old snapshot. With overwrite
// disabled a conflict stops the delta; with overwrite enabled it is logged
// and the apply proceeds over the live values.
func (a applier) checkConflicts(layer domain.Layer, d domain.Delta, pk string, live domain.Feature, overwrite bool) (bool, applyOutcome) {
	conflicts := CompareFeature(live, d.Old, false)
	if len(conflicts) == 0 {
		return false, applyOutcome{}
	}
	if !overwrite {
		return true, applyOutcome{
			Status:    domain.DeltaConflict,
			FeaturePK: pk,
			Conflicts: conflicts,
			Message:   conflictSummary(conflicts),
		}
	}
	a.logger.Warn("overwriting conflicting feature state",
		"layer", layer.ID(), "delta", d.ID, "pk", pk, "conflicts", len(conflicts))
	return false, applyOutcome{}
}

// patchGeometry returns the geometry to apply, or nil when the patch carries
// none or the recorded old geometry is identical. An identical value is a
// caller bug: logged, then ignored.
func (a applier) patchGeometry(layer domain.Layer, d domain.Delta) (orb.Geometry, bool, error) {
	if d.New.Geometry == nil {
		return nil, false, nil
	}
	if d.Old != nil && d.Old.Geometry != nil && *d.Old.Geometry == *d.New.Geometry {
		a.logger.Warn("patch geometry identical to old geometry, ignoring",
			"layer", layer.ID(), "delta", d.ID)
		return nil, true, nil
	}
	geom, err := domain.ParseWKT(*d.New.Geometry)
	if err != nil {
		return nil, false, err
	}
	return geom, false, nil
}

// patchAttributes keeps only attributes whose new value differs from the
// recorded old value. The primary key field is never patched.
func (a applier) patchAttributes(layer domain.Layer, d domain.Delta) map[string]any {
	if len(d.New.Attributes) == 0 {
		return nil
	}
	pkField := layer.PrimaryKeyField()
	out := make(map[string]any, len(d.New.Attributes))
	for name, value := range d.New.Attributes {
		if name == pkField {
			a.logger.Warn("patch attempts to change primary key field, ignoring",
				"layer", layer.ID(), "delta", d.ID, "attribute", name)
			continue
		}
		if d.Old != nil {
			if oldValue, ok := d.Old.Attributes[name]; ok && attributeEqual(oldValue, value) {
				a.logger.Debug("patch attribute identical to old value, ignoring",
					"layer", layer.ID(), "delta", d.ID, "attribute", name)
				continue
			}
		}
		out[name] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// classify converts anticipated apply failures into not_applied outcomes and
// passes everything else through as an aborting error.
func (a applier) classify(layer domain.Layer, pk string, err error) (applyOutcome, error) {
	var notFound domain.ErrFeatureNotFound
	if errors.As(err, &notFound) {
		return failedOutcomeOK(pk, notFound), nil
	}
	var applyErr domain.ApplyError
	if errors.As(err, &applyErr) {
		return failedOutcomeOK(pk, applyErr), nil
	}
	return applyOutcome{}, err
}

func failedOutcome(pk string, err error) (applyOutcome, error) {
	return failedOutcomeOK(pk, err), nil
}

func failedOutcomeOK(pk string, err error) applyOutcome {
	return applyOutcome{Status: domain.DeltaNotApplied, FeaturePK: pk, Message: err.Error()}
}

func deref(out *applyOutcome) applyOutcome {
	if out == nil {
		return applyOutcome{}
	}
	return *out
}
