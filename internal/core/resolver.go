package core

import "fieldsync/pkg/domain"

// ResolveSourcePK maps a delta to the authoritative server primary key of its
// target feature. The source pk wins when the client already knew it; a
// client-created feature is resolved through the client pk map populated by
// earlier create applies. A miss means the feature cannot be located at all.
func ResolveSourcePK(d domain.Delta, pkMap domain.ClientPKMap) (string, error) {
	if d.SourcePK != "" {
		return d.SourcePK, nil
	}
	if pk, ok := pkMap.Resolve(d.ClientID, d.LayerID(), d.LocalPK); ok {
		return pk, nil
	}
	return "", domain.ErrFeatureNotFound{LayerID: d.LayerID(), PK: d.LocalPK}
}
