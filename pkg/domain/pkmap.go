package domain

import (
	"strings"

	"github.com/google/uuid"
)

// ClientPKMap maps a (client id, layer id, client-local pk) triple to the
// authoritative server primary key. Client-created features only receive a
// server pk once their create delta is applied; this map carries those
// assignments forward within a batch and across batches.
//
// Keys are "client|layer|pk" joined with the unit separator so layer ids and
// pks may themselves contain common punctuation.
type ClientPKMap map[string]string

const pkMapSep = "\x1f"

func pkMapKey(clientID uuid.UUID, layerID, localPK string) string {
	return strings.Join([]string{clientID.String(), layerID, localPK}, pkMapSep)
}

// Resolve looks up the server pk previously assigned to a client-local feature.
func (m ClientPKMap) Resolve(clientID uuid.UUID, layerID, localPK string) (string, bool) {
	if m == nil {
		return "", false
	}
	pk, ok := m[pkMapKey(clientID, layerID, localPK)]
	return pk, ok
}

// Record stores the server pk assigned to a client-local feature.
func (m ClientPKMap) Record(clientID uuid.UUID, layerID, localPK, serverPK string) {
	m[pkMapKey(clientID, layerID, localPK)] = serverPK
}

// Clone returns a copy; a nil map clones to an empty, writable map.
func (m ClientPKMap) Clone() ClientPKMap {
	out := make(ClientPKMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
