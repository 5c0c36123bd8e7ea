package core

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"fieldsync/pkg/domain"
)

func TestResolveSourcePKPrefersSourcePK(t *testing.T) {
	client := uuid.New()
	pkMap := make(domain.ClientPKMap)
	pkMap.Record(client, "trees", "7", "101")

	d := domain.Delta{ClientID: client, LocalLayerID: "trees", LocalPK: "7", SourcePK: "55"}
	pk, err := ResolveSourcePK(d, pkMap)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pk != "55" {
		t.Fatalf("pk = %q, want source pk 55", pk)
	}
}

func TestResolveSourcePKFallsBackToMap(t *testing.T) {
	client := uuid.New()
	pkMap := make(domain.ClientPKMap)
	pkMap.Record(client, "trees", "7", "101")

	d := domain.Delta{ClientID: client, LocalLayerID: "trees", LocalPK: "7"}
	pk, err := ResolveSourcePK(d, pkMap)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if pk != "101" {
		t.Fatalf("pk = %q, want mapped pk 101", pk)
	}
}

func TestResolveSourcePKMiss(t *testing.T) {
	d := domain.Delta{ClientID: uuid.New(), LocalLayerID: "trees", LocalPK: "7"}
	_, err := ResolveSourcePK(d, make(domain.ClientPKMap))
	var notFound domain.ErrFeatureNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrFeatureNotFound", err)
	}
	if notFound.LayerID != "trees" || notFound.PK != "7" {
		t.Fatalf("unexpected not-found detail: %+v", notFound)
	}
}
