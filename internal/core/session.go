package core

import (
	"fmt"

	"fieldsync/pkg/domain"
)

// editSession scopes a layer edit session so that every exit path ends in
// exactly one commit or rollback. Callers defer Close immediately after
// beginEdit; Close rolls back whatever was neither committed nor rolled back,
// including on panic unwinds.
type editSession struct {
	layer domain.Layer
	open  bool
}

func beginEdit(layer domain.Layer) (*editSession, error) {
	if err := layer.BeginEdit(); err != nil {
		return nil, fmt.Errorf("begin edit on layer %s: %w", layer.ID(), err)
	}
	return &editSession{layer: layer, open: true}, nil
}

func (s *editSession) Commit() error {
	if !s.open {
		return nil
	}
	s.open = false
	if err := s.layer.Commit(); err != nil {
		return fmt.Errorf("commit layer %s: %w", s.layer.ID(), err)
	}
	return nil
}

func (s *editSession) Rollback() error {
	if !s.open {
		return nil
	}
	s.open = false
	if err := s.layer.Rollback(); err != nil {
		return fmt.Errorf("rollback layer %s: %w", s.layer.ID(), err)
	}
	return nil
}

func (s *editSession) Close() {
	if s.open {
		s.open = false
		_ = s.layer.Rollback()
	}
}
