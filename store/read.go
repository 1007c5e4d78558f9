package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/verity/engine"
	"github.com/roach88/verity/wire"
)

// Fetch materializes a stored aggregate: the node, its scalar properties and
// its full child graph, rebuilt against a locally-declared spec. Loading
// happens under Pause with load semantics, so the returned node is Existing
// and unmodified, with no rules having run.
func Fetch(ctx context.Context, s *Store, id uuid.UUID, spec *engine.NodeSpec) (*engine.Node, error) {
	var typeName string
	err := s.db.QueryRowContext(ctx, `SELECT type FROM nodes WHERE id = ?`, id.String()).Scan(&typeName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &engine.EngineError{
			Code:    engine.ErrCodePersistenceFailed,
			Message: "no stored node",
			Reason:  id.String(),
			Err:     err,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", id, err)
	}
	if typeName != spec.TypeName {
		return nil, fmt.Errorf("fetch %s: stored type %q does not match spec type %q", id, typeName, spec.TypeName)
	}
	return s.fetchNode(ctx, id, spec)
}

func (s *Store) fetchNode(ctx context.Context, id uuid.UUID, spec *engine.NodeSpec) (*engine.Node, error) {
	n, err := engine.NewNode(spec)
	if err != nil {
		return nil, err
	}
	n.RestoreID(id)

	resume := n.Pause()
	defer resume()

	if err := s.loadScalars(ctx, n); err != nil {
		return nil, err
	}
	for _, desc := range spec.Properties {
		switch desc.Kind {
		case engine.KindNode:
			child, err := s.fetchSlotNode(ctx, id, desc)
			if err != nil {
				return nil, err
			}
			if child != nil {
				if err := n.Load(desc.Name, child); err != nil {
					return nil, err
				}
			}
		case engine.KindCollection:
			col, err := s.fetchSlotCollection(ctx, id, desc)
			if err != nil {
				return nil, err
			}
			if err := n.Load(desc.Name, col); err != nil {
				return nil, err
			}
		}
	}

	resume()
	n.MarkOld()
	return n, nil
}

func (s *Store) loadScalars(ctx context.Context, n *engine.Node) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, value FROM node_properties WHERE node_id = ?
	`, n.ID().String())
	if err != nil {
		return fmt.Errorf("fetch properties of %s: %w", n.ID(), err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, kind string
		var stored sql.NullString
		if err := rows.Scan(&name, &kind, &stored); err != nil {
			return err
		}
		var raw any
		if stored.Valid {
			if err := json.Unmarshal([]byte(stored.String), &raw); err != nil {
				return fmt.Errorf("property %s of %s: %w", name, n.ID(), err)
			}
		}
		v, err := wire.DecodeScalar(kind, raw)
		if err != nil {
			return fmt.Errorf("property %s of %s: %w", name, n.ID(), err)
		}
		if err := n.Load(name, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// fetchSlotNode loads the single child stored under one KindNode slot.
// Returns nil without error when the slot is empty.
func (s *Store) fetchSlotNode(ctx context.Context, parentID uuid.UUID, desc engine.PropertyDesc) (*engine.Node, error) {
	ids, err := s.slotChildIDs(ctx, parentID, desc.Name)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 1 {
		return nil, fmt.Errorf("slot %s of %s holds %d nodes, want at most one", desc.Name, parentID, len(ids))
	}
	return s.fetchNode(ctx, ids[0], desc.Elem)
}

func (s *Store) fetchSlotCollection(ctx context.Context, parentID uuid.UUID, desc engine.PropertyDesc) (*engine.Collection, error) {
	ids, err := s.slotChildIDs(ctx, parentID, desc.Name)
	if err != nil {
		return nil, err
	}
	col := engine.NewCollection()
	for _, itemID := range ids {
		item, err := s.fetchNode(ctx, itemID, desc.Elem)
		if err != nil {
			return nil, err
		}
		if err := col.Add(item); err != nil {
			return nil, err
		}
	}
	return col, nil
}

// slotChildIDs lists children hanging off one property slot, ordered by id
// for deterministic materialization.
func (s *Store) slotChildIDs(ctx context.Context, parentID uuid.UUID, slot string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM nodes
		WHERE parent_id = ? AND slot = ?
		ORDER BY id COLLATE BINARY ASC
	`, parentID.String(), slot)
	if err != nil {
		return nil, fmt.Errorf("fetch children of %s/%s: %w", parentID, slot, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("stored node id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
