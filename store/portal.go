package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/roach88/verity/engine"
	"github.com/roach88/verity/wire"
)

// Portal implements engine.Portal against a Store. Portal calls arrive
// during a save cascade, parents before children, so foreign keys on
// parent_id are always satisfiable.
type Portal struct {
	store *Store
}

// Portal returns an engine.Portal persisting into this store.
func (s *Store) Portal() *Portal {
	return &Portal{store: s}
}

// Insert writes a new node row plus its scalar properties.
func (p *Portal) Insert(ctx context.Context, n *engine.Node) error {
	parentID, slot := parentSlot(n)
	_, err := p.store.db.ExecContext(ctx, `
		INSERT INTO nodes (id, type, parent_id, slot)
		VALUES (?, ?, ?, ?)
	`, n.ID().String(), n.TypeName(), parentID, slot)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", n.ID(), err)
	}
	if err := p.writeProperties(ctx, n); err != nil {
		return err
	}
	slog.Debug("node inserted", "type", n.TypeName(), "id", n.ID())
	return nil
}

// Update rewrites the node's scalar properties and bumps updated_at.
func (p *Portal) Update(ctx context.Context, n *engine.Node) error {
	res, err := p.store.db.ExecContext(ctx, `
		UPDATE nodes
		SET updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?
	`, n.ID().String())
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.ID(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.ID(), err)
	}
	if affected == 0 {
		return fmt.Errorf("update node %s: %w", n.ID(), sql.ErrNoRows)
	}
	if err := p.writeProperties(ctx, n); err != nil {
		return err
	}
	slog.Debug("node updated", "type", n.TypeName(), "id", n.ID())
	return nil
}

// Delete removes the node row; child rows cascade through the parent_id
// foreign key, so deleting an aggregate root removes its whole subtree.
func (p *Portal) Delete(ctx context.Context, n *engine.Node) error {
	if _, err := p.store.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, n.ID().String()); err != nil {
		return fmt.Errorf("delete node %s: %w", n.ID(), err)
	}
	slog.Debug("node deleted", "type", n.TypeName(), "id", n.ID())
	return nil
}

// writeProperties upserts one row per scalar property. Values are stored as
// canonical JSON text so stored rows are byte-comparable.
func (p *Portal) writeProperties(ctx context.Context, n *engine.Node) error {
	for _, desc := range n.Spec().Properties {
		if desc.Kind == engine.KindNode || desc.Kind == engine.KindCollection {
			continue // children are rows of their own
		}
		v, err := n.Get(desc.Name)
		if err != nil {
			return err
		}
		var stored any
		if !engine.IsNull(v) {
			encoded, err := wire.MarshalCanonical(wire.EncodeScalar(v))
			if err != nil {
				return fmt.Errorf("property %s: %w", desc.Name, err)
			}
			stored = string(encoded)
		}
		_, err = p.store.db.ExecContext(ctx, `
			INSERT INTO node_properties (node_id, name, kind, value)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(node_id, name) DO UPDATE SET kind = excluded.kind, value = excluded.value
		`, n.ID().String(), desc.Name, desc.Kind.String(), stored)
		if err != nil {
			return fmt.Errorf("property %s: %w", desc.Name, err)
		}
	}
	return nil
}

// parentSlot resolves which property of the parent a node hangs off: the
// KindNode cell holding it directly, or the KindCollection cell holding its
// owning collection.
func parentSlot(n *engine.Node) (parentID, slot any) {
	parent := n.Parent()
	if parent == nil {
		return nil, nil
	}
	owner := n.Owner()
	for _, desc := range parent.Spec().Properties {
		v, err := parent.Get(desc.Name)
		if err != nil {
			continue
		}
		switch desc.Kind {
		case engine.KindNode:
			if child, ok := v.(*engine.Node); ok && child == n {
				return parent.ID().String(), desc.Name
			}
		case engine.KindCollection:
			if col, ok := v.(*engine.Collection); ok && col == owner && owner != nil {
				return parent.ID().String(), desc.Name
			}
		}
	}
	return parent.ID().String(), nil
}
