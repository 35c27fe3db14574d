// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/chorus/lib/schema"
)

// SaveAgent upserts a workspace agent's persisted state. The
// coordinator calls this on every status, retry-count, or wake-time
// change so the state survives restarts.
func (store *Store) SaveAgent(ctx context.Context, agent schema.WorkspaceAgent) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO agents (id, workspace_id, name, role, status, retry_count, wake_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   retry_count = excluded.retry_count,
		   wake_at = excluded.wake_at,
		   updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			agent.ID, agent.WorkspaceID, agent.Name, string(agent.Role),
			string(agent.Status), agent.RetryCount, nanosFromTime(agent.WakeAt),
			nanosFromTime(agent.CreatedAt), nanosFromTime(agent.UpdatedAt),
		}},
	)
	if err != nil {
		return fmt.Errorf("store: saving agent %s: %w", agent.ID, err)
	}
	return nil
}

// LoadAgent loads one agent by ID.
func (store *Store) LoadAgent(ctx context.Context, agentID string) (schema.WorkspaceAgent, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return schema.WorkspaceAgent{}, err
	}
	defer store.pool.Put(conn)

	var agent schema.WorkspaceAgent
	found := false
	err = sqlitex.Execute(conn,
		`SELECT id, workspace_id, name, role, status, retry_count, wake_at, created_at, updated_at
		 FROM agents WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				agent = readAgent(stmt)
				return nil
			},
		},
	)
	if err != nil {
		return schema.WorkspaceAgent{}, fmt.Errorf("store: loading agent %s: %w", agentID, err)
	}
	if !found {
		return schema.WorkspaceAgent{}, fmt.Errorf("store: agent %s: %w", agentID, ErrNotFound)
	}
	return agent, nil
}

// LoadWorkspaceAgents loads all agents of one workspace, ordered by
// name.
func (store *Store) LoadWorkspaceAgents(ctx context.Context, workspaceID string) ([]schema.WorkspaceAgent, error) {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer store.pool.Put(conn)

	var agents []schema.WorkspaceAgent
	err = sqlitex.Execute(conn,
		`SELECT id, workspace_id, name, role, status, retry_count, wake_at, created_at, updated_at
		 FROM agents WHERE workspace_id = ? ORDER BY name`,
		&sqlitex.ExecOptions{
			Args: []any{workspaceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agents = append(agents, readAgent(stmt))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("store: loading agents of %s: %w", workspaceID, err)
	}
	return agents, nil
}

// DeleteAgent removes an agent's persisted state.
func (store *Store) DeleteAgent(ctx context.Context, agentID string) error {
	conn, err := store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer store.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`DELETE FROM agents WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{agentID}},
	)
	if err != nil {
		return fmt.Errorf("store: deleting agent %s: %w", agentID, err)
	}
	return nil
}

func readAgent(stmt *sqlite.Stmt) schema.WorkspaceAgent {
	return schema.WorkspaceAgent{
		ID:          stmt.ColumnText(0),
		WorkspaceID: stmt.ColumnText(1),
		Name:        stmt.ColumnText(2),
		Role:        schema.AgentRole(stmt.ColumnText(3)),
		Status:      schema.AgentStatus(stmt.ColumnText(4)),
		RetryCount:  int(stmt.ColumnInt64(5)),
		WakeAt:      timeFromNanos(stmt.ColumnInt64(6)),
		CreatedAt:   timeFromNanos(stmt.ColumnInt64(7)),
		UpdatedAt:   timeFromNanos(stmt.ColumnInt64(8)),
	}
}
