package taskstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const artifactColumns = `id, task_id, server_ref, path, file_count, total_size, checksum, status, created_at`

// CreateArtifact stores a new backup artifact record. The ID and
// the creation time are filled in when empty.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) error {
	if len(a.ServerRef) == 0 || len(a.Path) == 0 {
		return fmt.Errorf("taskstore: artifact requires server reference and path")
	}

	if len(a.ID) == 0 {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if len(a.Status) == 0 {
		a.Status = "completed"
	}

	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO backups (`+artifactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{a.ID, a.TaskID, a.ServerRef, a.Path, a.FileCount, a.TotalSize, a.Checksum, a.Status, a.CreatedAt.UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("taskstore: insert artifact: %w", err)
	}

	return nil
}

func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var a *Artifact

	err = sqlitex.Execute(conn, `SELECT `+artifactColumns+` FROM backups WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			a = scanArtifact(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("taskstore: select artifact: %w", err)
	}

	if a == nil {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}

	return a, nil
}

// ListArtifacts returns artifacts of the given server, or of all servers
// when serverRef is empty, newest first.
func (s *Store) ListArtifacts(ctx context.Context, serverRef string) ([]*Artifact, error) {
	query := `SELECT ` + artifactColumns + ` FROM backups`
	args := []any{}

	if len(serverRef) > 0 {
		query += ` WHERE server_ref = ?`
		args = append(args, serverRef)
	}

	query += ` ORDER BY created_at DESC, rowid DESC`

	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	artifacts := make([]*Artifact, 0)

	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			artifacts = append(artifacts, scanArtifact(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("taskstore: list artifacts: %w", err)
	}

	return artifacts, nil
}

// DeleteArtifact removes the record only, the files are left untouched.
func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM backups WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("taskstore: delete artifact: %w", err)
	}

	if conn.Changes() == 0 {
		return fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}

	return nil
}

func scanArtifact(stmt *sqlite.Stmt) *Artifact {
	return &Artifact{
		ID:        stmt.ColumnText(0),
		TaskID:    stmt.ColumnText(1),
		ServerRef: stmt.ColumnText(2),
		Path:      stmt.ColumnText(3),
		FileCount: stmt.ColumnInt64(4),
		TotalSize: stmt.ColumnInt64(5),
		Checksum:  stmt.ColumnText(6),
		Status:    stmt.ColumnText(7),
		CreatedAt: fromNanos(stmt.ColumnInt64(8)),
	}
}
