package storage

import (
	"context"
	"fmt"
	"time"

	"namecard/pkg/identity"
	"namecard/pkg/surreal"
)

const DefaultSurrealTable = "identity_snapshots"

// SurrealStore keeps each document as one record of a table, keyed by
// document name, with the JSON kept verbatim in a string field.
type SurrealStore struct {
	client *surreal.Client
	table  string
}

func NewSurrealStore(client *surreal.Client, table string) (*SurrealStore, error) {
	if table == "" {
		table = DefaultSurrealTable
	}
	if err := surreal.ValidateIdentifier(table); err != nil {
		return nil, err
	}
	return &SurrealStore{client: client, table: table}, nil
}

func (s *SurrealStore) Location() string {
	return fmt.Sprintf("%s (table %s)", s.client.Host(), s.table)
}

func (s *SurrealStore) Load(ctx context.Context) (identity.Snapshot, error) {
	query := fmt.Sprintf(`SELECT meta::id(id) AS name, body FROM %s;`, s.table)

	rows, err := s.client.Query(ctx, query, map[string]interface{}{})
	if err != nil {
		return identity.Snapshot{}, fmt.Errorf("failed to read snapshot from SurrealDB: %w", err)
	}

	var snap identity.Snapshot
	found := false
	for _, row := range rows {
		name, _ := row["name"].(string)
		body, ok := row["body"].(string)
		if !ok {
			continue
		}
		switch name {
		case GendersDoc:
			snap.Genders = []byte(body)
			found = true
		case NicknamesDoc:
			snap.Nicknames = []byte(body)
			found = true
		}
	}
	if !found {
		return identity.Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *SurrealStore) Save(ctx context.Context, snap identity.Snapshot) error {
	query := `
		BEGIN TRANSACTION;
		UPSERT type::thing($tb, $genders) CONTENT { body: $genders_body, updated_at: $now };
		UPSERT type::thing($tb, $nicknames) CONTENT { body: $nicknames_body, updated_at: $now };
		COMMIT TRANSACTION;
	`
	_, err := s.client.Query(ctx, query, map[string]interface{}{
		"tb":             s.table,
		"genders":        GendersDoc,
		"nicknames":      NicknamesDoc,
		"genders_body":   string(snap.Genders),
		"nicknames_body": string(snap.Nicknames),
		"now":            time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot to SurrealDB: %w", err)
	}
	return nil
}

func (s *SurrealStore) Close() error {
	s.client.Close(context.Background())
	return nil
}
