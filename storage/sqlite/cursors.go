package sqlite

import (
	"context"
	"database/sql"

	"github.com/medirec/offsync/cursor"
	syncErrors "github.com/medirec/offsync/errors"
)

// LoadCursor returns the saved watermark for a collection, or nil when the
// collection has never completed a pull.
func (s *Store) LoadCursor(ctx context.Context, collection string) (cursor.Cursor, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM cursors WHERE collection = ?`, collection).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpCursor, "storage/sqlite")
	}

	c, err := cursor.Decode([]byte(data))
	if err != nil {
		return nil, syncErrors.WrapOpComponentKind(err, syncErrors.OpCursor, "storage/sqlite", syncErrors.KindCorruption)
	}
	return c, nil
}

// SaveCursor persists the watermark. Callers must only save after the pull
// batch has been fully applied to the local store.
func (s *Store) SaveCursor(ctx context.Context, collection string, c cursor.Cursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := cursor.Encode(c)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCursor, "storage/sqlite")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cursors (collection, cursor) VALUES (?, ?)`,
		collection, string(data))
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpCursor, "storage/sqlite")
	}
	return nil
}
