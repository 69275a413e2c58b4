package downloads

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"finch/internal/storage"
)

const downloadColumns = "item_id, server_id, status, item_name, source_url, local_file, bytes_received, bytes_total, error_message, metadata_json, created_at, updated_at"

// record pairs a state with the source needed to restart it.
type record struct {
	State  State
	Source Source
}

type repository struct {
	db *storage.DB
}

func (r *repository) loadAll(ctx context.Context) ([]record, error) {
	rows, err := r.db.Query(ctx, "SELECT "+downloadColumns+" FROM downloads ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repository) loadOffline(ctx context.Context) (map[string]OfflineMediaItem, error) {
	rows, err := r.db.Query(ctx, "SELECT item_id, metadata_json FROM offline_items")
	if err != nil {
		return nil, fmt.Errorf("query offline items: %w", err)
	}
	defer rows.Close()

	out := make(map[string]OfflineMediaItem)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan offline item: %w", err)
		}
		var item OfflineMediaItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode offline item %s: %w", id, err)
		}
		out[id] = item
	}
	return out, rows.Err()
}

func (r *repository) save(ctx context.Context, st State, src Source) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertTx(ctx, tx, st, src)
	})
}

// saveProgress writes only the moving columns of an in-flight download.
func (r *repository) saveProgress(ctx context.Context, st State) error {
	_, err := r.db.Exec(ctx,
		`UPDATE downloads SET status = ?, bytes_received = ?, bytes_total = ?, updated_at = ? WHERE item_id = ?`,
		string(st.Status), st.Progress.BytesReceived, st.Progress.BytesTotal, storage.FormatTime(st.UpdatedAt), st.ItemID,
	)
	if err != nil {
		return fmt.Errorf("update download progress: %w", err)
	}
	return nil
}

// saveCompleted stores the finished state and its offline metadata together.
func (r *repository) saveCompleted(ctx context.Context, st State, src Source, offline OfflineMediaItem) error {
	payload, err := json.Marshal(offline)
	if err != nil {
		return fmt.Errorf("encode offline item: %w", err)
	}
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTx(ctx, tx, st, src); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO offline_items (item_id, metadata_json, saved_at) VALUES (?, ?, ?)
             ON CONFLICT(item_id) DO UPDATE SET metadata_json = excluded.metadata_json, saved_at = excluded.saved_at`,
			st.ItemID, string(payload), storage.FormatTime(offline.SavedAt),
		)
		if err != nil {
			return fmt.Errorf("insert offline item: %w", err)
		}
		return nil
	})
}

// saveFailed records a failure and drops any offline metadata for the item.
func (r *repository) saveFailed(ctx context.Context, st State, src Source) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTx(ctx, tx, st, src); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_items WHERE item_id = ?`, st.ItemID); err != nil {
			return fmt.Errorf("delete offline item: %w", err)
		}
		return nil
	})
}

// remove deletes the download row and its offline metadata together.
func (r *repository) remove(ctx context.Context, itemID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_items WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("delete offline item: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM downloads WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("delete download: %w", err)
		}
		return nil
	})
}

func upsertTx(ctx context.Context, tx *sql.Tx, st State, src Source) error {
	meta, err := json.Marshal(src.Metadata)
	if err != nil {
		return fmt.Errorf("encode download metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO downloads (`+downloadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(item_id) DO UPDATE SET
             server_id = excluded.server_id,
             status = excluded.status,
             item_name = excluded.item_name,
             source_url = excluded.source_url,
             local_file = excluded.local_file,
             bytes_received = excluded.bytes_received,
             bytes_total = excluded.bytes_total,
             error_message = excluded.error_message,
             metadata_json = excluded.metadata_json,
             updated_at = excluded.updated_at`,
		st.ItemID,
		storage.NullableString(st.ServerID),
		string(st.Status),
		storage.NullableString(st.ItemName),
		storage.NullableString(src.URL),
		storage.NullableString(st.LocalFile),
		st.Progress.BytesReceived,
		st.Progress.BytesTotal,
		storage.NullableString(st.Error),
		string(meta),
		storage.FormatTime(st.CreatedAt),
		storage.FormatTime(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert download: %w", err)
	}
	return nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (record, error) {
	var (
		itemID     string
		serverID   sql.NullString
		status     string
		itemName   sql.NullString
		sourceURL  sql.NullString
		localFile  sql.NullString
		received   int64
		total      int64
		errMessage sql.NullString
		metadata   sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(
		&itemID, &serverID, &status, &itemName, &sourceURL, &localFile,
		&received, &total, &errMessage, &metadata, &createdRaw, &updatedRaw,
	); err != nil {
		return record{}, err
	}

	parsed, ok := ParseStatus(status)
	if !ok {
		return record{}, fmt.Errorf("unknown status %q for %s", status, itemID)
	}
	st := State{
		ItemID:    itemID,
		ServerID:  serverID.String,
		Status:    parsed,
		ItemName:  itemName.String,
		LocalFile: localFile.String,
		Progress:  Progress{BytesReceived: received, BytesTotal: total},
		Error:     errMessage.String,
		CreatedAt: parseStamp(createdRaw),
		UpdatedAt: parseStamp(updatedRaw),
	}
	src := Source{ServerID: serverID.String, URL: sourceURL.String}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &src.Metadata); err != nil {
			return record{}, fmt.Errorf("decode metadata for %s: %w", itemID, err)
		}
	}
	return record{State: st, Source: src}, nil
}

func parseStamp(raw string) time.Time {
	t, err := storage.ParseTime(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
