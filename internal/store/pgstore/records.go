package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	sqlSelectIdempotentRequest = `
		select fingerprint, response, expires_at, created_at
		from idempotent_requests
		where idempotency_key = $1 and expires_at > $2
	`

	sqlDeleteExpiredIdempotentRequest = `
		delete from idempotent_requests
		where idempotency_key = $1 and expires_at <= $2
	`

	sqlInsertIdempotentRequest = `
		insert into idempotent_requests(idempotency_key, fingerprint, response, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`

	sqlEnsureAuditHead = `
		insert into audit_heads(id) values (1) on conflict do nothing
	`

	sqlLockAuditHead = `
		select hash from audit_heads where id = 1 for update
	`

	sqlInsertAuditEntry = `
		insert into audit_entries(entry_id, event_type, user_id, metadata, prev_hash, hash, created_at)
		values ($1, $2, $3, $4, nullif($5, ''), $6, $7)
		returning sequence
	`

	sqlUpdateAuditHead = `
		update audit_heads set hash = $1, sequence = $2, updated_at = now() where id = 1
	`

	sqlListAuditAscending = `
		select sequence, entry_id, event_type, user_id, metadata::text, coalesce(prev_hash, ''), hash, created_at
		from audit_entries
		where ($1::text = '' or user_id = $1)
		order by sequence asc
		limit $2 offset $3
	`

	sqlListAuditDescending = `
		select sequence, entry_id, event_type, user_id, metadata::text, coalesce(prev_hash, ''), hash, created_at
		from audit_entries
		where ($1::text = '' or user_id = $1)
		order by sequence desc
		limit $2 offset $3
	`

	sqlCountAudit = `
		select count(*) from audit_entries where ($1::text = '' or user_id = $1)
	`
)

// Lookup implements transfer.IdempotencyStore.
func (store *Store) Lookup(ctx context.Context, key transfer.IdempotencyKey, now time.Time) (transfer.IdempotencyRecord, bool, error) {
	var (
		fingerprint string
		response    []byte
		expiresAt   time.Time
		createdAt   time.Time
	)
	err := store.pool.QueryRow(ctx, sqlSelectIdempotentRequest, key.String(), now.UTC()).Scan(&fingerprint, &response, &expiresAt, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return transfer.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return transfer.IdempotencyRecord{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeGet, err)
	}
	return transfer.IdempotencyRecord{
		Key:          key,
		Fingerprint:  fingerprint,
		ResponseJSON: response,
		ExpiresAt:    expiresAt.UTC(),
		CreatedAt:    createdAt.UTC(),
	}, true, nil
}

// Save implements transfer.IdempotencyStore. An expired record under the same key is replaced.
func (store *Store) Save(ctx context.Context, record transfer.IdempotencyRecord) error {
	return pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlDeleteExpiredIdempotentRequest, record.Key.String(), record.CreatedAt.UTC()); err != nil {
			return wrapStoreError(errorSubjectIdempotency, errorCodeUpdate, err)
		}
		response := record.ResponseJSON
		if len(response) == 0 {
			response = []byte("{}")
		}
		_, err := tx.Exec(ctx, sqlInsertIdempotentRequest,
			record.Key.String(),
			record.Fingerprint,
			response,
			record.ExpiresAt.UTC(),
			record.CreatedAt.UTC(),
		)
		if isUniqueViolation(err, constraintIdempotentPrimary) {
			return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
		}
		if err != nil {
			return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
		}
		return nil
	})
}

// AppendAuditEntry implements transfer.AuditStore. The audit_heads row serializes appenders.
func (store *Store) AppendAuditEntry(ctx context.Context, build func(prevHash string) (transfer.AuditEntry, error)) (transfer.AuditEntry, error) {
	var appended transfer.AuditEntry
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, sqlEnsureAuditHead); err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeLock, err)
		}
		var headHash string
		if err := tx.QueryRow(ctx, sqlLockAuditHead).Scan(&headHash); err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeLock, err)
		}
		entry, err := build(headHash)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeBuild, err)
		}
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		err = tx.QueryRow(ctx, sqlInsertAuditEntry,
			entry.ID,
			entry.EventType,
			entry.UserID,
			entry.Metadata.String(),
			entry.PrevHash,
			entry.Hash,
			entry.CreatedAt.UTC(),
		).Scan(&entry.Sequence)
		if err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeInsert, err)
		}
		if _, err := tx.Exec(ctx, sqlUpdateAuditHead, entry.Hash, entry.Sequence); err != nil {
			return wrapStoreError(errorSubjectAudit, errorCodeUpdate, err)
		}
		appended = entry
		return nil
	})
	if err != nil {
		return transfer.AuditEntry{}, err
	}
	return appended, nil
}

// ListAuditEntries implements transfer.AuditStore.
func (store *Store) ListAuditEntries(ctx context.Context, query transfer.AuditQuery) ([]transfer.AuditEntry, error) {
	statement := sqlListAuditAscending
	if query.Newest {
		statement = sqlListAuditDescending
	}
	var limit *int
	if query.Limit > 0 {
		limit = &query.Limit
	}
	offset := query.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := store.pool.Query(ctx, statement, query.UserID, limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]transfer.AuditEntry, 0, 32)
	for rows.Next() {
		var (
			entry    transfer.AuditEntry
			metadata string
		)
		if err := rows.Scan(&entry.Sequence, &entry.ID, &entry.EventType, &entry.UserID, &metadata, &entry.PrevHash, &entry.Hash, &entry.CreatedAt); err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		// jsonb reorders keys; the canonical form restores what was hashed.
		entry.Metadata, err = transfer.NewMetadataJSON(metadata)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAudit, errorCodeInvalid, err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAudit, errorCodeList, err)
	}
	return entries, nil
}

// CountAuditEntries implements transfer.AuditStore.
func (store *Store) CountAuditEntries(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := store.pool.QueryRow(ctx, sqlCountAudit, userID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectAudit, errorCodeCount, err)
	}
	return count, nil
}
