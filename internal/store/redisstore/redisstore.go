// Package redisstore keeps idempotency records in Redis with a native TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix        = "transfers:idempotency:"
	errorOperationStore     = "store"
	errorSubjectIdempotency = "idempotency"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeDuplicate      = "duplicate"
	errorCodeInvalid        = "invalid"
	errorCodeEncode         = "encode"
)

// Commands is the subset of the go-redis client used by Store.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// NewClient opens a go-redis client for a redis:// or rediss:// URL.
func NewClient(rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", transfer.ErrInvalidServiceConfig, err)
	}
	return redis.NewClient(options), nil
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		store.prefix = prefix
	}
}

// Store implements transfer.IdempotencyStore.
type Store struct {
	client Commands
	prefix string
}

type storedRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// New constructs a Store.
func New(client Commands, options ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", transfer.ErrInvalidServiceConfig)
	}
	store := &Store{client: client, prefix: defaultKeyPrefix}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// Lookup implements transfer.IdempotencyStore.
func (store *Store) Lookup(ctx context.Context, key transfer.IdempotencyKey, now time.Time) (transfer.IdempotencyRecord, bool, error) {
	raw, err := store.client.Get(ctx, store.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return transfer.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return transfer.IdempotencyRecord{}, false, wrapStoreError(errorCodeGet, err)
	}
	var stored storedRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return transfer.IdempotencyRecord{}, false, wrapStoreError(errorCodeInvalid, err)
	}
	record := transfer.IdempotencyRecord{
		Key:          key,
		Fingerprint:  stored.Fingerprint,
		ResponseJSON: []byte(stored.Response),
		ExpiresAt:    stored.ExpiresAt.UTC(),
		CreatedAt:    stored.CreatedAt.UTC(),
	}
	if record.Expired(now) {
		return transfer.IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

// Save implements transfer.IdempotencyStore. The key expires when the record does.
func (store *Store) Save(ctx context.Context, record transfer.IdempotencyRecord) error {
	ttl := record.ExpiresAt.Sub(record.CreatedAt)
	if ttl <= 0 {
		return wrapStoreError(errorCodeInvalid, errors.New("record expires before it is created"))
	}
	response := json.RawMessage(record.ResponseJSON)
	if len(response) == 0 {
		response = json.RawMessage("{}")
	}
	payload, err := json.Marshal(storedRecord{
		Fingerprint: record.Fingerprint,
		Response:    response,
		ExpiresAt:   record.ExpiresAt.UTC(),
		CreatedAt:   record.CreatedAt.UTC(),
	})
	if err != nil {
		return wrapStoreError(errorCodeEncode, err)
	}
	created, err := store.client.SetNX(ctx, store.redisKey(record.Key), payload, ttl).Result()
	if err != nil {
		return wrapStoreError(errorCodeInsert, err)
	}
	if !created {
		return wrapStoreError(errorCodeDuplicate, transfer.ErrDuplicateIdempotencyKey)
	}
	return nil
}

func (store *Store) redisKey(key transfer.IdempotencyKey) string {
	return store.prefix + key.String()
}

func wrapStoreError(code string, err error) error {
	return transfer.WrapError(errorOperationStore, errorSubjectIdempotency, code, err)
}
