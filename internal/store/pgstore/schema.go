package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the tables shared with gormstore. It is idempotent.
const Schema = `
create table if not exists accounts (
	account_id text primary key,
	balance_cents bigint not null constraint chk_accounts_balance_non_negative check (balance_cents >= 0),
	opening_balance_cents bigint not null,
	pin_hash bytea,
	pin_failed_attempts integer not null default 0,
	pin_locked_until timestamptz,
	created_at timestamptz not null default now(),
	updated_at timestamptz not null default now()
);

create table if not exists transactions (
	transaction_id text primary key,
	sender_id text not null references accounts(account_id),
	receiver_id text not null references accounts(account_id),
	amount_cents bigint not null check (amount_cents > 0),
	description text not null default '',
	status text not null,
	idempotency_key text,
	created_at timestamptz not null
);
create unique index if not exists uniq_transactions_idempotency_key on transactions(idempotency_key);
create index if not exists idx_transactions_sender_created on transactions(sender_id, created_at);
create index if not exists idx_transactions_receiver_created on transactions(receiver_id, created_at);

create table if not exists ledger_entries (
	sequence bigserial primary key,
	entry_id text not null,
	transaction_id text not null references transactions(transaction_id),
	account_id text not null references accounts(account_id),
	direction text not null check (direction in ('DEBIT', 'CREDIT')),
	amount_cents bigint not null check (amount_cents > 0),
	balance_before_cents bigint not null,
	balance_after_cents bigint not null,
	created_at timestamptz not null
);
create unique index if not exists uniq_ledger_entries_entry_id on ledger_entries(entry_id);
create index if not exists idx_ledger_entries_transaction on ledger_entries(transaction_id);
create index if not exists idx_ledger_entries_account_sequence on ledger_entries(account_id, sequence);

create table if not exists idempotent_requests (
	idempotency_key text primary key,
	fingerprint text not null,
	response jsonb not null,
	expires_at timestamptz not null,
	created_at timestamptz not null
);
create index if not exists idx_idempotent_requests_expires on idempotent_requests(expires_at);

create table if not exists audit_entries (
	sequence bigserial primary key,
	entry_id text not null,
	event_type text not null,
	user_id text not null,
	metadata jsonb not null default '{}',
	prev_hash text,
	hash text not null,
	created_at timestamptz not null
);
create unique index if not exists uniq_audit_entries_entry_id on audit_entries(entry_id);
create unique index if not exists uniq_audit_entries_hash on audit_entries(hash);
create index if not exists idx_audit_entries_user on audit_entries(user_id);

create table if not exists audit_heads (
	id integer primary key,
	hash text not null default '',
	sequence bigint not null default 0,
	updated_at timestamptz not null default now()
);
insert into audit_heads(id) values (1) on conflict do nothing;
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError("schema", "apply", err)
	}
	return nil
}
