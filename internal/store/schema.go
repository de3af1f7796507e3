package store

// Database schema definitions for the crypto payment subsystem

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(255) PRIMARY KEY,
    available_credits BIGINT NOT NULL DEFAULT 0,
    total_spent_usd DECIMAL(20,2) NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (available_credits >= 0),
    CHECK (total_spent_usd >= 0)
);
`

const createPlansTable = `
CREATE TABLE IF NOT EXISTS plans (
    id VARCHAR(255) PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    price_usd DECIMAL(10,2) NOT NULL,
    quota_amount BIGINT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (price_usd > 0),
    CHECK (quota_amount > 0)
);
`

const createPaymentRequestsTable = `
CREATE TABLE IF NOT EXISTS payment_requests (
    id UUID PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    plan_id VARCHAR(255) NOT NULL,
    network VARCHAR(20) NOT NULL CHECK (network IN ('BEP20', 'SOL')),
    token VARCHAR(20) NOT NULL,
    amount_usd DECIMAL(10,2) NOT NULL,
    wallet_address VARCHAR(255) NOT NULL,
    memo VARCHAR(64) NOT NULL,
    txn_hash VARCHAR(255),
    status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'processing', 'confirmed', 'failed', 'expired')),

    verified_amount DECIMAL(30,12),
    verified_sender VARCHAR(255),
    confirmation_count BIGINT,
    error_message TEXT,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL,
    confirmed_at TIMESTAMPTZ,

    CHECK (expires_at > created_at)
);
`

const createLedgerTransactionsTable = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
    id UUID PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    payment_id UUID REFERENCES payment_requests(id),
    amount_cents BIGINT NOT NULL,
    currency VARCHAR(10) NOT NULL DEFAULT 'USD',
    quota_added BIGINT NOT NULL,
    status VARCHAR(20) NOT NULL,
    payment_method VARCHAR(20) NOT NULL,
    description TEXT NOT NULL,
    crypto_txn_hash VARCHAR(255),
    crypto_network VARCHAR(20),
    crypto_token VARCHAR(20),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    CHECK (amount_cents >= 0),
    CHECK (quota_added >= 0)
);
`

const createIndexes = `
-- The partial unique index on the on-chain hash is the authoritative
-- double-spend guard: one settlement per hash, across all users. Partial
-- because non-crypto settlement paths leave the hash absent.
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_transactions_crypto_txn_hash
    ON ledger_transactions(crypto_txn_hash) WHERE crypto_txn_hash IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_ledger_transactions_user_id ON ledger_transactions(user_id);
CREATE INDEX IF NOT EXISTS idx_ledger_transactions_created_at ON ledger_transactions(created_at);

CREATE INDEX IF NOT EXISTS idx_payment_requests_user_status ON payment_requests(user_id, status);
CREATE INDEX IF NOT EXISTS idx_payment_requests_expires_at ON payment_requests(expires_at);
CREATE INDEX IF NOT EXISTS idx_payment_requests_txn_hash ON payment_requests(txn_hash);
`

const seedPlans = `
INSERT INTO plans (id, name, price_usd, quota_amount, is_active) VALUES
    ('starter', 'Starter', 10.00, 22, TRUE),
    ('regular', 'Regular', 25.00, 55, TRUE),
    ('pro', 'Pro', 50.00, 111, TRUE)
ON CONFLICT (id) DO NOTHING;
`
