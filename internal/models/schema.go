// internal/models/schema.go
package models

import "payment-reconciliation/pkg/database"

// Database schema
const PaymentSchema = `
CREATE TABLE IF NOT EXISTS payments (
    id VARCHAR(36) PRIMARY KEY,
    order_reference VARCHAR(100) NOT NULL,
    user_id VARCHAR(64) NOT NULL,
    package_ref BIGINT,
    amount DECIMAL(19, 2) NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'IRR',
    status VARCHAR(20) NOT NULL,
    provider VARCHAR(20) NOT NULL DEFAULT '',
    intent_id VARCHAR(255),
    gateway_transaction_id VARCHAR(255),
    description TEXT NOT NULL DEFAULT '',
    payer_name VARCHAR(255) NOT NULL DEFAULT '',
    payer_email VARCHAR(255) NOT NULL DEFAULT '',
    payer_phone VARCHAR(32) NOT NULL DEFAULT '',
    failure_reason TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    is_test BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_payments_order_reference ON payments (order_reference);
CREATE INDEX IF NOT EXISTS idx_payments_intent_id ON payments (intent_id);
CREATE INDEX IF NOT EXISTS idx_payments_status_updated ON payments (status, updated_at);
`

const OrderSchema = `
CREATE TABLE IF NOT EXISTS orders (
    order_number VARCHAR(100) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    package_ref BIGINT,
    original_amount DECIMAL(19, 2) NOT NULL,
    discount_amount DECIMAL(19, 2) NOT NULL DEFAULT 0,
    final_amount DECIMAL(19, 2) NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'IRR',
    status VARCHAR(20) NOT NULL,
    payment_ref VARCHAR(36),
    transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version BIGINT NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_orders_payment_ref ON orders (payment_ref);
CREATE INDEX IF NOT EXISTS idx_orders_status_updated ON orders (status, updated_at);
`

const CatalogSchema = `
CREATE TABLE IF NOT EXISTS service_packages (
    id BIGSERIAL PRIMARY KEY,
    name VARCHAR(255) NOT NULL,
    price DECIMAL(19, 2) NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'IRR',
    max_analyses INT NOT NULL DEFAULT 1,
    validity_days INT NOT NULL DEFAULT 30,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS entitlements (
    id VARCHAR(36) PRIMARY KEY,
    order_number VARCHAR(100) NOT NULL UNIQUE,
    user_id VARCHAR(64) NOT NULL,
    package_id BIGINT NOT NULL REFERENCES service_packages (id),
    payment_id VARCHAR(36) NOT NULL,
    starts_at TIMESTAMPTZ NOT NULL,
    ends_at TIMESTAMPTZ NOT NULL,
    max_analyses INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const TicketSchema = `
CREATE TABLE IF NOT EXISTS escalation_tickets (
    id VARCHAR(32) PRIMARY KEY,
    category VARCHAR(64) NOT NULL,
    payment_ref VARCHAR(36) NOT NULL DEFAULT '',
    order_ref VARCHAR(100) NOT NULL DEFAULT '',
    context TEXT NOT NULL DEFAULT '',
    status VARCHAR(16) NOT NULL DEFAULT 'open',
    priority VARCHAR(16) NOT NULL DEFAULT 'high',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_escalation_tickets_open
    ON escalation_tickets (category, payment_ref, order_ref)
    WHERE status = 'open';
`

// DeliverableSchema belongs to the analysis pipeline. It is created here only
// so a fresh database has something to read from.
const DeliverableSchema = `
CREATE TABLE IF NOT EXISTS store_analyses (
    id BIGSERIAL PRIMARY KEY,
    payment_id VARCHAR(36),
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    analysis_data JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_store_analyses_payment_id ON store_analyses (payment_id);
`

var Migrations = []database.Migration{
	{Version: 1, Name: "create_payments", SQL: PaymentSchema},
	{Version: 2, Name: "create_orders", SQL: OrderSchema},
	{Version: 3, Name: "create_catalog_and_entitlements", SQL: CatalogSchema},
	{Version: 4, Name: "create_escalation_tickets", SQL: TicketSchema},
	{Version: 5, Name: "create_store_analyses", SQL: DeliverableSchema},
}
