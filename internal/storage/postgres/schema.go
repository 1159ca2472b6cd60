package postgres

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                  TEXT PRIMARY KEY,
	owner               TEXT NOT NULL,
	status              TEXT NOT NULL,
	source_file         TEXT NOT NULL DEFAULT '',
	source_name         TEXT NOT NULL DEFAULT '',
	credential_id       TEXT NOT NULL DEFAULT '',
	dry_run             BOOLEAN NOT NULL DEFAULT FALSE,
	validated           BOOLEAN NOT NULL DEFAULT FALSE,
	total_rows          INTEGER NOT NULL DEFAULT 0,
	processed_rows      INTEGER NOT NULL DEFAULT 0,
	success_count       INTEGER NOT NULL DEFAULT 0,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	reserved_quota      INTEGER NOT NULL DEFAULT 0,
	validation_errors   JSONB NOT NULL DEFAULT '[]',
	validation_warnings JSONB NOT NULL DEFAULT '[]',
	error_message       TEXT NOT NULL DEFAULT '',
	cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
	product_ids         TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL,
	started_at          TIMESTAMPTZ,
	finished_at         TIMESTAMPTZ,
	CHECK (processed_rows <= total_rows),
	CHECK (success_count + failure_count = processed_rows)
);
CREATE INDEX IF NOT EXISTS jobs_owner_created_idx ON jobs (owner, created_at DESC);

CREATE TABLE IF NOT EXISTS product_results (
	id                  TEXT PRIMARY KEY,
	job_id              TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
	row_index           INTEGER NOT NULL,
	product_name        TEXT NOT NULL DEFAULT '',
	success             BOOLEAN NOT NULL,
	external_product_id TEXT NOT NULL DEFAULT '',
	error_message       TEXT NOT NULL DEFAULT '',
	attempts            INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, row_index)
);

CREATE TABLE IF NOT EXISTS crawl_jobs (
	id               TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	status           TEXT NOT NULL,
	target_url       TEXT NOT NULL,
	target_type      TEXT NOT NULL,
	crawl_config     JSONB NOT NULL DEFAULT '{}',
	total_items      INTEGER NOT NULL DEFAULT 0,
	crawled_items    INTEGER NOT NULL DEFAULT 0,
	success_count    INTEGER NOT NULL DEFAULT 0,
	failure_count    INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	CHECK (crawled_items <= total_items),
	CHECK (success_count + failure_count = crawled_items)
);
CREATE INDEX IF NOT EXISTS crawl_jobs_owner_status_idx ON crawl_jobs (owner, status);

CREATE TABLE IF NOT EXISTS crawled_products (
	id                    TEXT PRIMARY KEY,
	crawl_job_id          TEXT NOT NULL REFERENCES crawl_jobs (id) ON DELETE CASCADE,
	owner                 TEXT NOT NULL,
	original_title        TEXT NOT NULL,
	original_price        BIGINT NOT NULL,
	original_currency     TEXT NOT NULL,
	original_images       TEXT[] NOT NULL DEFAULT '{}',
	original_url          TEXT NOT NULL,
	product_name          TEXT NOT NULL,
	sale_price            BIGINT NOT NULL,
	category_id           TEXT NOT NULL DEFAULT '',
	stock_quantity        INTEGER NOT NULL DEFAULT 0,
	is_registered         BOOLEAN NOT NULL DEFAULT FALSE,
	registered_product_id TEXT NOT NULL DEFAULT '',
	crawled_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL,
	CHECK (NOT is_registered OR registered_product_id <> '')
);
CREATE INDEX IF NOT EXISTS crawled_products_owner_idx ON crawled_products (owner, crawled_at DESC);

CREATE TABLE IF NOT EXISTS subscriptions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL UNIQUE,
	plan_name       TEXT NOT NULL,
	status          TEXT NOT NULL,
	billing_cycle   TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL,
	ends_at         TIMESTAMPTZ,
	auto_renew      BOOLEAN NOT NULL DEFAULT FALSE,
	last_payment_at TIMESTAMPTZ,
	last_payment_id TEXT NOT NULL DEFAULT '',
	usage_reset_at  TIMESTAMPTZ NOT NULL,
	usage           JSONB NOT NULL DEFAULT '{}',
	notified        JSONB NOT NULL DEFAULT '{}'
);

ALTER TABLE subscriptions ADD COLUMN IF NOT EXISTS last_payment_id TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS payments (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	subscription_id    TEXT NOT NULL DEFAULT '',
	gateway_payment_id TEXT NOT NULL DEFAULT '',
	order_id           TEXT NOT NULL,
	amount             BIGINT NOT NULL,
	currency           TEXT NOT NULL,
	status             TEXT NOT NULL,
	plan_name          TEXT NOT NULL,
	billing_cycle      TEXT NOT NULL,
	method             TEXT NOT NULL DEFAULT '',
	failure_code       TEXT NOT NULL DEFAULT '',
	result_message     TEXT NOT NULL DEFAULT '',
	gateway_response   JSONB,
	refund_reason      TEXT NOT NULL DEFAULT '',
	refunded_at        TIMESTAMPTZ,
	paid_at            TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS payments_live_order_idx ON payments (order_id) WHERE status <> 'cancelled';
CREATE UNIQUE INDEX IF NOT EXISTS payments_settled_gateway_idx ON payments (gateway_payment_id)
	WHERE status IN ('paid', 'refunded');
CREATE INDEX IF NOT EXISTS payments_user_created_idx ON payments (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS crawl_schedules (
	id            TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	name          TEXT NOT NULL,
	target_url    TEXT NOT NULL,
	target_type   TEXT NOT NULL,
	crawl_config  JSONB NOT NULL DEFAULT '{}',
	frequency     TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	total_runs    INTEGER NOT NULL DEFAULT 0,
	last_crawl_id TEXT NOT NULL DEFAULT '',
	last_error    TEXT NOT NULL DEFAULT '',
	last_run_at   TIMESTAMPTZ,
	next_run_at   TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_schedules_due_idx ON crawl_schedules (next_run_at) WHERE is_active;
CREATE INDEX IF NOT EXISTS crawl_schedules_owner_idx ON crawl_schedules (owner, created_at DESC);

CREATE TABLE IF NOT EXISTS price_history (
	id                   TEXT PRIMARY KEY,
	owner                TEXT NOT NULL,
	source_url           TEXT NOT NULL,
	product_id           TEXT NOT NULL DEFAULT '',
	price                BIGINT NOT NULL,
	currency             TEXT NOT NULL DEFAULT '',
	price_change         BIGINT NOT NULL DEFAULT 0,
	price_change_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
	checked_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS price_history_listing_idx ON price_history (owner, source_url, checked_at DESC);

CREATE TABLE IF NOT EXISTS price_alerts (
	id               TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	product_id       TEXT NOT NULL,
	source_url       TEXT NOT NULL,
	alert_type       TEXT NOT NULL,
	target_price     BIGINT NOT NULL DEFAULT 0,
	change_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	triggered_at     TIMESTAMPTZ,
	triggered_price  BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS price_alerts_listing_idx ON price_alerts (owner, source_url) WHERE is_active;

CREATE TABLE IF NOT EXISTS credentials (
	id            TEXT PRIMARY KEY,
	owner         TEXT NOT NULL,
	name          TEXT NOT NULL,
	client_id     TEXT NOT NULL,
	client_secret TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
`
