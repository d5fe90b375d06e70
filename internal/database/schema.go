package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    external_id VARCHAR(128) NOT NULL UNIQUE,
    email VARCHAR(255),
    plan VARCHAR(16) NOT NULL DEFAULT 'freemium',
    balance INT NOT NULL DEFAULT 0,
    plan_limit INT NOT NULL DEFAULT 0,
    onboarding_completed TINYINT(1) NOT NULL DEFAULT 0,
    bonus_claimed TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS credit_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    delta INT NOT NULL,
    balance_after INT NOT NULL,
    reason VARCHAR(64) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS generation_history (
    id CHAR(36) PRIMARY KEY,
    account_id BIGINT NOT NULL,
    kind VARCHAR(16) NOT NULL,
    action VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    content MEDIUMTEXT,
    blob_url VARCHAR(1024),
    cost INT NOT NULL,
    job_id CHAR(36),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_history_account (account_id, created_at),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS payments (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    account_id BIGINT NOT NULL,
    pack VARCHAR(64) NOT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL,
    credits INT NOT NULL,
    amount INT NOT NULL,
    currency VARCHAR(8) NOT NULL,
    status VARCHAR(16) NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_charge (provider, provider_charge_id),
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);
`
