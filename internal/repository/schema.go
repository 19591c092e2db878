package repository

// Schema creates the tables read and written by the fulfillment saga.  The
// statements are idempotent so they can run at every start-up.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id CHAR(36) NOT NULL PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		identity_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS houses (
		id CHAR(36) NOT NULL PRIMARY KEY,
		title VARCHAR(255) NOT NULL,
		total_tickets INT NOT NULL,
		ticket_price DECIMAL(12,2) NOT NULL,
		lottery_start_date DATETIME NOT NULL,
		lottery_end_date DATETIME NOT NULL,
		status ENUM('Upcoming','Active','Ended','Cancelled','Drawn') NOT NULL DEFAULT 'Upcoming',
		minimum_participation INT NULL,
		max_participants INT NULL,
		max_tickets_per_user INT NULL,
		requires_identity BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS reservations (
		id CHAR(36) NOT NULL PRIMARY KEY,
		house_id CHAR(36) NOT NULL,
		user_id CHAR(36) NOT NULL,
		quantity INT NOT NULL,
		total_price DECIMAL(12,2) NOT NULL,
		payment_method_id VARCHAR(255) NULL,
		promotion_code VARCHAR(64) NULL,
		discount_amount DECIMAL(12,2) NULL,
		status ENUM('pending','processing','completed','failed','expired') NOT NULL DEFAULT 'pending',
		error_message TEXT NULL,
		payment_transaction_id CHAR(36) NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		processed_at DATETIME NULL,
		KEY idx_reservations_status_expires (status, expires_at),
		CONSTRAINT fk_reservations_house FOREIGN KEY (house_id) REFERENCES houses (id),
		CONSTRAINT fk_reservations_user FOREIGN KEY (user_id) REFERENCES users (id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id CHAR(36) NOT NULL PRIMARY KEY,
		house_id CHAR(36) NOT NULL,
		user_id CHAR(36) NOT NULL,
		reservation_id CHAR(36) NOT NULL,
		ticket_number VARCHAR(32) NOT NULL,
		sequence_number BIGINT NOT NULL,
		purchase_price DECIMAL(12,2) NOT NULL,
		promotion_code VARCHAR(64) NULL,
		discount_amount DECIMAL(12,2) NULL,
		status ENUM('Active','Winner','Refunded','Cancelled') NOT NULL DEFAULT 'Active',
		purchase_date DATETIME NOT NULL,
		payment_transaction_id CHAR(36) NOT NULL,
		UNIQUE KEY uq_tickets_house_number (house_id, ticket_number),
		UNIQUE KEY uq_tickets_house_sequence (house_id, sequence_number),
		KEY idx_tickets_house_user (house_id, user_id),
		KEY idx_tickets_reservation (reservation_id),
		CONSTRAINT fk_tickets_house FOREIGN KEY (house_id) REFERENCES houses (id),
		CONSTRAINT fk_tickets_user FOREIGN KEY (user_id) REFERENCES users (id),
		CONSTRAINT fk_tickets_reservation FOREIGN KEY (reservation_id) REFERENCES reservations (id)
	) ENGINE=InnoDB`,
}
