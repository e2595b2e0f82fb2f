package postgres

// migrations returns the versioned schema for the consumer spec store.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS consumer_specs (
				id TEXT PRIMARY KEY,
				broker_host TEXT NOT NULL,
				broker_port INTEGER NOT NULL,
				topic TEXT NOT NULL,
				group_id TEXT NOT NULL,
				client_id TEXT NOT NULL DEFAULT '',
				auto_start BOOLEAN NOT NULL DEFAULT FALSE,
				processors JSONB NOT NULL DEFAULT '[]',
				status TEXT NOT NULL DEFAULT 'INACTIVE',
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_consumer_specs_group_id ON consumer_specs (group_id);
			CREATE INDEX IF NOT EXISTS idx_consumer_specs_status ON consumer_specs (status);
		`,
	}
}
