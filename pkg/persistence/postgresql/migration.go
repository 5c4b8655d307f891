package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE runs (
				id VARCHAR(255) PRIMARY KEY,
				routine_version_id VARCHAR(255) NOT NULL,
				swarm_id VARCHAR(255),
				status VARCHAR(50) NOT NULL,
				error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_runs_swarm_id ON runs(swarm_id);
			CREATE INDEX idx_runs_status ON runs(status);

			CREATE TABLE run_contexts (
				run_id VARCHAR(255) PRIMARY KEY,
				swarm_id VARCHAR(255),
				state VARCHAR(50) NOT NULL,
				context JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_run_contexts_state ON run_contexts(state);
		`,
		2: `
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) PRIMARY KEY,
				routine_id VARCHAR(255) NOT NULL,
				name VARCHAR(255) NOT NULL DEFAULT '',
				version VARCHAR(50) NOT NULL DEFAULT '',
				definition JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_definitions_routine_id ON workflow_definitions(routine_id);

			CREATE TABLE chat_configs (
				chat_id VARCHAR(255) PRIMARY KEY,
				config JSONB NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);
		`,
	}
}
