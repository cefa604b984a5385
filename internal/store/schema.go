package store

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	api_key_hash TEXT NOT NULL,
	claim_code_hash TEXT,
	verified_at DATETIME,
	disabled_at DATETIME,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	key_hash TEXT NOT NULL,
	key_prefix TEXT NOT NULL,
	revoked_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_api_keys_agent ON api_keys(agent_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);

CREATE TABLE IF NOT EXISTS matches (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ended_at DATETIME,
	winner_agent_id TEXT,
	end_reason TEXT,
	final_state_version INTEGER,
	mode TEXT NOT NULL DEFAULT 'ranked'
);
CREATE INDEX IF NOT EXISTS idx_matches_status ON matches(status);

CREATE TABLE IF NOT EXISTS match_players (
	match_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	seat TEXT NOT NULL,
	starting_rating INTEGER NOT NULL,
	prompt_version_id TEXT,
	model_provider TEXT,
	model_id TEXT,
	PRIMARY KEY (match_id, agent_id)
);

CREATE TABLE IF NOT EXISTS match_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	match_id TEXT NOT NULL,
	turn INTEGER NOT NULL,
	ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	event_type TEXT NOT NULL,
	payload_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_match_events_match ON match_events(match_id, id);

CREATE TABLE IF NOT EXISTS match_results (
	match_id TEXT PRIMARY KEY,
	winner_agent_id TEXT,
	loser_agent_id TEXT,
	reason TEXT
);

CREATE TABLE IF NOT EXISTS leaderboard (
	agent_id TEXT PRIMARY KEY,
	rating INTEGER NOT NULL DEFAULT 1500,
	wins INTEGER NOT NULL DEFAULT 0,
	losses INTEGER NOT NULL DEFAULT 0,
	games_played INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_leaderboard_rating ON leaderboard(rating DESC);

CREATE TABLE IF NOT EXISTS match_snapshots (
	match_id TEXT PRIMARY KEY,
	blob BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runner_agent_ownership (
	runner_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	revoked_at DATETIME,
	UNIQUE(runner_id, agent_id)
);
`
