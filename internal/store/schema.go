package store

const (
	policiesSchema = `
		CREATE TABLE IF NOT EXISTS policies (
			position INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			tool_patterns TEXT NOT NULL,
			action TEXT NOT NULL CHECK(action IN ('allow', 'deny', 'ask')),
			granularity TEXT NOT NULL CHECK(granularity IN ('per_call', 'per_session')),
			risk_level TEXT NOT NULL CHECK(risk_level IN ('low', 'medium', 'high')),
			enabled INTEGER NOT NULL
		)`

	grantsSchema = `
		CREATE TABLE IF NOT EXISTS grants (
			session_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('approved')),
			request_id TEXT NOT NULL,
			resolved_by TEXT NOT NULL,
			resolved_at TEXT NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (session_id, policy_id)
		)`

	auditSchema = `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('evaluation', 'resolution')),
			policy_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL
		)`

	triggerPreventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_update
		BEFORE UPDATE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on audit_log');
		END`

	triggerPreventDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_delete
		BEFORE DELETE ON audit_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on audit_log');
		END`

	indexAuditSession = `
		CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id, id DESC)`
)

func schemaStatements() []string {
	return []string{
		policiesSchema,
		grantsSchema,
		auditSchema,
		triggerPreventUpdate,
		triggerPreventDelete,
		indexAuditSession,
	}
}
