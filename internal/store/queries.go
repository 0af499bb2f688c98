package store

const (
	querySelectPolicies = `
		SELECT id, name, description, tool_patterns, action, granularity, risk_level, enabled
		FROM policies
		ORDER BY position ASC`

	queryDeletePolicies = `DELETE FROM policies`

	queryInsertPolicy = `
		INSERT INTO policies (position, id, name, description, tool_patterns, action, granularity, risk_level, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectGrant = `
		SELECT session_id, policy_id, status, request_id, resolved_by, resolved_at, expires_at
		FROM grants
		WHERE session_id = ? AND policy_id = ?`

	queryUpsertGrant = `
		INSERT INTO grants (session_id, policy_id, status, request_id, resolved_by, resolved_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, policy_id) DO UPDATE SET
			status = excluded.status,
			request_id = excluded.request_id,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at,
			expires_at = excluded.expires_at`

	queryInsertEntry = `
		INSERT INTO audit_log (timestamp, kind, policy_id, tool_name, agent_id, platform, user_id, session_id, channel_id, request_id, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectEntries = `
		SELECT id, timestamp, kind, policy_id, tool_name, agent_id, platform, user_id, session_id, channel_id, request_id, outcome, reason
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?`

	querySelectEntriesBySession = `
		SELECT id, timestamp, kind, policy_id, tool_name, agent_id, platform, user_id, session_id, channel_id, request_id, outcome, reason
		FROM audit_log
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`

	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)
