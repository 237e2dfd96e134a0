package sqlite

import (
	"strings"
)

// buildWhereClause builds the scope filter. Empty ids are left unconstrained, which only
// the archival and count paths rely on.
func buildWhereClause(userID, agentID string) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	if userID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, userID)
	}

	if agentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, agentID)
	}

	if len(conditions) == 0 {
		return "", args
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}
