package store

import "strings"

// SearchMessages performs a substring search on message bodies,
// optionally restricted to one chat. Newest matches first.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT msg_id, chat_id, body, from_me, status, encrypted, timestamp
		FROM messages
		WHERE body LIKE ? ESCAPE '\'`

	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.MsgID, &r.Message.ChatID, &r.Message.Body,
			&r.Message.FromMe, &r.Message.Status, &r.Message.Encrypted,
			&r.Message.Timestamp,
		); err != nil {
			return nil, err
		}
		r.Snippet = snippet(r.Message.Body, query, 32)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match in body with << >> and trims the
// surrounding context to at most pad runes on each side.
func snippet(body, query string, pad int) string {
	lower := strings.ToLower(body)
	idx := strings.Index(lower, strings.ToLower(query))
	if idx < 0 {
		if len(body) > 2*pad {
			return body[:2*pad] + "..."
		}
		return body
	}
	end := idx + len(query)
	start := idx - pad
	prefix := ""
	if start > 0 {
		prefix = "..."
	} else {
		start = 0
	}
	stop := end + pad
	suffix := ""
	if stop < len(body) {
		suffix = "..."
	} else {
		stop = len(body)
	}
	return prefix + body[start:idx] + "<<" + body[idx:end] + ">>" + body[end:stop] + suffix
}
