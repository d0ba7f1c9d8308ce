package store

import (
	"sort"

	"github.com/Bwesun/Chat/models"
)

// Query describes one document-store read: equality filters on the
// sender, recipient and unread flag, timestamp ordering, and an
// optional result limit. The zero value (via NewQuery) selects every
// message ascending by timestamp.
type Query struct {
	from   *string
	to     *string
	unread *bool
	desc   bool
	limit  int
}

// NewQuery returns an empty query.
func NewQuery() Query { return Query{} }

// From restricts results to messages sent by id.
func (q Query) From(id string) Query {
	q.from = &id
	return q
}

// To restricts results to messages addressed to id.
func (q Query) To(id string) Query {
	q.to = &id
	return q
}

// Unread restricts results to messages whose unread flag equals v.
func (q Query) Unread(v bool) Query {
	q.unread = &v
	return q
}

// Desc orders results descending by timestamp.
func (q Query) Desc() Query {
	q.desc = true
	return q
}

// Limit caps the number of results. Zero means unlimited.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// FromUser returns the sender filter, if set.
func (q Query) FromUser() (string, bool) {
	if q.from == nil {
		return "", false
	}
	return *q.from, true
}

// ToUser returns the recipient filter, if set.
func (q Query) ToUser() (string, bool) {
	if q.to == nil {
		return "", false
	}
	return *q.to, true
}

// UnreadOnly returns the unread filter, if set.
func (q Query) UnreadOnly() (bool, bool) {
	if q.unread == nil {
		return false, false
	}
	return *q.unread, true
}

// Descending reports whether results are ordered newest first.
func (q Query) Descending() bool { return q.desc }

// MaxResults returns the result limit, zero meaning unlimited.
func (q Query) MaxResults() int { return q.limit }

// Matches reports whether m satisfies every filter of q.
func (q Query) Matches(m models.Message) bool {
	if q.from != nil && m.FromUserID != *q.from {
		return false
	}
	if q.to != nil && m.ToUserID != *q.to {
		return false
	}
	if q.unread != nil && m.Unread != *q.unread {
		return false
	}
	return true
}

// Apply filters, orders and limits msgs according to q. The input slice
// is not modified.
func (q Query) Apply(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if q.Matches(m) {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if q.desc {
			return out[j].Before(out[i])
		}
		return out[i].Before(out[j])
	})

	if q.limit > 0 && len(out) > q.limit {
		out = out[:q.limit]
	}
	return out
}
