package models

// ConversationSummary is the derived per-partner entry on the main
// message list. It is recomputed wholesale on every relevant store
// notification and never persisted.
type ConversationSummary struct {
	PartnerID   string `json:"partner_id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	LastMessage string `json:"last_message"`
	LastTime    string `json:"last_time"`
	Unread      int    `json:"unread"`
	Online      bool   `json:"online"`
}
