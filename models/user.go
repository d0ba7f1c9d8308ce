package models

// PlaceholderName is shown for a partner whose profile failed to load.
// A partner with message history must always appear in the conversation
// list, so missing profile data never removes an entry.
const PlaceholderName = "Unknown"

// UserProfile is a user-directory record. The directory is owned by the
// backend; this client reads it and never writes it.
type UserProfile struct {
	ID        string `json:"id"`
	FirstName string `json:"firstname"`
	Surname   string `json:"surname"`
	Email     string `json:"email,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Online    bool   `json:"online,omitempty"`
}

// DisplayName joins the name parts, falling back to PlaceholderName.
func (p UserProfile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.Surname != "":
		return p.FirstName + " " + p.Surname
	case p.FirstName != "":
		return p.FirstName
	case p.Surname != "":
		return p.Surname
	}
	return PlaceholderName
}
