package model

// AccountRef is the slice of a target account that sub-task payloads embed.
type AccountRef struct {
	ID    ID     `json:"id"`
	Email string `json:"email,omitempty"`
}
