package models

import "time"

// Message is the role-and-content wire format sent to a backend.
type Message struct {
	Role    string `json:"role"` // system, user, or assistant
	Content string `json:"content"`
}

// Chat is the metadata record kept next to a conversation tree.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	Plugin    string    `json:"plugin,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
