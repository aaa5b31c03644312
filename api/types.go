package api

import "collab-service/domain"

// Identity is the authenticated caller extracted from a bearer token.
type Identity struct {
	UserID string
	Name   string
}

// Authenticator validates Authorization headers and resolves the caller.
type Authenticator interface {
	IdentityFromAuthHeader(header string) (Identity, error)
}

type presenceBody struct {
	UserName     *string        `json:"userName"`
	AvatarURL    *string        `json:"avatarUrl"`
	Status       *string        `json:"status"`
	Cursor       *domain.Cursor `json:"cursor"`
	ActiveTaskID *string        `json:"activeTaskId"`
}

type cursorBody struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type dragBody struct {
	TaskID  string `json:"taskId"`
	From    string `json:"from"`
	To      string `json:"to"`
	Preview *bool  `json:"preview"`
}

type moveBody struct {
	TaskID string `json:"taskId"`
	To     string `json:"to"`
}

type resolveBody struct {
	TaskID     string `json:"taskId"`
	Resolution string `json:"resolution"`
}
