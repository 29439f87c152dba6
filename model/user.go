package model

// User is a reference to a platform user, as returned by the directory.
// The engine only needs enough to create and display task assignments.
type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles,omitempty"`
	Active bool     `json:"active"`
}
