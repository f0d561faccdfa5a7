package models

// Module is a runnable script published by the backend catalog.
type Module struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Version     int    `json:"version,omitempty"`
	Description string `json:"description"`
}
