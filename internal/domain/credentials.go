// Package domain contains core domain types for the quote broker.
package domain

// Credentials are the provider account credentials supplied at process start.
type Credentials struct {
	Username string
	Password string
}

// Valid returns true if both fields are non-empty.
func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// String never renders the password.
func (c Credentials) String() string {
	return "Credentials{Username: " + c.Username + "}"
}
