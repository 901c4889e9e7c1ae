package model

// Account is an abstract account record (spec.md §3 "Account / Device").
type Account struct {
	ID          string
	Description string
	Active      bool
}

// GetAccountName returns the account's identifier.
func (a *Account) GetAccountName() string { return a.ID }

// GetDescription returns the account's free-text description.
func (a *Account) GetDescription() string { return a.Description }

// IsActive reports whether the account may open new device sessions.
func (a *Account) IsActive() bool { return a.Active }
