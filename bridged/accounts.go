package main

import (
	"sync"
)

// Account is one signed-in identity as reported to peers.
type Account struct {
	ID       string
	Email    string
	Unlocked bool
}

// AccountDirectory tracks signed-in accounts, their lock state, the active
// account, and the per-user personal-ownership policy. Safe for concurrent
// use by peer workers.
type AccountDirectory struct {
	mu       sync.Mutex
	accounts map[string]*Account
	order    []string
	activeID string

	// personalOwnershipForbidden marks users whose organization policy
	// forbids storing credentials in their personal vault.
	personalOwnershipForbidden map[string]bool
}

// NewAccountDirectory creates an empty directory
func NewAccountDirectory() *AccountDirectory {
	return &AccountDirectory{
		accounts:                   make(map[string]*Account),
		personalOwnershipForbidden: make(map[string]bool),
	}
}

// Add signs an account in. The first account added becomes active.
func (d *AccountDirectory) Add(id, email string, unlocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.accounts[id]; !ok {
		d.order = append(d.order, id)
	}
	d.accounts[id] = &Account{ID: id, Email: email, Unlocked: unlocked}
	if d.activeID == "" {
		d.activeID = id
	}
}

// Remove signs an account out
func (d *AccountDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.accounts, id)
	delete(d.personalOwnershipForbidden, id)
	for i, existing := range d.order {
		if existing == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if d.activeID == id {
		d.activeID = ""
		if len(d.order) > 0 {
			d.activeID = d.order[0]
		}
	}
}

// Get returns one account by id
func (d *AccountDirectory) Get(id string) (Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// SignedIn reports whether the id belongs to a signed-in account
func (d *AccountDirectory) SignedIn(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.accounts[id]
	return ok
}

// List returns all signed-in accounts in sign-in order
func (d *AccountDirectory) List() []Account {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Account, 0, len(d.accounts))
	for _, id := range d.order {
		if a, ok := d.accounts[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Active returns the active account, if any
func (d *AccountDirectory) Active() (Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[d.activeID]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// SetActive switches the active account
func (d *AccountDirectory) SetActive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.accounts[id]; !ok {
		return false
	}
	d.activeID = id
	return true
}

// SetUnlocked updates an account's lock state
func (d *AccountDirectory) SetUnlocked(id string, unlocked bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[id]
	if !ok {
		return false
	}
	a.Unlocked = unlocked
	return true
}

// SetPersonalOwnershipForbidden sets the creation policy for one user
func (d *AccountDirectory) SetPersonalOwnershipForbidden(id string, forbidden bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.personalOwnershipForbidden[id] = forbidden
}

// PersonalOwnershipForbidden reports the creation policy for one user
func (d *AccountDirectory) PersonalOwnershipForbidden(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.personalOwnershipForbidden[id]
}
