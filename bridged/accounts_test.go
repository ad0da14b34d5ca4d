package main

import "testing"

func TestAccountDirectory_FirstAddedIsActive(t *testing.T) {
	d := NewAccountDirectory()
	d.Add("user-1", "alice@example.com", true)
	d.Add("user-2", "bob@example.com", false)

	active, ok := d.Active()
	if !ok || active.ID != "user-1" {
		t.Errorf("Expected user-1 active, got %+v", active)
	}

	if !d.SetActive("user-2") {
		t.Fatal("SetActive failed for a signed-in user")
	}
	if active, _ := d.Active(); active.ID != "user-2" {
		t.Errorf("Expected user-2 active, got %+v", active)
	}
	if d.SetActive("missing") {
		t.Error("SetActive must fail for unknown users")
	}
}

func TestAccountDirectory_RemovePromotesNextAccount(t *testing.T) {
	d := NewAccountDirectory()
	d.Add("user-1", "alice@example.com", true)
	d.Add("user-2", "bob@example.com", false)

	d.Remove("user-1")

	if d.SignedIn("user-1") {
		t.Error("Removed account still signed in")
	}
	active, ok := d.Active()
	if !ok || active.ID != "user-2" {
		t.Errorf("Expected user-2 promoted to active, got %+v", active)
	}
}

func TestAccountDirectory_LockState(t *testing.T) {
	d := NewAccountDirectory()
	d.Add("user-1", "alice@example.com", false)

	if a, _ := d.Get("user-1"); a.Unlocked {
		t.Error("Expected locked initially")
	}
	if !d.SetUnlocked("user-1", true) {
		t.Fatal("SetUnlocked failed")
	}
	if a, _ := d.Get("user-1"); !a.Unlocked {
		t.Error("Expected unlocked after SetUnlocked")
	}
	if d.SetUnlocked("missing", true) {
		t.Error("SetUnlocked must fail for unknown users")
	}
}

func TestAccountDirectory_OwnershipPolicy(t *testing.T) {
	d := NewAccountDirectory()
	d.Add("user-1", "alice@example.com", true)

	if d.PersonalOwnershipForbidden("user-1") {
		t.Error("Policy must default to permitted")
	}
	d.SetPersonalOwnershipForbidden("user-1", true)
	if !d.PersonalOwnershipForbidden("user-1") {
		t.Error("Expected policy flag set")
	}
}
