package model

// GuestID is the identity used when nobody is signed in.
const GuestID = "guest"

// AllPrincipals is the aggregate discriminator used by gateway list calls
// and cache keys that span every principal.
const AllPrincipals = "all"

// Principal is the identity that scopes conversation history and cached
// resources.
type Principal struct {
	ID            string
	Authenticated bool
}

// Guest is the distinguished unauthenticated principal.
var Guest = Principal{ID: GuestID}

// NewPrincipal returns an authenticated principal for id. An empty id yields
// Guest.
func NewPrincipal(id string) Principal {
	if id == "" {
		return Guest
	}
	return Principal{ID: id, Authenticated: true}
}

// IsGuest reports whether p is the unauthenticated guest.
func (p Principal) IsGuest() bool {
	return !p.Authenticated || p.ID == "" || p.ID == GuestID
}

// HistoryKey returns the persisted key holding p's conversation history.
func (p Principal) HistoryKey() string {
	if p.IsGuest() {
		return "history:" + GuestID
	}
	return "history:" + p.ID
}

func (p Principal) String() string {
	if p.IsGuest() {
		return GuestID
	}
	return p.ID
}
