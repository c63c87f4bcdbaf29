package model

import "time"

// Credential holds an argon2id hash in PHC form:
// argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>.
type Credential struct {
	Hash string `json:"hash"`
}

type APIToken struct {
	ID      string     `json:"id"`
	Secret  string     `json:"secret"`
	Name    string     `json:"name,omitempty"`
	Created time.Time  `json:"created"`
	Expires *time.Time `json:"expires,omitempty"`
}

// Tenant is one isolated storage namespace. ID doubles as the storage
// subdirectory name and changes on rename; UID never changes.
type Tenant struct {
	ID            string         `json:"id"`
	UID           string         `json:"uid"`
	Public        bool           `json:"public"`
	AdminDevice   string         `json:"adminDevice,omitempty"`
	Credential    *Credential    `json:"credential,omitempty"`
	PermanentCode string         `json:"permanentCode,omitempty"`
	APITokens     []APIToken     `json:"apiTokens,omitempty"`
	Prefs         map[string]any `json:"prefs,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type DeviceBinding struct {
	DeviceID string    `json:"deviceId"`
	TenantID string    `json:"tenantId"`
	BoundAt  time.Time `json:"boundAt"`
}

type PairingKind string

const (
	PairingLogin    PairingKind = "login"
	PairingTransfer PairingKind = "transfer"
)

// PairingEntry is the value stored under a pairing or claim token. Once
// Authenticated is set, TenantUID is set too and it never goes back.
// ClaimID reserves a login entry for the one claimer allowed to finish it.
type PairingEntry struct {
	Kind          PairingKind `json:"kind"`
	Authenticated bool        `json:"authenticated"`
	ClaimID       string      `json:"claimId,omitempty"`
	TenantID      string      `json:"tenantId,omitempty"`
	TenantUID     string      `json:"tenantUid,omitempty"`
	DeviceID      string      `json:"deviceId,omitempty"`
	NumericCode   string      `json:"numericCode,omitempty"`
	IssuedBy      string      `json:"issuedBy,omitempty"`
}

// Session is what a browser carries in its signed session cookie.
// AccessOK lists private tenants unlocked during this session.
type Session struct {
	TenantID string   `json:"tid,omitempty"`
	DeviceID string   `json:"did,omitempty"`
	AccessOK []string `json:"aok,omitempty"`
}

func (s Session) Unlocked(tenantID string) bool {
	for _, id := range s.AccessOK {
		if id == tenantID {
			return true
		}
	}
	return false
}

// WithUnlocked returns a copy of s with tenantID added to AccessOK.
func (s Session) WithUnlocked(tenantID string) Session {
	if s.Unlocked(tenantID) {
		return s
	}
	out := s
	out.AccessOK = append(append([]string(nil), s.AccessOK...), tenantID)
	return out
}
