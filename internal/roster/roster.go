// Package roster models registry users that are candidates for contact sync.
package roster

import "strings"

// OrgUnitRef is an org-unit membership under the configured identifier scheme.
type OrgUnitRef struct {
	ID   string `json:"id"`
	Code string `json:"code,omitempty"`
	Name string `json:"name,omitempty"`
}

// Record is a read-only registry user. Address fields are nil when absent.
type Record struct {
	ID                string       `json:"id"`
	FirstName         string       `json:"firstName"`
	Surname           string       `json:"surname"`
	PhoneNumber       *string      `json:"phoneNumber,omitempty"`
	Telegram          *string      `json:"telegram,omitempty"`
	WhatsApp          *string      `json:"whatsApp,omitempty"`
	FacebookMessenger *string      `json:"facebookMessenger,omitempty"`
	Twitter           *string      `json:"twitter,omitempty"`
	OrgUnits          []OrgUnitRef `json:"organisationUnits,omitempty"`
}

// Name joins the name parts the way contacts are displayed.
func (r Record) Name() string {
	return strings.TrimSpace(r.FirstName + " " + r.Surname)
}

// Address is a usable messaging address together with its URN scheme.
type Address struct {
	Scheme string
	Value  string
}

// URN renders the address as a contact-hub URN.
func (a Address) URN() string { return a.Scheme + ":" + a.Value }

// Addresses returns every present, non-blank address in a stable order.
func (r Record) Addresses() []Address {
	var out []Address
	add := func(scheme string, v *string) {
		if v == nil {
			return
		}
		s := strings.TrimSpace(*v)
		if s == "" {
			return
		}
		out = append(out, Address{Scheme: scheme, Value: s})
	}
	add("tel", r.PhoneNumber)
	add("telegram", r.Telegram)
	add("whatsapp", r.WhatsApp)
	add("facebook", r.FacebookMessenger)
	add("twitter", r.Twitter)
	return out
}

// IsContactPoint reports whether r has at least one usable messaging address.
func IsContactPoint(r Record) bool {
	return len(r.Addresses()) > 0
}

// PrimaryOrgUnit returns the identifier of the first membership under scheme
// ("ID" or "CODE").
func (r Record) PrimaryOrgUnit(scheme string) (string, bool) {
	if len(r.OrgUnits) == 0 {
		return "", false
	}
	ou := r.OrgUnits[0]
	if strings.EqualFold(scheme, "CODE") {
		return ou.Code, ou.Code != ""
	}
	return ou.ID, ou.ID != ""
}

// Syncable reports whether r should be reconciled into the contact hub.
func Syncable(r Record) bool {
	return IsContactPoint(r) && len(r.OrgUnits) > 0
}
