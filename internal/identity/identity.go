// Package identity derives stable identifiers from user-facing credentials.
//
// The derivation must be byte-identical on every client and on the server:
// two independent clients authenticating as the same email address have to
// address the same logical document space. Any drift here shows up as clients
// that silently stop seeing each other's documents, so there is exactly one
// implementation, imported by both sides.
package identity

import "github.com/google/uuid"

// appID seeds the application namespace. Changing it invalidates every
// previously derived user id.
const appID = "com.replidoc.sync"

// Anonymous is the zero user id: no identity configured yet.
var Anonymous uuid.UUID

// UserID derives the stable user identifier for a credential such as an email
// address. Two-level UUIDv5 hierarchy: DNS namespace -> application namespace
// -> user id.
func UserID(credential string) uuid.UUID {
	ns := uuid.NewSHA1(uuid.NameSpaceDNS, []byte(appID))
	return uuid.NewSHA1(ns, []byte(credential))
}

// NewClientID returns a fresh client instance identifier. Unlike user ids,
// client ids are unique per store instance and never derived.
func NewClientID() uuid.UUID {
	return uuid.New()
}
