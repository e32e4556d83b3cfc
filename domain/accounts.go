package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local identity that can sign outbound activities and receive
// inbound ones.
type Account struct {
	Id                        uuid.UUID
	Username                  string
	DisplayName               string
	Summary                   string
	WebPublicKey              string
	WebPrivateKey             string
	ManuallyApprovesFollowers bool
	CreatedAt                 time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tDisplayName: %s \n\tCREATED_AT: %s)", acc.Id, acc.Username, acc.DisplayName, acc.CreatedAt)
}

// ActorURI returns the account's actor id on the given domain.
func (acc *Account) ActorURI(domain string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, acc.Username)
}

// KeyID returns the id of the account's public key.
func (acc *Account) KeyID(domain string) string {
	return acc.ActorURI(domain) + "#main-key"
}

// InboxURI returns the account's personal inbox.
func (acc *Account) InboxURI(domain string) string {
	return acc.ActorURI(domain) + "/inbox"
}
