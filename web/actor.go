package web

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/fedcore/domain"
)

type action uint

const (
	id action = iota
	inbox
	outbox
	followers
	following
	sharedInbox
)

func getIRI(domain string, username string, action action) string {
	prefix := fmt.Sprintf("https://%s/users/%s", domain, username)
	switch action {
	case inbox:
		return prefix + "/inbox"
	case outbox:
		return prefix + "/outbox"
	case followers:
		return prefix + "/followers"
	case following:
		return prefix + "/following"
	case id:
		return prefix
	case sharedInbox:
		return fmt.Sprintf("https://%s/inbox", domain)
	default:
		return ""
	}
}

type publicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type actorDocument struct {
	Context                   []string          `json:"@context"`
	ID                        string            `json:"id"`
	Type                      string            `json:"type"`
	PreferredUsername         string            `json:"preferredUsername"`
	Name                      string            `json:"name"`
	Summary                   string            `json:"summary"`
	Inbox                     string            `json:"inbox"`
	Outbox                    string            `json:"outbox"`
	Followers                 string            `json:"followers"`
	Following                 string            `json:"following"`
	URL                       string            `json:"url"`
	ManuallyApprovesFollowers bool              `json:"manuallyApprovesFollowers"`
	Discoverable              bool              `json:"discoverable"`
	Endpoints                 map[string]string `json:"endpoints"`
	PublicKey                 publicKey         `json:"publicKey"`
}

// GetActor renders the actor document remote servers fetch to verify our
// signatures and find our inboxes.
func GetActor(ctx context.Context, accounts AccountStore, username, domainName string) ([]byte, error) {
	acc, err := accounts.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return json.Marshal(newActorDocument(acc, domainName))
}

func newActorDocument(acc *domain.Account, domainName string) actorDocument {
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}
	self := getIRI(domainName, acc.Username, id)
	return actorDocument{
		Context:                   []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		ID:                        self,
		Type:                      "Person",
		PreferredUsername:         acc.Username,
		Name:                      displayName,
		Summary:                   acc.Summary,
		Inbox:                     getIRI(domainName, acc.Username, inbox),
		Outbox:                    getIRI(domainName, acc.Username, outbox),
		Followers:                 getIRI(domainName, acc.Username, followers),
		Following:                 getIRI(domainName, acc.Username, following),
		URL:                       self,
		ManuallyApprovesFollowers: acc.ManuallyApprovesFollowers,
		Discoverable:              true,
		Endpoints:                 map[string]string{"sharedInbox": getIRI(domainName, acc.Username, sharedInbox)},
		PublicKey: publicKey{
			ID:           acc.KeyID(domainName),
			Owner:        self,
			PublicKeyPem: acc.WebPublicKey,
		},
	}
}
