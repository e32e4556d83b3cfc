package domain

import "time"

// RemoteActor is a cached identity record of a remote actor.
type RemoteActor struct {
	ActorID        string    `json:"actor_id"`
	Username       string    `json:"username,omitempty"`
	InboxURL       string    `json:"inbox_url"`
	SharedInboxURL string    `json:"shared_inbox_url,omitempty"`
	PublicKeyID    string    `json:"public_key_id"`
	PublicKeyPem   string    `json:"public_key_pem"`
	FetchedAt      time.Time `json:"fetched_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Expired reports whether the entry must no longer be served from cache.
func (a *RemoteActor) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Host returns the actor's origin host.
func (a *RemoteActor) Host() string {
	return HostOf(a.ActorID)
}

// Inbox returns the delivery target for the actor.
func (a *RemoteActor) Inbox() Inbox {
	return Inbox{URL: a.InboxURL, SharedURL: a.SharedInboxURL}
}

// Inbox is a recipient inbox with the optional shared inbox of its server.
type Inbox struct {
	URL       string
	SharedURL string
}

// DeliveryURL prefers the shared inbox when the server advertises one.
func (i Inbox) DeliveryURL() string {
	if i.SharedURL != "" {
		return i.SharedURL
	}
	return i.URL
}
