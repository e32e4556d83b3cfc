package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Kind is the closed set of activity types the federation core understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindUpdate
	KindDelete
	KindFollow
	KindAccept
	KindReject
	KindLike
	KindAnnounce
	KindUndo
)

var kindNames = [...]string{
	KindUnknown:  "Unknown",
	KindCreate:   "Create",
	KindUpdate:   "Update",
	KindDelete:   "Delete",
	KindFollow:   "Follow",
	KindAccept:   "Accept",
	KindReject:   "Reject",
	KindLike:     "Like",
	KindAnnounce: "Announce",
	KindUndo:     "Undo",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind maps an ActivityStreams type name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for k := KindCreate; int(k) < len(kindNames); k++ {
		if kindNames[k] == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Kinds lists every known activity kind.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindNames)-1)
	for k := KindCreate; int(k) < len(kindNames); k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Activity is an inbound or outbound ActivityPub message. It is built once,
// either from a received request body or by an outbound builder, and is not
// modified afterwards.
type Activity struct {
	ID                  string
	Kind                Kind
	Actor               string
	Object              json.RawMessage
	Published           time.Time
	RawSignatureHeaders http.Header // inbound only
	Raw                 []byte
}

// ObjectID returns the id of the activity's object, which may be a bare URI
// or an embedded object.
func (a *Activity) ObjectID() string {
	return RefID(a.Object)
}

// ObjectType returns the type of an embedded object, or "" for bare URIs.
func (a *Activity) ObjectType() string {
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return ""
	}
	return obj.Type
}

// ActorHost returns the host part of the activity's actor URI.
func (a *Activity) ActorHost() string {
	return HostOf(a.Actor)
}

// RefID extracts an id from a JSON value that is either a string, an object
// with an "id" field, or an array whose first element is one of those.
func RefID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
		return obj.ID
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return RefID(arr[0])
	}
	return ""
}

// HostOf returns the host of a URI, or "" when it cannot be parsed.
func HostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// NewActivity parses a raw ActivityStreams document.
func NewActivity(raw []byte, signatureHeaders http.Header) (*Activity, error) {
	var doc struct {
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Actor     json.RawMessage `json:"actor"`
		Object    json.RawMessage `json:"object"`
		Published string          `json:"published"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid activity json: %w", err)
	}
	if doc.ID == "" {
		return nil, errors.New("activity has no id")
	}
	kind, ok := ParseKind(doc.Type)
	if !ok {
		return nil, fmt.Errorf("unsupported activity type %q", doc.Type)
	}
	actor := RefID(doc.Actor)
	if actor == "" {
		return nil, errors.New("activity has no actor")
	}
	var published time.Time
	if doc.Published != "" {
		if t, err := time.Parse(time.RFC3339, doc.Published); err == nil {
			published = t
		}
	}
	return &Activity{
		ID:                  doc.ID,
		Kind:                kind,
		Actor:               actor,
		Object:              doc.Object,
		Published:           published,
		RawSignatureHeaders: signatureHeaders,
		Raw:                 raw,
	}, nil
}
