package activitypub

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/kv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	localDomain = "a.example"
	aliceID     = "https://a.example/users/alice"
	bobID       = "https://b.example/users/bob"
	bobKeyID    = bobID + "#main-key"
	carolID     = "https://c.example/users/carol"
	carolKeyID  = carolID + "#main-key"
)

// RSA key generation is slow, so the tests share a few keys.
var (
	testKeyA = sync.OnceValue(func() *rsa.PrivateKey { return mustKey() })
	testKeyB = sync.OnceValue(func() *rsa.PrivateKey { return mustKey() })
)

func mustKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

func publicPem(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// actorDoc renders an actor document the way Mastodon serves it.
func actorDoc(t *testing.T, id string, key *rsa.PrivateKey, sharedInbox string) []byte {
	t.Helper()
	doc := map[string]any{
		"@context":          []string{"https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"},
		"id":                id,
		"type":              "Person",
		"preferredUsername": path.Base(id),
		"inbox":             id + "/inbox",
		"publicKey": map[string]string{
			"id":           id + "#main-key",
			"owner":        id,
			"publicKeyPem": publicPem(t, key),
		},
	}
	if sharedInbox != "" {
		doc["endpoints"] = map[string]string{"sharedInbox": sharedInbox}
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

type postedRequest struct {
	URL    string
	Header http.Header
	Body   []byte
}

// fakeTransport serves actor documents from memory and records posts.
type fakeTransport struct {
	mu       sync.Mutex
	docs     map[string][]byte
	statuses map[string]int
	getErr   error
	gets     map[string]int
	gate     chan struct{}

	posts      []postedRequest
	postStatus int
	postErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		docs:       make(map[string][]byte),
		statuses:   make(map[string]int),
		gets:       make(map[string]int),
		postStatus: http.StatusAccepted,
	}
}

func (f *fakeTransport) serve(id string, doc []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = doc
	delete(f.statuses, id)
}

func (f *fakeTransport) fail(id string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
}

func (f *fakeTransport) getCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

func (f *fakeTransport) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeTransport) Get(ctx context.Context, url string, _ http.Header) (*Response, error) {
	f.mu.Lock()
	f.gets[url]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if status, ok := f.statuses[url]; ok {
		return &Response{StatusCode: status}, nil
	}
	doc, ok := f.docs[url]
	if !ok {
		return &Response{StatusCode: http.StatusNotFound}, nil
	}
	return &Response{StatusCode: http.StatusOK, Body: doc}, nil
}

func (f *fakeTransport) Post(_ context.Context, url string, header http.Header, body []byte) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, postedRequest{URL: url, Header: header.Clone(), Body: body})
	if f.postErr != nil {
		return nil, f.postErr
	}
	return &Response{StatusCode: f.postStatus, Body: []byte("nope")}, nil
}

// signedRequest returns the server side view of a request signed by keyID.
func signedRequest(t *testing.T, key *rsa.PrivateKey, keyID, target string, body []byte) *http.Request {
	t.Helper()
	out, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	require.NoError(t, err)
	out.Header.Set("Content-Type", ContentTypeActivity)
	require.NoError(t, SignRequest(out, key, keyID, body))

	in := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	in.Header = out.Header.Clone()
	return in
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newMemoryStore(t *testing.T) *kv.MemoryStore {
	t.Helper()
	store, err := kv.NewMemoryStore(1000)
	require.NoError(t, err)
	return store
}

func newTestDirectory(t *testing.T, transport Transport) *ActorDirectory {
	t.Helper()
	return NewActorDirectory(newMemoryStore(t), transport, DirectoryConfig{
		TTL:          24 * time.Hour,
		NegativeTTL:  5 * time.Minute,
		FetchTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t), nil)
}

// newTestDB opens an in-memory database with the local account alice.
func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:", localDomain, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	_, err = database.CreateAccount(context.Background(), "alice", "Alice", false)
	require.NoError(t, err)
	return database
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(_ context.Context, ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]domain.EventType, len(l.events))
	for i, ev := range l.events {
		types[i] = ev.Type
	}
	return types
}

// failingStore is a kv.Store whose every call fails.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Del(context.Context, string) error { return errStoreDown }
