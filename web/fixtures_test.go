package web

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/kv"
	"github.com/deemkeen/fedcore/util"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

const (
	testDomain = "a.example"
	aliceID    = "https://a.example/users/alice"
	bobID      = "https://b.example/users/bob"
	adminToken = "s3cret"
)

var bobKey = sync.OnceValues(func() (*rsa.PrivateKey, string) {
	pair, err := util.GeneratePemKeypair()
	if err != nil {
		panic(err)
	}
	key, err := util.ParsePrivateKeyPem(pair.Private)
	if err != nil {
		panic(err)
	}
	return key, pair.Public
})

// actorTransport serves bob's actor document.
type actorTransport struct{}

func (actorTransport) Get(_ context.Context, url string, _ http.Header) (*activitypub.Response, error) {
	if url != bobID {
		return &activitypub.Response{StatusCode: http.StatusNotFound}, nil
	}
	_, pub := bobKey()
	doc, _ := json.Marshal(map[string]any{
		"id":    bobID,
		"type":  "Person",
		"inbox": bobID + "/inbox",
		"publicKey": map[string]string{
			"id":           bobID + "#main-key",
			"owner":        bobID,
			"publicKeyPem": pub,
		},
	})
	return &activitypub.Response{StatusCode: http.StatusOK, Body: doc}, nil
}

func (actorTransport) Post(context.Context, string, http.Header, []byte) (*activitypub.Response, error) {
	return &activitypub.Response{StatusCode: http.StatusAccepted}, nil
}

type testServer struct {
	router *gin.Engine
	db     *db.DB
	queue  *fakeQueue
}

func newTestConf() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.Domain = testDomain
	conf.Conf.MaxBodyBytes = 1 << 20
	conf.Conf.AdminToken = adminToken
	return conf
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	database, err := db.Open(":memory:", testDomain, logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if _, err := database.CreateAccount(context.Background(), "alice", "Alice", false); err != nil {
		t.Fatalf("Failed to create account: %v", err)
	}

	store, err := kv.NewMemoryStore(100)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	reg := prometheus.NewRegistry()
	metrics := activitypub.NewMetrics(reg)
	directory := activitypub.NewActorDirectory(store, actorTransport{}, activitypub.DirectoryConfig{
		TTL: time.Hour, NegativeTTL: time.Minute, FetchTimeout: time.Second,
	}, logger, metrics)
	handlers := activitypub.NewHandlers(database, database, directory, nil, nil, activitypub.HandlersConfig{}, logger)
	processor := activitypub.NewInboxProcessor(
		activitypub.NewVerifier(directory, 12*time.Hour, logger, metrics),
		activitypub.NewReplayGuard(store, 48*time.Hour),
		activitypub.NewRateLimiter(store, time.Minute, 300, logger, metrics),
		handlers,
		activitypub.InboxConfig{Deadline: 5 * time.Second, MaxBodyBytes: 1 << 20},
		logger, metrics)

	s := &testServer{db: database, queue: &fakeQueue{}}
	s.router = NewRouter(Deps{
		Conf:     newTestConf(),
		Inbox:    processor,
		Accounts: database,
		Follows:  database,
		Usage:    database,
		Queue:    s.queue,
		Gatherer: reg,
		Logger:   logger,
	})
	return s
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// signedPost builds an inbox POST signed with bob's key.
func signedPost(t *testing.T, target string, body []byte) *http.Request {
	t.Helper()
	key, _ := bobKey()
	out, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if err := activitypub.SignRequest(out, key, bobID+"#main-key", body); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	in := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	in.Header = out.Header.Clone()
	in.Header.Set("Content-Type", activitypub.ContentTypeActivity)
	return in
}
