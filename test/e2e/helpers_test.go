package e2e_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/plantsync/internal/auth"
	"github.com/alexjbarnes/plantsync/internal/connectivity"
	"github.com/alexjbarnes/plantsync/internal/engine"
	"github.com/alexjbarnes/plantsync/internal/mcpserver"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/alexjbarnes/plantsync/internal/remote"
	"github.com/alexjbarnes/plantsync/internal/server"
	"github.com/alexjbarnes/plantsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testUsername = "alice"
	testPassword = "testpass"
)

// authority is an in-process stand-in for the remote plant sharing
// server. Creates are deduplicated by Idempotency-Key like the real one.
type authority struct {
	up atomic.Bool
	// dropNextResponse stores the next create but answers 500, as if the
	// response was lost on the way back.
	dropNextResponse atomic.Bool

	mu       sync.Mutex
	plants   []map[string]any
	messages []map[string]any
	byKey    map[string]map[string]any
	creates  int
}

func newAuthority() *authority {
	return &authority{byKey: make(map[string]map[string]any)}
}

func (a *authority) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /plants", a.createPlant)
	mux.HandleFunc("GET /plants", func(w http.ResponseWriter, _ *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()

		writeJSON(w, http.StatusOK, map[string]any{"plants": a.plants})
	})
	mux.HandleFunc("POST /chat-messages", a.createMessage)
	mux.HandleFunc("GET /chat-messages/{plantId}", func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		defer a.mu.Unlock()

		out := []map[string]any{}
		for _, m := range a.messages {
			if m["plantId"] == r.PathValue("plantId") {
				out = append(out, m)
			}
		}

		writeJSON(w, http.StatusOK, map[string]any{"messages": out})
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		mux.ServeHTTP(w, r)
	})
}

func (a *authority) createPlant(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.FormValue("name") == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "name is required"})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := r.Header.Get(remote.IdempotencyHeader)
	if existing, ok := a.byKey[key]; ok && key != "" {
		writeJSON(w, http.StatusOK, map[string]any{"plant": existing})
		return
	}

	a.creates++
	plant := map[string]any{
		"_id":         fmt.Sprintf("p-%d", a.creates),
		"name":        r.FormValue("name"),
		"type":        r.FormValue("type"),
		"owner":       r.FormValue("owner"),
		"description": r.FormValue("description"),
		"createdAt":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	a.plants = append(a.plants, plant)
	a.byKey[key] = plant

	if a.dropNextResponse.CompareAndSwap(true, false) {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"plant": plant})
}

func (a *authority) createMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlantID  string `json:"plantId"`
		Author   string `json:"author"`
		Text     string `json:"text"`
		Time     string `json:"time"`
		ClientID string `json:"clientId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := r.Header.Get(remote.IdempotencyHeader)
	if existing, ok := a.byKey[key]; ok && key != "" {
		writeJSON(w, http.StatusOK, map[string]any{"message": existing})
		return
	}

	a.creates++
	msg := map[string]any{
		"_id":      fmt.Sprintf("m-%d", a.creates),
		"plantId":  req.PlantID,
		"username": req.Author,
		"message":  req.Text,
		"chattime": req.Time,
	}
	a.messages = append(a.messages, msg)
	a.byKey[key] = msg

	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (a *authority) plantCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.plants)
}

func (a *authority) messageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.messages)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// harness holds the full e2e test stack: a fake remote authority, the
// engine on a bbolt store, and the basic auth + MCP HTTP surface.
type harness struct {
	URL       string
	Authority *authority
	Engine    *engine.Engine
	Client    *http.Client
}

// newHarness wires the real remote client, connectivity monitor, engine
// and server.NewMux together and starts an httptest server for each side.
// The authority starts down.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	auth0 := newAuthority()
	authSrv := httptest.NewServer(auth0.handler())
	t.Cleanup(authSrv.Close)

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	client := remote.NewClient(authSrv.URL, nil, logger)

	// A tiny cache window so every check sees the authority's current state.
	monitor := connectivity.New(client, connectivity.Config{
		CacheTTL:     time.Nanosecond,
		ProbeTimeout: 2 * time.Second,
	}, logger)

	eng := engine.New(store, monitor, client, engine.Options{User: testUsername}, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "plantsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Users:      auth.UserCredentials{testUsername: string(hash)},
		MCPHandler: mcpHandler,
		State:      eng.Snapshot,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:       ts.URL,
		Authority: auth0,
		Engine:    eng,
		Client:    ts.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with basic
// auth. Uses the MCP SDK's StreamableClientTransport with a custom HTTP
// RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &basicTransport{
				user: testUsername,
				pass: testPassword,
				base: h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// call invokes a tool and decodes its JSON text result into dest when
// dest is non-nil.
func call(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil {
		require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))
		require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), dest))
	}

	return result
}

// doGet performs a GET request with t.Context(), optionally with basic auth.
func (h *harness) doGet(t *testing.T, path string, authed bool) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	if authed {
		req.SetBasicAuth(testUsername, testPassword)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

func plant(name string) models.Plant {
	return models.Plant{Name: name}
}

func blankPlantName(h *harness, localID uint64) error {
	return h.Engine.Store().Update(models.KindPlants, localID, func(rec *models.Record) error {
		rec.Payload.Plant.Name = ""
		return nil
	})
}

// basicTransport is an http.RoundTripper that injects basic auth
// credentials into every request.
type basicTransport struct {
	user string
	pass string
	base http.RoundTripper
}

func (bt *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(bt.user, bt.pass)

	return bt.base.RoundTrip(req)
}
