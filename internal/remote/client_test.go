package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
	"github.com/alexjbarnes/plantsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	return &Client{
		httpClient: srv.Client(),
		baseURL:    srv.URL,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func plantRec(key string) models.Record {
	return models.Record{
		LocalID:        1,
		Kind:           models.KindPlants,
		IdempotencyKey: key,
		Payload: models.Payload{Plant: &models.Plant{
			Name:        "Fern A",
			Owner:       "alice",
			Category:    "fern",
			Description: "leafy",
		}},
	}
}

func chatRec(key string) models.Record {
	return models.Record{
		LocalID:        2,
		Kind:           models.KindChatMessages,
		IdempotencyKey: key,
		Payload: models.Payload{Chat: &models.ChatMessage{
			PlantID: "p1",
			Author:  "alice",
			Text:    "hello",
			Time:    time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		}},
	}
}

// --- Health ---

func TestHealth_ReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "no-cache", r.Header.Get("Cache-Control"))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	code, err := newTestClient(srv).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealth_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	_, err := c.Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNetworkUnreachable)
	assert.NotErrorIs(t, err, apperr.ErrTimeout)
}

func TestHealth_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv).Health(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	assert.ErrorIs(t, err, apperr.ErrNetworkUnreachable, "a timeout is handled like a dropped connection")
}

// --- status classification ---

func TestDo_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		want      error
		transient bool
	}{
		{http.StatusBadRequest, apperr.ErrRemoteRejected, false},
		{http.StatusUnprocessableEntity, apperr.ErrRemoteRejected, false},
		{http.StatusConflict, apperr.ErrRemoteRejected, false},
		{http.StatusRequestTimeout, apperr.ErrTimeout, true},
		{http.StatusTooManyRequests, apperr.ErrRemoteServerError, true},
		{http.StatusInternalServerError, apperr.ErrRemoteServerError, true},
		{http.StatusBadGateway, apperr.ErrRemoteServerError, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			_, err := newTestClient(srv).Upload(context.Background(), plantRec("k"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.transient, apperr.IsTransient(err))

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Status)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "bad?line", sanitizeResponseBody([]byte("bad\nline")))
	assert.Equal(t, "a\tb", sanitizeResponseBody([]byte("a\tb")))
	assert.Equal(t, "x?y", sanitizeResponseBody([]byte{'x', 0xff, 'y'}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("a", 1000))), 256)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://plants.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://plants.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = orig
	}

	assert.Error(t, sameHostRedirectPolicy(same, via))
}

// --- plants ---

func TestCreatePlant_Multipart(t *testing.T) {
	photo := filepath.Join(t.TempDir(), "fern.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpegbytes"), 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/plants", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get(IdempotencyHeader))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Fern A", r.FormValue("name"))
		assert.Equal(t, "fern", r.FormValue("type"))
		assert.Equal(t, "leafy", r.FormValue("description"))
		assert.Equal(t, "alice", r.FormValue("owner"))
		assert.Equal(t, "key-1", r.FormValue("clientId"))

		f, hdr, err := r.FormFile("photo")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "fern.jpg", hdr.Filename)
		assert.Equal(t, "jpegbytes", string(data))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"plant":{"_id":"srv-1","name":"Fern A"}}`))
	}))
	defer srv.Close()

	rec := plantRec("key-1")
	rec.Payload.Plant.PhotoRef = photo

	id, err := newTestClient(srv).CreatePlant(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)
}

func TestCreatePlant_MissingPhotoIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not be sent")
	}))
	defer srv.Close()

	rec := plantRec("k")
	rec.Payload.Plant.PhotoRef = filepath.Join(t.TempDir(), "gone.jpg")

	_, err := newTestClient(srv).CreatePlant(context.Background(), rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
	assert.False(t, apperr.IsTransient(err))
}

func TestCreatePlant_ResponseWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).CreatePlant(context.Background(), plantRec("k"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemoteServerError)
}

func TestListPlants_NormalizesFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plants", r.URL.Path)
		assert.Equal(t, "name", r.URL.Query().Get("sortBy"))
		assert.Equal(t, "desc", r.URL.Query().Get("order"))
		assert.Equal(t, "2026-01-02T03:04:05Z", r.URL.Query().Get("since"))
		w.Write([]byte(`{"plants":[
			{"_id":"a","name":"Fern A","owner":"alice","type":"fern","createdAt":"2026-01-05T00:00:00Z"},
			{"id":7,"name":"Cactus","username":"bob","category":"succulent","created_at":1767225600000},
			{"name":"no id"}
		]}`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).ListPlants(context.Background(), ListOptions{
		SortBy: "name",
		Order:  "desc",
		Since:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, recs, 2, "item without id dropped")

	assert.Equal(t, "a", recs[0].ServerID)
	assert.Equal(t, models.OriginRemote, recs[0].Origin)
	assert.Equal(t, models.StatusSynced, recs[0].SyncStatus)
	assert.Equal(t, "fern", recs[0].Payload.Plant.Category)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), recs[0].CreatedAt)

	assert.Equal(t, "7", recs[1].ServerID)
	assert.Equal(t, "bob", recs[1].Payload.Plant.Owner)
	assert.Equal(t, "succulent", recs[1].Payload.Plant.Category)
	assert.Equal(t, time.UnixMilli(1767225600000).UTC(), recs[1].CreatedAt)
}

func TestListPlants_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte(`[{"_id":"a","name":"Fern"}]`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).ListPlants(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.KindPlants, recs[0].Kind)
}

func TestListPlants_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListPlants(context.Background(), ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrRemoteServerError)
}

func TestGetPlant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/plants/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"_id":"a/b","name":"Fern"}`))
	}))
	defer srv.Close()

	rec, err := newTestClient(srv).GetPlant(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", rec.ServerID)
	assert.Equal(t, "Fern", rec.Payload.Plant.Name)
}

// --- chat ---

func TestCreateChatMessage_JSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "key-2", r.Header.Get(IdempotencyHeader))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{
			"plantId":"p1","author":"alice","text":"hello",
			"time":"2026-03-01T10:30:00Z","clientId":"key-2"
		}`, string(body))

		w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv).Upload(context.Background(), chatRec("key-2"))
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
}

func TestListChatMessages_TimeVariants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-messages/p1", r.URL.Path)
		w.Write([]byte(`{"messages":[
			{"_id":"m1","author":"alice","text":"a","chattime":"2026-03-01T10:30:00Z"},
			{"_id":"m2","author":"bob","text":"b","chatTime":1772361000000},
			{"_id":"m3","plantId":"p9","author":"carol","text":"c","time":"2026-03-01T10:32:00+01:00"}
		]}`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).ListChatMessages(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), recs[0].Payload.Chat.Time)
	assert.Equal(t, "p1", recs[0].Payload.Chat.PlantID, "plant id filled from the request")
	assert.Equal(t, time.UnixMilli(1772361000000).UTC(), recs[1].Payload.Chat.Time)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 32, 0, 0, time.UTC), recs[2].Payload.Chat.Time)
	assert.Equal(t, "p9", recs[2].Payload.Chat.PlantID)
	assert.Equal(t, recs[0].Payload.Chat.Time, recs[0].CreatedAt)
}

func TestDecodeChatMessage(t *testing.T) {
	rec, err := DecodeChatMessage([]byte(`{"message":{"_id":"m1","plantId":"p1","author":"a","text":"t","time":"2026-03-01T10:30:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.ServerID)
	assert.Equal(t, models.KindChatMessages, rec.Kind)

	_, err = DecodeChatMessage([]byte(`{"plantId":"p1"}`))
	assert.ErrorIs(t, err, apperr.ErrInvalidPayload)
}

// --- Upload / Fetch dispatch ---

func TestUpload_UsersUnsupported(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, nil)

	_, err := c.Upload(context.Background(), models.Record{Kind: models.KindUsers})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedKind)
}

func TestFetch_ChatWithoutPlantIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).Fetch(context.Background(), models.KindChatMessages, FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFetch_Plants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"_id":"a","name":"Fern"}]`))
	}))
	defer srv.Close()

	recs, err := newTestClient(srv).Fetch(context.Background(), models.KindPlants, FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNewClient_TrimsBaseURL(t *testing.T) {
	c := NewClient("https://plants.example.com/api/", nil, nil)
	assert.Equal(t, "https://plants.example.com/api", c.baseURL)
	assert.Equal(t, httpClientTimeout, c.httpClient.Timeout)
}
