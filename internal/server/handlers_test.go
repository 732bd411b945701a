package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/metrics"
	"project-collab-chat/internal/session"
	"project-collab-chat/internal/storage"
	"project-collab-chat/internal/storage/memstore"
	mytesting "project-collab-chat/internal/testing"
)

type fixture struct {
	h     *handler
	srv   *Server
	store *memstore.Store
}

// bootstrapServer creates users alice and bob on a memory backend
func bootstrapServer(t *testing.T) *fixture {
	logger := zap.NewNop().Sugar()
	store := memstore.New(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	bus := fanout.New(logger, fanout.WithRecorder(collector))
	t.Cleanup(bus.Close)

	srv, err := NewServer(logger, NewServices(logger, store, bus, collector),
		WithEnvConfig(EnvConfig{Host: "127.0.0.1", Port: 9000, HistoryPageSize: 10}),
		WithMetrics(reg),
		WithSessionOptions(session.WithRecorder(collector)),
		TimeoutHandler(5*time.Second, "Request timed out"),
	)
	require.NoError(t, err)

	f := &fixture{h: srv.h, srv: srv, store: store}

	rr := f.post(t, f.h.createUsers, `{"users":[{"id":"alice","display_name":"Alice","field":"Design"},{"id":"bob","display_name":"Bob"}]}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	return f
}

func (f *fixture) post(t *testing.T, h http.HandlerFunc, payload string) *httptest.ResponseRecorder {
	req, err := http.NewRequest("POST", "/", bytes.NewBufferString(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) createProject(t *testing.T, owner, title string) storage.Project {
	rr := f.post(t, f.h.createProject, `{"user":"`+owner+`","title":"`+title+`"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var p storage.Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePOSTJSON(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"user":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOSTJSON_NotPOST(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"user":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("GET", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"user":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePOSTJSON_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"user":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePOSTJSON_NoContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"user":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOSTJSON_NoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBuffer([]byte(`{"user":` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestCreateUsers(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	id := mytesting.RandString()

	rr := f.post(t, f.h.createUsers, `{"id":"`+id+`","display_name":"Carol","field":"Biology"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	// validating response JSON
	var p fastjson.Parser
	v, err := p.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	ids, err := v.Get("ids").Array()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, id, string(ids[0].GetStringBytes()))
}

func TestCreateUsersAlreadyExists(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createUsers, `{"id":"alice","display_name":"Alice again"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "User already exists\n", rr.Body.String())
}

func TestCreateUsersNoIDField(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createUsers, `{"display_name":"Nobody"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"id\"\n", rr.Body.String())
}

func TestCreateUsersNullDisplayName(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createUsers, `{"id":"dave","display_name":null}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"display_name\" must be a string and have non-zero length\n", rr.Body.String())
}

func TestUsersByIDs(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.usersByIDs, `{"users":["bob","ghost","bob","alice"]}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var users []storage.User
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &users))
	require.Len(t, users, 3)
	require.Equal(t, "Bob", users[0].DisplayName)
	require.Equal(t, chat.UnknownUserName, users[1].DisplayName)
	require.Equal(t, "ghost", users[1].ID)
	require.Equal(t, "Alice", users[2].DisplayName)
}

func TestCreateProject(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	p := f.createProject(t, "alice", "Solar car")
	require.NotEmpty(t, p.ID)
	require.Equal(t, "alice", p.OwnerID)
	require.Equal(t, "Solar car", p.Title)
}

func TestCreateProjectUnauthenticated(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createProject, `{"title":"Solar car"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateProjectUnknownOwner(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createProject, `{"user":"ghost","title":"Solar car"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateProjectBlankTitle(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createProject, `{"user":"alice","title":"   "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"title\" must be a string and have non-zero length\n", rr.Body.String())
}

func TestToggleInterest(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")
	payload := `{"user":"bob","project":"` + p.ID + `"}`

	for _, want := range []bool{true, false, true} {
		rr := f.post(t, f.h.toggleInterest, payload)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp toggleResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, want, resp.Interested)
	}

	rr := f.post(t, f.h.projectsForUser, `{"user":"bob"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var projects []storage.Project
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	require.Equal(t, p.ID, projects[0].ID)
}

func TestToggleInterestSelfJoin(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	rr := f.post(t, f.h.toggleInterest, `{"user":"alice","project":"`+p.ID+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), chat.ErrSelfJoinDenied.Error())
}

func TestToggleInterestUnknownProject(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.toggleInterest, `{"user":"bob","project":"missing"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProjectsForUserEmpty(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.projectsForUser, `{"user":"bob"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "[]", rr.Body.String())
}

func TestInterestedUsers(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	rr := f.post(t, f.h.interestedUsers, `{"project":"`+p.ID+`","user":"alice"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp interestedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Empty(t, resp.Users)
	require.NotNil(t, resp.IsOwner)
	require.True(t, *resp.IsOwner)

	rr = f.post(t, f.h.toggleInterest, `{"user":"bob","project":"`+p.ID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = f.post(t, f.h.interestedUsers, `{"project":"`+p.ID+`","user":"bob"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	resp = interestedResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, []string{"bob"}, resp.Users)
	require.False(t, *resp.IsOwner)
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	rr := f.post(t, f.h.createMessage, `{"user":"alice","project":"`+p.ID+`","text":"  Hello  "}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var m storage.Message
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m))
	require.Positive(t, m.ID)
	require.Equal(t, "Hello", m.Body)
	require.Equal(t, "alice", m.SenderID)
}

func TestCreateMessageBlankText(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	for _, text := range []string{"", "   "} {
		rr := f.post(t, f.h.createMessage, `{"user":"alice","project":"`+p.ID+`","text":"`+text+`"}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Contains(t, rr.Body.String(), chat.ErrEmptyBody.Error())
	}

	rr := f.post(t, f.h.createMessage, `{"user":"alice","project":"`+p.ID+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"text\"\n", rr.Body.String())

	rr = f.post(t, f.h.messagesByProjectID, `{"project":"`+p.ID+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var hp chat.HistoryPage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hp))
	require.Empty(t, hp.Messages)
}

func TestCreateMessageUnknownProject(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post(t, f.h.createMessage, `{"user":"alice","project":"missing","text":"hi"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMessagesByProjectIDPaging(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	for _, text := range []string{"Hello", "World", "!"} {
		rr := f.post(t, f.h.createMessage, `{"user":"bob","project":"`+p.ID+`","text":"`+text+`"}`)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	var texts []string
	payload := `{"project":"` + p.ID + `","limit":2}`
	for {
		rr := f.post(t, f.h.messagesByProjectID, payload)
		require.Equal(t, http.StatusOK, rr.Code)

		var hp chat.HistoryPage
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hp))
		for _, m := range hp.Messages {
			texts = append(texts, m.Body)
		}
		if !hp.HasMore {
			break
		}

		next, err := json.Marshal(hp.Next)
		require.NoError(t, err)
		payload = `{"project":"` + p.ID + `","limit":2,"after":` + string(next) + `}`
	}

	require.Equal(t, []string{"Hello", "World", "!"}, texts)
}

func TestMessagesByProjectIDBadCursor(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	p := f.createProject(t, "alice", "P1")

	rr := f.post(t, f.h.messagesByProjectID, `{"project":"`+p.ID+`","after":{"created_at":"yesterday","id":1}}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.post(t, f.h.messagesByProjectID, `{"project":"`+p.ID+`","limit":-1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestWriteErrorTransient(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := httptest.NewRecorder()
	f.h.writeError(rr, &chat.OpError{Op: "send message", Err: fmt.Errorf("%w: connection refused", chat.ErrTransientIO)})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServerRoutes(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/messages/get")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/projects/add", "application/json", strings.NewReader(`{"user":"alice","title":"P1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "collab_bus_events_published_total")
}
