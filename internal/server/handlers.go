package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/session"
	"project-collab-chat/internal/storage"
)

type parsers struct {
	usersPool     fastjson.ParserPool
	projectsPool  fastjson.ParserPool
	interestsPool fastjson.ParserPool
	messagesPool  fastjson.ParserPool
	framesPool    fastjson.ParserPool
}

type handler struct {
	logger  *zap.SugaredLogger
	svc     Services
	parsers parsers
	sockets *sockets

	sessionOpts []session.Option
}

// createUsers handles HTTP requests on "/users/add" endpoint
// it accepts either a single user object or {"users": [...]} for bulk creation
func (h *handler) createUsers(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.usersPool.Get()
	defer h.parsers.usersPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	var users []storage.User
	if v.Exists("users") {
		values, err := v.Get("users").Array()
		if err != nil || len(values) == 0 {
			http.Error(w, "Field \"users\" must be a non-empty array", http.StatusBadRequest)
			return
		}
		for _, uv := range values {
			u, ok := parseUser(w, uv)
			if !ok {
				return
			}
			users = append(users, u)
		}
	} else {
		u, ok := parseUser(w, v)
		if !ok {
			return
		}
		users = append(users, u)
	}

	if err := h.svc.Backend.CreateUsers(r.Context(), users); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			http.Error(w, "User already exists", http.StatusBadRequest)
			return
		}
		h.logger.Errorf("Creating %d users: %v", len(users), err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	h.writeJSON(w, http.StatusCreated, map[string][]string{"ids": ids})
}

func parseUser(w http.ResponseWriter, v *fastjson.Value) (storage.User, bool) {
	if v.Type() != fastjson.TypeObject {
		http.Error(w, "Each user must be an object", http.StatusBadRequest)
		return storage.User{}, false
	}

	var u storage.User
	var ok bool
	if u.ID, ok = requireString(w, v, "id"); !ok {
		return u, false
	}
	if u.DisplayName, ok = requireString(w, v, "display_name"); !ok {
		return u, false
	}
	if u.Field, ok = optionalString(w, v, "field"); !ok {
		return u, false
	}
	if u.AvatarURL, ok = optionalString(w, v, "avatar_url"); !ok {
		return u, false
	}
	return u, true
}

// usersByIDs handles HTTP requests on "/users/get" endpoint
// unknown ids are answered with a placeholder profile
func (h *handler) usersByIDs(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.usersPool.Get()
	defer h.parsers.usersPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	if !v.Exists("users") {
		http.Error(w, "Missing Field \"users\"", http.StatusBadRequest)
		return
	}

	values, err := v.Get("users").Array()
	if err != nil {
		http.Error(w, "Field \"users\" must be an array", http.StatusBadRequest)
		return
	}

	ids := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, iv := range values {
		id, err := iv.StringBytes()
		if err != nil || len(id) == 0 {
			http.Error(w, "Each item in \"users\" array must be a non-empty string", http.StatusBadRequest)
			return
		}
		if _, ok := seen[string(id)]; ok {
			continue
		}
		seen[string(id)] = struct{}{}
		ids = append(ids, string(id))
	}

	resolved := h.svc.Resolver.ResolveMany(r.Context(), ids)

	users := make([]storage.User, len(ids))
	for i, id := range ids {
		users[i] = resolved[id]
	}
	h.writeJSON(w, http.StatusOK, users)
}

// createProject handles HTTP requests on "/projects/add" endpoint
func (h *handler) createProject(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.projectsPool.Get()
	defer h.parsers.projectsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	user, ok := currentUser(w, v)
	if !ok {
		return
	}

	title, ok := requireString(w, v, "title")
	if !ok {
		return
	}

	description, ok := optionalString(w, v, "description")
	if !ok {
		return
	}

	project, err := h.svc.Projects.Create(r.Context(), user, title, description)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, project)
}

// projectsForUser handles HTTP requests on "/projects/get" endpoint
func (h *handler) projectsForUser(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.projectsPool.Get()
	defer h.parsers.projectsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	user, ok := currentUser(w, v)
	if !ok {
		return
	}

	projects, err := h.svc.Membership.ListProjectsFor(r.Context(), user)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if projects == nil {
		projects = []storage.Project{}
	}
	h.writeJSON(w, http.StatusOK, projects)
}

type toggleResponse struct {
	Project    string `json:"project"`
	User       string `json:"user"`
	Interested bool   `json:"interested"`
}

type interestedResponse struct {
	Project string   `json:"project"`
	Users   []string `json:"users"`
	IsOwner *bool    `json:"is_owner,omitempty"`
}

// toggleInterest handles HTTP requests on "/interests/toggle" endpoint
func (h *handler) toggleInterest(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.interestsPool.Get()
	defer h.parsers.interestsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	user, ok := currentUser(w, v)
	if !ok {
		return
	}

	project, ok := requireString(w, v, "project")
	if !ok {
		return
	}

	interested, err := h.svc.Membership.ToggleInterest(r.Context(), user, project)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toggleResponse{Project: project, User: user, Interested: interested})
}

// interestedUsers handles HTTP requests on "/interests/get" endpoint
// when "user" is provided the response also tells whether that user owns the project
func (h *handler) interestedUsers(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.interestsPool.Get()
	defer h.parsers.interestsPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	project, ok := requireString(w, v, "project")
	if !ok {
		return
	}

	user, ok := optionalString(w, v, "user")
	if !ok {
		return
	}

	users, err := h.svc.Membership.Interested(r.Context(), project)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := interestedResponse{Project: project, Users: users}
	if resp.Users == nil {
		resp.Users = []string{}
	}

	if user != "" {
		owner, err := h.svc.Membership.IsOwner(r.Context(), user, project)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp.IsOwner = &owner
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// createMessage handles HTTP requests on "/messages/add" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagesPool.Get()
	defer h.parsers.messagesPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	user, ok := currentUser(w, v)
	if !ok {
		return
	}

	project, ok := requireString(w, v, "project")
	if !ok {
		return
	}

	if !v.Exists("text") {
		http.Error(w, "Missing Field \"text\"", http.StatusBadRequest)
		return
	}

	// blank text is rejected by the message log
	text, ok := optionalString(w, v, "text")
	if !ok {
		return
	}

	m, err := h.svc.Log.Append(r.Context(), project, user, text)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, m)
}

// messagesByProjectID handles HTTP requests on "/messages/get" endpoint
// "after" takes the "next" cursor of a previous page
func (h *handler) messagesByProjectID(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.messagesPool.Get()
	defer h.parsers.messagesPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	project, ok := requireString(w, v, "project")
	if !ok {
		return
	}

	var page chat.Page
	if v.Exists("limit") {
		limit, err := v.Get("limit").Int()
		if err != nil || limit < 0 {
			http.Error(w, "Field \"limit\" must be a non-negative integer", http.StatusBadRequest)
			return
		}
		page.Limit = limit
	}

	if v.Exists("after") {
		after, err := parseCursor(v.Get("after"))
		if err != nil {
			http.Error(w, "Field \"after\" must be an object with \"created_at\" and \"id\"", http.StatusBadRequest)
			return
		}
		page.After = after
	}

	hp, err := h.svc.Log.History(r.Context(), project, page)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if hp.Messages == nil {
		hp.Messages = []storage.Message{}
	}
	h.writeJSON(w, http.StatusOK, hp)
}

var errBadCursor = errors.New("bad cursor")

func parseCursor(v *fastjson.Value) (storage.Cursor, error) {
	if v.Type() != fastjson.TypeObject {
		return storage.Cursor{}, errBadCursor
	}

	raw, err := v.Get("created_at").StringBytes()
	if err != nil {
		return storage.Cursor{}, errBadCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return storage.Cursor{}, errBadCursor
	}

	id, err := v.Get("id").Int64()
	if err != nil || id < 0 {
		return storage.Cursor{}, errBadCursor
	}

	return storage.Cursor{CreatedAt: createdAt, ID: id}, nil
}

// currentUser reads the signed-in user id supplied by the caller
func currentUser(w http.ResponseWriter, v *fastjson.Value) (string, bool) {
	user := strings.TrimSpace(string(v.GetStringBytes("user")))
	if user == "" {
		http.Error(w, "Field \"user\" must identify a signed-in user", http.StatusUnauthorized)
		return "", false
	}
	return user, true
}

func requireString(w http.ResponseWriter, v *fastjson.Value, key string) (string, bool) {
	if !v.Exists(key) {
		http.Error(w, "Missing Field \""+key+"\"", http.StatusBadRequest)
		return "", false
	}

	s, err := v.Get(key).StringBytes()
	if err != nil || len(strings.TrimSpace(string(s))) == 0 {
		http.Error(w, "Field \""+key+"\" must be a string and have non-zero length", http.StatusBadRequest)
		return "", false
	}

	return string(s), true
}

func optionalString(w http.ResponseWriter, v *fastjson.Value, key string) (string, bool) {
	if !v.Exists(key) {
		return "", true
	}

	s, err := v.Get(key).StringBytes()
	if err != nil {
		http.Error(w, "Field \""+key+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	return string(s), true
}

// writeError maps chat error kinds onto HTTP status codes
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, chat.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, chat.ErrSelfJoinDenied),
		errors.Is(err, chat.ErrEmptyBody),
		errors.Is(err, chat.ErrEmptyTitle):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case chat.IsTransient(err):
		h.logger.Errorf("Storage call failed: %v", err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}
