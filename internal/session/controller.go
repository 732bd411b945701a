package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"project-collab-chat/internal/chat"
	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

// Controller drives one chat view. Its state is owned by a single loop goroutine;
// remote calls run on helper goroutines and post their results back to the loop
// tagged with the generation they were started in. Opening another project or
// closing bumps the generation, so late results for an abandoned project are dropped.
type Controller struct {
	id       string
	user     string
	logger   *zap.SugaredLogger
	deps     Deps
	resolver *chat.Resolver
	renderer Renderer
	recorder Recorder

	pageSize int
	attempts int
	backoff  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	viewMu sync.Mutex
	view   View

	// loop state
	state       State
	projects    []storage.Project
	project     string
	gen         uint64
	token       uint64
	sub         *fanout.Subscription
	global      *fanout.Subscription
	globalToken uint64
	messages    []storage.Message
	seen        map[int64]struct{}
	pending     []storage.Message
	last        storage.Cursor
	sending     bool
	notice      *Notice
	senders     map[string]storage.User
	resolving   map[string]struct{}
}

// Start opens a chat view for user: it subscribes to newly created projects and
// fetches the user's project list. No project is selected until Open is called.
func Start(ctx context.Context, logger *zap.SugaredLogger, user string, deps Deps, renderer Renderer, opts ...Option) (*Controller, error) {
	if user == "" {
		return nil, &chat.OpError{Op: "open chat", Err: chat.ErrUnauthenticated}
	}

	id := xid.New().String()
	c := &Controller{
		id:        id,
		user:      user,
		logger:    logger.With("session", id, "user", user),
		deps:      deps,
		renderer:  renderer,
		recorder:  nopRecorder{},
		pageSize:  chat.DefaultPageSize,
		attempts:  defaultAttempts,
		backoff:   defaultBackoff,
		tasks:     make(chan func(), 16),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateNoProject,
		seen:      make(map[int64]struct{}),
		senders:   make(map[string]storage.User),
		resolving: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.resolver = chat.NewResolver(c.logger, deps.Users)
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.recorder.SessionOpened()

	go c.run()

	c.post(func() {
		c.logger.Infof("Chat session opened")
		if err := c.subscribeGlobal(); err != nil {
			c.logger.Warnf("Subscribing to new projects failed: %v", err)
			c.after(1, func() { c.resubscribeGlobal(1) })
		}
		c.fetchProjects()
		c.render()
	})

	return c, nil
}

func (c *Controller) ID() string { return c.id }

// View returns the most recently rendered view.
func (c *Controller) View() View {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	return c.view
}

// Open switches the view to project. An empty id deselects the current project.
func (c *Controller) Open(project string) error {
	if !c.post(func() { c.open(project) }) {
		return ErrClosed
	}
	return nil
}

// Send appends body to the open project. Blank input is rejected without a remote
// call and only one send may be outstanding at a time. The outcome of an accepted
// send is reported through the rendered view.
func (c *Controller) Send(body string) error {
	if strings.TrimSpace(body) == "" {
		err := &chat.OpError{Op: "send message", Err: chat.ErrEmptyBody}
		c.post(func() {
			c.raise(err)
			c.render()
		})
		return err
	}

	reply := make(chan error, 1)
	if !c.post(func() { reply <- c.send(body) }) {
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// Dismiss clears the current notice.
func (c *Controller) Dismiss() {
	c.post(func() {
		c.notice = nil
		c.render()
	})
}

// Close releases every subscription and stops the loop. It is safe to call more than once.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

func (c *Controller) post(task func()) bool {
	select {
	case c.tasks <- task:
		return true
	case <-c.quit:
		return false
	}
}

func (c *Controller) shutdown() {
	c.cancel()
	c.release()
	if c.global != nil {
		c.deps.Bus.Unsubscribe(c.global)
		c.global = nil
	}

	c.gen++
	c.state = StateClosed
	c.sending = false
	c.render()

	c.recorder.SessionClosed()
	c.logger.Infof("Chat session closed")
}

func (c *Controller) open(project string) {
	c.release()
	c.gen++

	c.project = project
	c.messages = nil
	c.seen = make(map[int64]struct{})
	c.pending = nil
	c.last = storage.Cursor{}
	c.sending = false
	c.notice = nil

	if project == "" {
		c.state = StateNoProject
		c.render()
		return
	}

	// live events are buffered until history is in, then merged by message id
	c.state = StateLoadingHistory
	if err := c.subscribe(); err != nil {
		c.logger.Warnf("Subscribing to project %s failed: %v", project, err)
		gen := c.gen
		c.after(1, func() { c.resubscribe(gen, 1) })
	}
	c.loadHistory(storage.Cursor{})
	c.render()
}

func (c *Controller) subscribe() error {
	c.token++
	gen, token := c.gen, c.token

	sub, err := c.deps.Bus.Subscribe(fanout.ProjectScope(c.project),
		func(e fanout.Event) { c.post(func() { c.onMessage(gen, token, e.Message) }) },
		func(err error) { c.post(func() { c.onLost(gen, token, err) }) },
	)
	if err != nil {
		return err
	}

	c.sub = sub
	return nil
}

// release drops the project subscription; events it already queued are ignored
func (c *Controller) release() {
	if c.sub != nil {
		c.deps.Bus.Unsubscribe(c.sub)
		c.sub = nil
	}
	c.token++
}

func (c *Controller) loadHistory(after storage.Cursor) {
	gen, project := c.gen, c.project

	go func() {
		var messages []storage.Message
		page := chat.Page{After: after, Limit: c.pageSize}
		for {
			hp, err := c.deps.Log.History(c.ctx, project, page)
			if err != nil {
				c.post(func() { c.historyLoaded(gen, nil, nil, err) })
				return
			}
			messages = append(messages, hp.Messages...)
			if !hp.HasMore {
				break
			}
			page.After = hp.Next
		}

		users := c.resolver.Lookup(c.ctx, senderIDs(messages))
		c.post(func() { c.historyLoaded(gen, messages, users, nil) })
	}()
}

func (c *Controller) historyLoaded(gen uint64, messages []storage.Message, users map[string]storage.User, err error) {
	if gen != c.gen {
		c.logger.Debugf("Discarding history of an abandoned project")
		return
	}

	if err != nil {
		c.raise(err)
		if errors.Is(err, chat.ErrNotFound) {
			c.release()
			c.gen++
			c.project = ""
			c.state = StateNoProject
			c.render()
			return
		}
	}

	c.learn(users)
	for _, m := range messages {
		c.insert(m)
	}
	for _, m := range c.pending {
		c.insert(m)
	}
	c.pending = nil
	c.state = StateLive

	c.resolveUnknown()
	c.render()
}

func (c *Controller) onMessage(gen, token uint64, m storage.Message) {
	if gen != c.gen || token != c.token {
		return
	}
	c.accept(m)
	c.render()
}

func (c *Controller) accept(m storage.Message) {
	if c.state == StateLoadingHistory {
		c.pending = append(c.pending, m)
		return
	}
	if c.insert(m) {
		c.resolveUnknown()
	}
}

// insert places m by (created_at, id) and reports whether it was new
func (c *Controller) insert(m storage.Message) bool {
	if _, ok := c.seen[m.ID]; ok {
		return false
	}
	c.seen[m.ID] = struct{}{}

	cur := m.Cursor()
	i := sort.Search(len(c.messages), func(i int) bool { return cur.Before(c.messages[i].Cursor()) })
	c.messages = append(c.messages, storage.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m

	if c.last.Before(cur) {
		c.last = cur
	}
	return true
}

func (c *Controller) send(body string) error {
	switch {
	case c.state == StateClosed:
		return ErrClosed
	case c.project == "":
		return ErrNoProject
	case c.sending:
		return ErrSendInFlight
	}

	c.sending = true
	gen, project := c.gen, c.project

	go func() {
		m, err := c.deps.Log.Append(c.ctx, project, c.user, body)
		c.post(func() { c.sent(gen, m, err) })
	}()

	c.render()
	return nil
}

func (c *Controller) sent(gen uint64, m storage.Message, err error) {
	if gen != c.gen {
		return
	}

	c.sending = false
	if err != nil {
		c.raise(err)
	} else {
		c.accept(m)
	}
	c.render()
}

func (c *Controller) onLost(gen, token uint64, err error) {
	if gen != c.gen || token != c.token {
		return
	}

	c.logger.Warnf("Subscription to project %s lost: %v", c.project, err)
	c.release()
	c.after(1, func() { c.resubscribe(gen, 1) })
}

func (c *Controller) resubscribe(gen uint64, attempt int) {
	if gen != c.gen {
		return
	}

	if err := c.subscribe(); err != nil {
		if attempt < c.attempts {
			c.after(attempt+1, func() { c.resubscribe(gen, attempt+1) })
			return
		}
		c.raise(&chat.OpError{Op: "resubscribe", Err: fmt.Errorf("%w: %v", chat.ErrSubscriptionLost, err)})
		c.render()
		return
	}

	c.recorder.Resubscribed()
	c.logger.Infof("Resubscribed to project %s after %d attempts", c.project, attempt)

	// whatever was published while unsubscribed is only in history
	c.state = StateLoadingHistory
	c.loadHistory(c.last)
	c.render()
}

func (c *Controller) subscribeGlobal() error {
	c.globalToken++
	token := c.globalToken

	sub, err := c.deps.Bus.Subscribe(fanout.GlobalScope,
		func(e fanout.Event) { c.post(func() { c.onProject(token, e.Project) }) },
		func(err error) { c.post(func() { c.onGlobalLost(token, err) }) },
	)
	if err != nil {
		return err
	}

	c.global = sub
	return nil
}

func (c *Controller) onProject(token uint64, p storage.Project) {
	if token != c.globalToken || p.OwnerID != c.user {
		return
	}
	for _, known := range c.projects {
		if known.ID == p.ID {
			return
		}
	}

	c.projects = append([]storage.Project{p}, c.projects...)
	c.render()
}

func (c *Controller) onGlobalLost(token uint64, err error) {
	if token != c.globalToken || c.state == StateClosed {
		return
	}

	c.logger.Warnf("Subscription to new projects lost: %v", err)
	c.deps.Bus.Unsubscribe(c.global)
	c.global = nil
	c.globalToken++
	c.after(1, func() { c.resubscribeGlobal(1) })
}

func (c *Controller) resubscribeGlobal(attempt int) {
	if c.state == StateClosed || c.global != nil {
		return
	}

	if err := c.subscribeGlobal(); err != nil {
		if attempt < c.attempts {
			c.after(attempt+1, func() { c.resubscribeGlobal(attempt + 1) })
			return
		}
		c.raise(&chat.OpError{Op: "resubscribe", Err: fmt.Errorf("%w: %v", chat.ErrSubscriptionLost, err)})
		c.render()
		return
	}

	c.recorder.Resubscribed()
	c.fetchProjects()
}

// after runs task on the loop once the backoff for attempt has elapsed
func (c *Controller) after(attempt int, task func()) {
	delay := c.backoff << (attempt - 1)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-t.C:
			c.post(task)
		case <-c.ctx.Done():
		}
	}()
}

func (c *Controller) fetchProjects() {
	go func() {
		projects, err := c.deps.Membership.ListProjectsFor(c.ctx, c.user)
		c.post(func() { c.projectsLoaded(projects, err) })
	}()
}

func (c *Controller) projectsLoaded(projects []storage.Project, err error) {
	if c.state == StateClosed {
		return
	}
	if err != nil {
		c.raise(err)
	} else {
		c.projects = projects
	}
	c.render()
}

func (c *Controller) resolveUnknown() {
	var ids []string
	for _, m := range c.messages {
		if _, ok := c.senders[m.SenderID]; ok {
			continue
		}
		if _, ok := c.resolving[m.SenderID]; ok {
			continue
		}
		c.resolving[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	if len(ids) == 0 {
		return
	}

	go func() {
		users := c.resolver.Lookup(c.ctx, ids)
		c.post(func() {
			for _, id := range ids {
				delete(c.resolving, id)
			}
			c.learn(users)
			c.render()
		})
	}()
}

func (c *Controller) learn(users map[string]storage.User) {
	for id, u := range users {
		c.senders[id] = u
	}
}

func (c *Controller) raise(err error) {
	action := "chat"
	var opErr *chat.OpError
	if errors.As(err, &opErr) {
		action = opErr.Op
	}

	c.notice = &Notice{
		Action:    action,
		Text:      err.Error(),
		Retryable: chat.IsTransient(err),
		Err:       err,
	}
	c.logger.Warnf("Chat action %q failed: %v", action, err)
}

func (c *Controller) render() {
	v := View{
		State:    c.state,
		User:     c.user,
		Projects: append([]storage.Project{}, c.projects...),
		Project:  c.project,
		Messages: make([]Entry, len(c.messages)),
		Sending:  c.sending,
	}
	for i, m := range c.messages {
		sender, ok := c.senders[m.SenderID]
		if !ok {
			sender = chat.Placeholder(m.SenderID)
		}
		v.Messages[i] = Entry{Message: m, Sender: sender}
	}
	if c.notice != nil {
		n := *c.notice
		v.Notice = &n
	}

	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()

	if c.renderer != nil {
		c.renderer.Render(v)
	}
}

func senderIDs(messages []storage.Message) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range messages {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		ids = append(ids, m.SenderID)
	}
	return ids
}
