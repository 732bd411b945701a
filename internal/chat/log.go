package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"project-collab-chat/internal/fanout"
	"project-collab-chat/internal/storage"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page selects up to Limit messages positioned strictly after After.
type Page struct {
	After storage.Cursor
	Limit int
}

type HistoryPage struct {
	Messages []storage.Message `json:"messages"`
	Next     storage.Cursor    `json:"next"`
	HasMore  bool              `json:"has_more"`
}

// MessageLog is the append-only, per-project ordered message sequence.
type MessageLog struct {
	logger    *zap.SugaredLogger
	backend   MessageBackend
	publisher Publisher
	recorder  Recorder
}

func NewMessageLog(logger *zap.SugaredLogger, backend MessageBackend, publisher Publisher, recorder Recorder) *MessageLog {
	return &MessageLog{
		logger:    logger,
		backend:   backend,
		publisher: publisher,
		recorder:  recorderOrNop(recorder),
	}
}

// Append stores the trimmed body and then publishes the stored message to the project scope.
func (l *MessageLog) Append(ctx context.Context, project, sender, body string) (storage.Message, error) {
	if sender == "" {
		return storage.Message{}, wrap("send message", ErrUnauthenticated)
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return storage.Message{}, wrap("send message", ErrEmptyBody)
	}

	m, err := l.backend.CreateMessage(ctx, project, sender, body)
	if err != nil {
		return storage.Message{}, wrap("send message", err)
	}

	l.recorder.MessageAppended()
	n := l.publisher.Publish(fanout.MessageEvent(m))
	l.logger.Debugf("Message %d in project %s published to %d subscribers", m.ID, project, n)

	return m, nil
}

// History returns one page of project messages in (created_at, id) order.
func (l *MessageLog) History(ctx context.Context, project string, page Page) (HistoryPage, error) {
	limit := clampLimit(page.Limit)

	// one extra row tells whether another page exists
	messages, err := l.backend.MessagesByProjectID(ctx, project, page.After, limit+1)
	if err != nil {
		return HistoryPage{}, wrap("load history", err)
	}

	hp := HistoryPage{Next: page.After}
	if len(messages) > limit {
		messages = messages[:limit]
		hp.HasMore = true
	}
	if len(messages) > 0 {
		hp.Next = messages[len(messages)-1].Cursor()
	}
	hp.Messages = messages

	return hp, nil
}

// Iterate walks every message after cursor, fetching limit messages per backend call.
func (l *MessageLog) Iterate(project string, after storage.Cursor, limit int) *Iterator {
	return &Iterator{
		log:     l,
		project: project,
		page:    Page{After: after, Limit: clampLimit(limit)},
		more:    true,
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// Iterator lazily pages through a project's messages. Starting a new Iterator from the
// same cursor yields the same messages, followed by anything appended since.
type Iterator struct {
	log     *MessageLog
	project string
	page    Page
	more    bool

	buf []storage.Message
	cur storage.Message
	pos storage.Cursor
	err error
}

func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}

	if len(it.buf) == 0 {
		if !it.more {
			return false
		}
		hp, err := it.log.History(ctx, it.project, it.page)
		if err != nil {
			it.err = err
			return false
		}
		it.buf = hp.Messages
		it.more = hp.HasMore
		it.page.After = hp.Next
		if len(it.buf) == 0 {
			return false
		}
	}

	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	it.pos = it.cur.Cursor()

	return true
}

func (it *Iterator) Message() storage.Message { return it.cur }

// Cursor is the position of the last message returned by Next.
func (it *Iterator) Cursor() storage.Cursor { return it.pos }

func (it *Iterator) Err() error { return it.err }
