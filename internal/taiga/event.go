// Package taiga models the webhook payloads emitted by the Taiga issue tracker.
//
// An Event is immutable once received: helpers that need to change one
// (the merge engine, date normalisation) work on copies.
package taiga

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrUnknownType   = errors.New("unknown entity type")
	ErrUnknownAction = errors.New("unknown action")
	ErrMissingID     = errors.New("entity id is missing")
)

type EntityType string

const (
	Epic      EntityType = "epic"
	Milestone EntityType = "milestone"
	UserStory EntityType = "userstory"
	Task      EntityType = "task"
	Issue     EntityType = "issue"
	WikiPage  EntityType = "wikipage"
	Test      EntityType = "test"
)

// EntityTypes lists every entity type an instance can subscribe to.
var EntityTypes = []EntityType{Epic, Milestone, UserStory, Task, Issue, WikiPage, Test}

func (t EntityType) Valid() bool {
	for _, v := range EntityTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

type Action string

const (
	ActionCreate Action = "create"
	ActionChange Action = "change"
	ActionDelete Action = "delete"
	ActionTest   Action = "test"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionChange, ActionDelete, ActionTest:
		return true
	}
	return false
}

type Actor struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	Permalink string `json:"permalink,omitempty"`
	Photo     string `json:"photo,omitempty"`
}

// Name is the display name used in chat messages.
func (a Actor) Name() string {
	if a.FullName != "" {
		return a.FullName
	}
	return a.Username
}

// Event is one inbound webhook notification.
type Event struct {
	Action Action     `json:"action"`
	Type   EntityType `json:"type"`
	By     Actor      `json:"by"`
	Date   time.Time  `json:"date"`
	Data   Snapshot   `json:"data"`
	Change *Change    `json:"change,omitempty"`
}

// Key is the aggregation key "type:id". Test events have no key.
func (e Event) Key() string {
	if e.Action == ActionTest || e.Type == Test {
		return ""
	}
	return string(e.Type) + ":" + strconv.FormatInt(e.Data.ID(), 10)
}

// Score orders events inside a queue: Unix seconds of Date.
func (e Event) Score() int64 { return e.Date.Unix() }

func (e Event) HasComment() bool {
	return e.Change != nil && e.Change.Body() != ""
}

func (e Event) HasAttachments() bool {
	return e.Change != nil && !e.Change.Diff.Attachments.Empty()
}

// Validate checks the fields the pipeline relies on.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, e.Action)
	}
	if e.Action != ActionTest && e.Type != Test && e.Data.ID() == 0 {
		return ErrMissingID
	}
	return nil
}

// Parse decodes and validates a webhook body. When loc is non-nil the
// event date is normalised into it.
func Parse(body []byte, loc *time.Location) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if loc != nil && !ev.Date.IsZero() {
		ev.Date = ev.Date.In(loc)
	}
	return ev, nil
}

// Marshal encodes an event in the queue wire format.
func Marshal(e Event) ([]byte, error) { return json.Marshal(e) }

// Unmarshal decodes an event from the queue wire format without validation.
func Unmarshal(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

type Change struct {
	Comment           string           `json:"comment,omitempty"`
	CommentHTML       string           `json:"comment_html,omitempty"`
	DeleteCommentDate *time.Time       `json:"delete_comment_date,omitempty"`
	EditCommentDate   *time.Time       `json:"edit_comment_date,omitempty"`
	CommentVersions   []CommentVersion `json:"comment_versions,omitempty"`
	Diff              Diff             `json:"diff"`
}

// Body is the comment body, preferring the rendered HTML.
func (c *Change) Body() string {
	if c == nil {
		return ""
	}
	if c.CommentHTML != "" {
		return c.CommentHTML
	}
	return c.Comment
}

type CommentVersion struct {
	Comment     string `json:"comment,omitempty"`
	CommentHTML string `json:"comment_html,omitempty"`
	Date        string `json:"date,omitempty"`
}

func (v CommentVersion) Body() string {
	if v.CommentHTML != "" {
		return v.CommentHTML
	}
	return v.Comment
}
