// Package conversation holds the persisted record of a Sparky conversation and
// the Store interface used to save and reload it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/sparky/internal/transcript"
)

const (
	// DefaultTitle is the title of a conversation that has not been named yet.
	DefaultTitle = "New Conversation"

	// DefaultRobotColor is the robot's head color before anyone changes it.
	DefaultRobotColor = "#1F2937"
)

// ErrNotFound is returned when no conversation with the requested ID exists.
var ErrNotFound = errors.New("conversation: not found")

// Conversation is one saved chat with Sparky.
type Conversation struct {
	ID         string             `json:"id"`
	Title      string             `json:"title"`
	Transcript []transcript.Entry `json:"transcript"`
	RobotColor string             `json:"robotColor"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// New returns an empty conversation with a fresh ID and default metadata.
func New(now time.Time) Conversation {
	return Conversation{
		ID:         uuid.NewString(),
		Title:      DefaultTitle,
		RobotColor: DefaultRobotColor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// HasGeneratedTitle reports whether the conversation already carries a
// title other than the default one.
func (c Conversation) HasGeneratedTitle() bool {
	return c.Title != "" && c.Title != DefaultTitle
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	c.Transcript = append([]transcript.Entry(nil), c.Transcript...)
	return c
}

// Validate checks the fields a Store relies on.
func (c Conversation) Validate() error {
	var errs []error
	if _, err := uuid.Parse(c.ID); err != nil {
		errs = append(errs, errors.New("conversation: id must be a UUID"))
	}
	if strings.TrimSpace(c.Title) == "" {
		errs = append(errs, errors.New("conversation: title must not be empty"))
	}
	for i, e := range c.Transcript {
		if !e.Speaker.Valid() {
			errs = append(errs, fmt.Errorf("conversation: transcript entry %d has unknown speaker %q", i, e.Speaker))
		}
	}
	return errors.Join(errs...)
}

// Summary is the list view of a conversation.
type Summary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	RobotColor string    `json:"robotColor"`
	Entries    int       `json:"entries"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Summarize returns the list view of c.
func (c Conversation) Summarize() Summary {
	return Summary{
		ID:         c.ID,
		Title:      c.Title,
		RobotColor: c.RobotColor,
		Entries:    len(c.Transcript),
		UpdatedAt:  c.UpdatedAt,
	}
}

// Store persists conversations. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save inserts or replaces c.
	Save(ctx context.Context, c Conversation) error

	// Get returns the conversation with id or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (Conversation, error)

	// List returns all conversations, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Delete removes the conversation with id. Deleting an unknown ID
	// returns an error wrapping ErrNotFound.
	Delete(ctx context.Context, id string) error
}
