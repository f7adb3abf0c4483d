// Package bridge turns platform lifecycle events into cloud backend
// operations run by the retry executor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mikepea/cloudsync/pkg/cloudsync/models"
)

// Kind identifies a platform lifecycle event
type Kind int

const (
	UserJoinedGroup Kind = iota + 1
	UserLeftGroup
	UserCreated
	UserDeactivated
	UserReactivated
	UserDeleted
	GroupCreated
	GroupSaved
	CloudActivated
	CloudDeactivated
)

var kindNames = map[Kind]string{
	UserJoinedGroup:  "user_joined_group",
	UserLeftGroup:    "user_left_group",
	UserCreated:      "user_created",
	UserDeactivated:  "user_deactivated",
	UserReactivated:  "user_reactivated",
	UserDeleted:      "user_deleted",
	GroupCreated:     "group_created",
	GroupSaved:       "group_saved",
	CloudActivated:   "cloud_activated",
	CloudDeactivated: "cloud_deactivated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a platform notification. Group and User are optional
// snapshots; handlers load the record by id when they are nil.
type Event struct {
	Kind    Kind
	GroupID uint
	UserID  uint
	Group   *models.Group
	User    *models.User
}

// Notifier is what the platform calls when something happens
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Handler reacts to one event. Errors are for synchronous failures only;
// remote work is submitted and reported through the executor.
type Handler func(ctx context.Context, ev Event) error

// Registry maps event kinds to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind][]Handler)}
}

// On registers h for kind. Handlers run in registration order.
func (r *Registry) On(kind Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = append(r.handlers[kind], h)
}

// Notify runs every handler registered for ev.Kind on the calling
// goroutine. One failing handler does not stop the others.
func (r *Registry) Notify(ctx context.Context, ev Event) error {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[ev.Kind]...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Discard is a Notifier that ignores every event
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) error { return nil }
