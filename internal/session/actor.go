package session

import (
	"context"
	"fmt"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/runtime"
	"ai-character-runtime/backend/pkg/cache"
)

// entry is the in-memory session of one room
type entry struct {
	session models.Session
	runtime *runtime.Runtime
}

// actor serializes the durable writes of one character. Every closure sent
// to it runs on its own goroutine, one at a time, so rooms of the same
// character never race each other.
type actor struct {
	characterID string
	mailbox     chan func()
	quit        chan struct{}
	// sessions is keyed by room id
	sessions *cache.Cache[string, *entry]
}

func newActor(characterID string, opts cache.Options) *actor {
	a := &actor{
		characterID: characterID,
		mailbox:     make(chan func()),
		quit:        make(chan struct{}),
		sessions:    cache.New[string, *entry](opts),
	}
	go a.loop()
	return a
}

func (a *actor) loop() {
	for {
		select {
		case job := <-a.mailbox:
			job()
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the actor and waits for its result. ctx only bounds the wait
// for the actor to pick fn up: once fn runs, do waits for it to finish, so a
// caller never observes a cancellation while fn may still commit.
func (a *actor) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("session actor panic: %v", r)
			}
		}()
		result <- fn()
	}

	select {
	case a.mailbox <- job:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-result
}

func (a *actor) stop() {
	a.sessions.Close()
	a.sessions.Flush()
	close(a.quit)
}
