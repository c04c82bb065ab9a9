package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/snowflake"
	"github.com/blinders/internal/storage/memory"
)

const testPasscode = "2468"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	clock     *testClock
	users     *memory.UserStore
	sessions  *memory.SessionStore
	gateStore *memory.GateStore
	log       *memory.MessageLog
	bus       *fanout.Local
	gate      *Gate
	userSvc   *UserService
	messages  *MessageService
	reactions *ReactionService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPasscode), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		clock:     &testClock{now: time.Now().UTC()},
		users:     memory.NewUserStore(),
		sessions:  memory.NewSessionStore(),
		gateStore: memory.NewGateStore(),
		log:       memory.NewMessageLog(),
		bus:       fanout.NewLocal(64),
	}
	t.Cleanup(e.bus.Close)
	e.gateStore.SetClock(e.clock.Now)
	e.gate = NewGate(e.users, e.sessions, e.gateStore, GateConfig{JWTSecret: "test-secret", PasscodeHash: string(hash)})
	e.gate.SetClock(e.clock.Now)
	e.userSvc = NewUserService(e.users, e.gate)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	e.reactions = NewReactionService(memory.NewReactionStore(), e.log, e.bus)
	e.messages = NewMessageService(e.log, e.reactions, e.users, e.bus, node)
	return e
}

// addUser заводит пользователя напрямую в хранилище, минуя проверку прав.
func (e *env) addUser(t *testing.T, name string, role model.Role) (model.Principal, *model.User) {
	t.Helper()
	u, err := e.userSvc.create(context.Background(), "", CreateUserRequest{DisplayName: name, Password: "secret-" + name, Role: role})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return model.Principal{UserID: u.ID, Role: u.Role, DisplayName: u.DisplayName}, u
}

func wantErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("err = %v, want %v", err, target)
	}
}

func recv(t *testing.T, sub *fanout.Subscription) fanout.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatalf("subscription closed: %v", sub.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
	return fanout.Event{}
}

func noEvent(t *testing.T, sub *fanout.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s %s", ev.Kind, ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
