package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/blinders/internal/fanout"
	"github.com/blinders/internal/media"
	"github.com/blinders/internal/middleware"
	"github.com/blinders/internal/model"
	"github.com/blinders/internal/presence"
	"github.com/blinders/internal/service"
	"github.com/blinders/internal/snowflake"
	"github.com/blinders/internal/storage/memory"
)

const (
	testPasscode  = "1357"
	adminID       = "BLD-0001"
	adminPassword = "admin-pass"
)

type server struct {
	t      *testing.T
	h      http.Handler
	users  *service.UserService
	mediaD string
}

type session struct {
	token string
	grant string
}

func newServer(t *testing.T) *server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPasscode), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := memory.NewUserStore()
	gate := service.NewGate(users, memory.NewSessionStore(), memory.NewGateStore(), service.GateConfig{
		JWTSecret:    "handler-test-secret",
		PasscodeHash: string(hash),
	})
	userSvc := service.NewUserService(users, gate)
	if err := userSvc.EnsureAdmin(context.Background(), adminID, "Admin", adminPassword); err != nil {
		t.Fatal(err)
	}
	bus := fanout.NewLocal(64)
	t.Cleanup(bus.Close)
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatal(err)
	}
	log := memory.NewMessageLog()
	reactions := service.NewReactionService(memory.NewReactionStore(), log, bus)
	messages := service.NewMessageService(log, reactions, users, bus, node)
	dir := t.TempDir()

	h := NewRouter(Deps{
		Gate:      gate,
		Users:     userSvc,
		Messages:  messages,
		Reactions: reactions,
		Tracker:   presence.NewTracker(bus),
		Media:     media.NewStore(dir),
		Limiter:   middleware.NewRateLimiter(),
	})
	return &server{t: t, h: h, users: userSvc, mediaD: dir}
}

func (s *server) do(method, path string, body any, sess session) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if sess.token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.token)
	}
	if sess.grant != "" {
		req.Header.Set(middleware.HeaderUnlockGrant, sess.grant)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func (s *server) expect(rec *httptest.ResponseRecorder, status int) {
	s.t.Helper()
	if rec.Code != status {
		s.t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *server) login(blindersID, password string) session {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/auth/login", map[string]string{"blinders_id": blindersID, "password": password}, session{})
	s.expect(rec, http.StatusOK)
	res := decode[service.LoginResult](s.t, rec)
	sess := session{token: res.Token}

	rec = s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": testPasscode}, sess)
	s.expect(rec, http.StatusOK)
	sess.grant = decode[service.UnlockResult](s.t, rec).Grant
	return sess
}

// member заводит участника через админский endpoint и входит под ним.
func (s *server) member(admin session, name string) (session, model.UserPublic) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/admin/users", map[string]string{"display_name": name, "password": "pw-" + name}, admin)
	s.expect(rec, http.StatusCreated)
	u := decode[model.UserPublic](s.t, rec)
	return s.login(u.BlindersID, "pw-"+name), u
}

func TestLoginAndUnlockFlow(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/auth/login", map[string]string{"blinders_id": adminID, "password": "wrong"}, session{})
	s.expect(rec, http.StatusUnauthorized)

	rec = s.do(http.MethodPost, "/api/auth/login", map[string]string{"blinders_id": strings.ToLower(adminID), "password": adminPassword}, session{})
	s.expect(rec, http.StatusOK)
	sess := session{token: decode[service.LoginResult](t, rec).Token}

	// credential без гранта: экран паскода, а не форма входа
	s.expect(s.do(http.MethodGet, "/api/channels", nil, sess), http.StatusLocked)
	s.expect(s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": "0000"}, sess), http.StatusLocked)

	rec = s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": testPasscode}, sess)
	s.expect(rec, http.StatusOK)
	sess.grant = decode[service.UnlockResult](t, rec).Grant

	rec = s.do(http.MethodGet, "/api/auth/me", nil, sess)
	s.expect(rec, http.StatusOK)
	if me := decode[model.UserPublic](t, rec); me.BlindersID != adminID || me.Role != model.RoleAdmin {
		t.Fatalf("me = %+v", me)
	}

	s.expect(s.do(http.MethodPost, "/api/auth/logout", nil, session{token: sess.token}), http.StatusNoContent)
	s.expect(s.do(http.MethodGet, "/api/auth/me", nil, sess), http.StatusUnauthorized)
}

func TestUnlockLockoutRevokesSession(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodPost, "/api/auth/login", map[string]string{"blinders_id": adminID, "password": adminPassword}, session{})
	s.expect(rec, http.StatusOK)
	sess := session{token: decode[service.LoginResult](t, rec).Token}

	s.expect(s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": "1"}, sess), http.StatusLocked)
	s.expect(s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": "2"}, sess), http.StatusLocked)
	s.expect(s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": "3"}, sess), http.StatusUnauthorized)
	// правильный паскод уже не поможет
	s.expect(s.do(http.MethodPost, "/api/auth/unlock", map[string]string{"passcode": testPasscode}, sess), http.StatusUnauthorized)
}

func TestChannelPostingRules(t *testing.T) {
	s := newServer(t)
	admin := s.login(adminID, adminPassword)
	alice, _ := s.member(admin, "alice")
	bob, _ := s.member(admin, "bob")

	s.expect(s.do(http.MethodPost, "/api/conversations/announcements/messages",
		model.Draft{Type: model.MessageTypeText, Content: "hi all"}, alice), http.StatusForbidden)
	s.expect(s.do(http.MethodPost, "/api/conversations/announcements/messages",
		model.Draft{Type: model.MessageTypeText, Content: "welcome"}, admin), http.StatusCreated)
	s.expect(s.do(http.MethodPost, "/api/conversations/study/messages",
		model.Draft{Type: model.MessageTypeText, Content: ""}, alice), http.StatusBadRequest)
	s.expect(s.do(http.MethodPost, "/api/conversations/nowhere/messages",
		model.Draft{Type: model.MessageTypeText, Content: "x"}, alice), http.StatusBadRequest)

	rec := s.do(http.MethodPost, "/api/conversations/study/messages", model.Draft{Type: model.MessageTypeText, Content: "notes"}, alice)
	s.expect(rec, http.StatusCreated)
	sent := decode[model.Message](t, rec)

	rec = s.do(http.MethodGet, "/api/conversations/study/messages", nil, bob)
	s.expect(rec, http.StatusOK)
	page := decode[struct {
		Messages   []model.Message `json:"messages"`
		NextCursor string          `json:"next_cursor"`
	}](t, rec)
	if len(page.Messages) != 1 || page.Messages[0].ID != sent.ID || page.Messages[0].Body.Text() != "notes" {
		t.Fatalf("page = %+v", page)
	}
	if page.NextCursor == "" {
		t.Fatal("next cursor is empty")
	}

	rec = s.do(http.MethodGet, "/api/conversations/study/messages?cursor="+page.NextCursor, nil, bob)
	s.expect(rec, http.StatusOK)
	next := decode[struct {
		Messages   []model.Message `json:"messages"`
		NextCursor string          `json:"next_cursor"`
	}](t, rec)
	if len(next.Messages) != 0 || next.NextCursor != page.NextCursor {
		t.Fatalf("after last: %+v", next)
	}
	s.expect(s.do(http.MethodGet, "/api/conversations/study/messages?cursor=bogus", nil, bob), http.StatusBadRequest)

	rec = s.do(http.MethodGet, "/api/channels", nil, alice)
	s.expect(rec, http.StatusOK)
	for _, ch := range decode[[]struct {
		Channel model.Channel `json:"channel"`
		CanPost bool          `json:"can_post"`
	}](t, rec) {
		if ch.CanPost != (ch.Channel != model.ChannelAnnouncements) {
			t.Fatalf("channel %s can_post=%v", ch.Channel, ch.CanPost)
		}
	}
}

func TestDirectMessagesAndReactions(t *testing.T) {
	s := newServer(t)
	admin := s.login(adminID, adminPassword)
	alice, aliceU := s.member(admin, "alice")
	bob, bobU := s.member(admin, "bob")
	carol, _ := s.member(admin, "carol")

	rec := s.do(http.MethodPost, "/api/conversations/dm:"+bobU.ID+"/messages", model.Draft{Type: model.MessageTypeText, Content: "psst"}, alice)
	s.expect(rec, http.StatusCreated)
	m := decode[model.Message](t, rec)

	dmKey := m.Conversation.Key()
	s.expect(s.do(http.MethodGet, "/api/conversations/"+dmKey+"/messages", nil, carol), http.StatusForbidden)
	s.expect(s.do(http.MethodGet, "/api/conversations/dm:"+aliceU.ID+"/messages", nil, bob), http.StatusOK)

	rec = s.do(http.MethodGet, "/api/dm/conversations", nil, bob)
	s.expect(rec, http.StatusOK)
	if threads := decode[[]model.DMThread](t, rec); len(threads) != 1 || threads[0].PeerID != aliceU.ID {
		t.Fatalf("threads = %+v", threads)
	}

	rec = s.do(http.MethodPost, "/api/conversations/dm:"+aliceU.ID+"/read", nil, bob)
	s.expect(rec, http.StatusOK)
	if n := decode[map[string]int](t, rec)["count"]; n != 1 {
		t.Fatalf("read count = %d", n)
	}

	path := "/api/messages/" + strconv.FormatInt(m.ID, 10) + "/reactions"
	s.expect(s.do(http.MethodPost, path, map[string]string{"emoji": "👍"}, bob), http.StatusCreated)
	s.expect(s.do(http.MethodPost, path, map[string]string{"emoji": "👍"}, bob), http.StatusOK)
	s.expect(s.do(http.MethodPost, path, map[string]string{"emoji": "👍"}, carol), http.StatusForbidden)

	rec = s.do(http.MethodGet, path, nil, alice)
	s.expect(rec, http.StatusOK)
	groups := decode[[]model.ReactionGroup](t, rec)
	if len(groups) != 1 || groups[0].Count != 1 || groups[0].Users[0] != bobU.ID {
		t.Fatalf("groups = %+v", groups)
	}

	rec = s.do(http.MethodDelete, path+"/%F0%9F%91%8D", nil, bob)
	s.expect(rec, http.StatusOK)
	if !decode[map[string]bool](t, rec)["changed"] {
		t.Fatal("reaction not removed")
	}
	s.expect(s.do(http.MethodGet, "/api/messages/abc/reactions", nil, alice), http.StatusBadRequest)
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	s := newServer(t)
	admin := s.login(adminID, adminPassword)
	alice, aliceU := s.member(admin, "alice")

	s.expect(s.do(http.MethodPost, "/api/admin/users", map[string]string{"display_name": "x", "password": "secret1"}, alice), http.StatusForbidden)
	s.expect(s.do(http.MethodPut, "/api/admin/users/"+aliceU.ID+"/role", map[string]string{"role": "admin"}, alice), http.StatusForbidden)
	s.expect(s.do(http.MethodPut, "/api/admin/users/"+aliceU.ID+"/role", map[string]string{"role": "emperor"}, admin), http.StatusBadRequest)
	s.expect(s.do(http.MethodPut, "/api/admin/users/"+aliceU.ID+"/role", map[string]string{"role": "president"}, admin), http.StatusNoContent)

	s.expect(s.do(http.MethodPut, "/api/admin/users/"+aliceU.ID+"/active", map[string]bool{"active": false}, admin), http.StatusNoContent)
	// деактивация отзывает сессии
	s.expect(s.do(http.MethodGet, "/api/channels", nil, alice), http.StatusUnauthorized)
}

func TestPresenceSnapshot(t *testing.T) {
	s := newServer(t)
	admin := s.login(adminID, adminPassword)

	rec := s.do(http.MethodGet, "/api/presence/study", nil, admin)
	s.expect(rec, http.StatusOK)
	snap := decode[presenceResponse](t, rec)
	if snap.Conversation != "study" || snap.Online == nil || len(snap.Typing) != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func (s *server) upload(sess session, kind, contentType string, data []byte) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="pic"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		s.t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		s.t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		s.t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/media/upload?kind="+kind, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+sess.token)
	req.Header.Set(middleware.HeaderUnlockGrant, sess.grant)
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

func TestMediaUploadAndServe(t *testing.T) {
	s := newServer(t)
	admin := s.login(adminID, adminPassword)

	s.expect(s.upload(admin, "message", "application/pdf", []byte("%PDF-1.4")), http.StatusBadRequest)
	s.expect(s.upload(admin, "message", "image/png", []byte("not a png at all")), http.StatusBadRequest)
	s.expect(s.upload(admin, "sticker", "image/png", pngHeader), http.StatusBadRequest)

	rec := s.upload(admin, "avatar", "image/png", pngHeader)
	s.expect(rec, http.StatusCreated)
	res := decode[media.Result](t, rec)
	if res.Type != model.MessageTypeImage || !strings.HasPrefix(res.URL, "/media/") {
		t.Fatalf("result = %+v", res)
	}

	rec = s.do(http.MethodGet, "/api/auth/me", nil, admin)
	s.expect(rec, http.StatusOK)
	if me := decode[model.UserPublic](t, rec); me.AvatarURL != res.URL {
		t.Fatalf("avatar = %q, want %q", me.AvatarURL, res.URL)
	}

	rec = s.do(http.MethodGet, res.URL, nil, admin)
	s.expect(rec, http.StatusOK)
	if !bytes.Equal(rec.Body.Bytes(), pngHeader) || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("served %q (%s)", rec.Body.String(), rec.Header().Get("Content-Type"))
	}
	s.expect(s.do(http.MethodGet, "/media/nobody/1.png", nil, admin), http.StatusNotFound)
	s.expect(s.do(http.MethodGet, res.URL, nil, session{}), http.StatusUnauthorized)
}
