package policy

import (
	"errors"
	"testing"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
)

func TestChannelTable(t *testing.T) {
	roles := []model.Role{model.RoleAdmin, model.RolePresident, model.RoleChiefMember, model.RoleSeniorMember, model.RoleMember}
	for _, role := range roles {
		p := model.Principal{UserID: "u-" + string(role), Role: role}
		for _, ch := range model.StaticChannels {
			c := model.ChannelConversation(ch)
			wantPost := ch != model.ChannelAnnouncements || role == model.RoleAdmin
			if got := CanPost(p, c); got != wantPost {
				t.Errorf("CanPost(%s, %s) = %v, want %v", role, ch, got, wantPost)
			}
			if !CanRead(p, c) {
				t.Errorf("CanRead(%s, %s) = false", role, ch)
			}
		}
	}
}

func TestDirectMessageParticipancy(t *testing.T) {
	dm, err := model.DirectConversation("alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		p    model.Principal
		want bool
	}{
		{model.Principal{UserID: "alice", Role: model.RoleMember}, true},
		{model.Principal{UserID: "bob", Role: model.RoleAdmin}, true},
		{model.Principal{UserID: "carol", Role: model.RoleAdmin}, false},
		{model.Principal{UserID: "dave", Role: model.RoleMember}, false},
	} {
		if got := CanPost(tc.p, dm); got != tc.want {
			t.Errorf("CanPost(%s) = %v, want %v", tc.p.UserID, got, tc.want)
		}
		if got := CanRead(tc.p, dm); got != tc.want {
			t.Errorf("CanRead(%s) = %v, want %v", tc.p.UserID, got, tc.want)
		}
	}
}

func TestUnknownChannelAndAnonymous(t *testing.T) {
	bogus := model.ChannelConversation("general")
	admin := model.Principal{UserID: "a", Role: model.RoleAdmin}
	if CanRead(admin, bogus) || CanPost(admin, bogus) {
		t.Fatal("unknown channel must deny")
	}
	study := model.ChannelConversation(model.ChannelStudy)
	if CanRead(model.Principal{}, study) {
		t.Fatal("anonymous principal must not read")
	}
}

func TestAuthorizeReturnsForbidden(t *testing.T) {
	member := model.Principal{UserID: "m", Role: model.RoleMember}
	err := Authorize(member, model.ChannelConversation(model.ChannelAnnouncements), ActionPost)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
	if err := Authorize(member, model.ChannelConversation(model.ChannelStudy), ActionPost); err != nil {
		t.Fatalf("study post denied: %v", err)
	}
	rows := Channels(member)
	if len(rows) != 3 || rows[0].CanPost {
		t.Fatalf("channel listing = %+v", rows)
	}
}
