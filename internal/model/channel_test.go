package model

import (
	"errors"
	"testing"
)

func TestResolveConversation(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		err  bool
	}{
		{"study", "study", false},
		{" announcements ", "announcements", false},
		{"dm:u2", "dm:u1:u2", false},
		{"dm:u0", "dm:u0:u1", false},
		{"dm:u2:u1", "dm:u1:u2", false},
		{"dm:u1", "", true},
		{"general", "", true},
		{"dm:", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			c, err := ResolveConversation("u1", tc.raw)
			if tc.err {
				if !errors.Is(err, ErrBadConversation) {
					t.Fatalf("err = %v, want ErrBadConversation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if c.Key() != tc.want {
				t.Fatalf("key = %q, want %q", c.Key(), tc.want)
			}
		})
	}
}

func TestConversationTopics(t *testing.T) {
	dm, err := DirectConversation("b", "a")
	if err != nil {
		t.Fatal(err)
	}
	if dm.MessagesTopic() != "dm:a:b" {
		t.Fatalf("dm messages topic = %q", dm.MessagesTopic())
	}
	study := ChannelConversation(ChannelStudy)
	want := []string{"messages:study", "reactions:study", "typing:study", "sending:study", "presence:study"}
	got := study.Topics()
	if len(got) != len(want) {
		t.Fatalf("topics = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("topics = %v, want %v", got, want)
		}
	}
	if study.Peer("a") != "" || dm.Peer("a") != "b" {
		t.Fatal("peer lookup")
	}
}
