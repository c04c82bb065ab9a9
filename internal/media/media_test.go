package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/model"
)

var pngHead = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func fixedStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(t.TempDir())
	at := time.UnixMilli(1700000000000)
	s.now = func() time.Time { return at }
	return s
}

func TestAcceptImage(t *testing.T) {
	s := fixedStore(t)
	body := append(append([]byte{}, pngHead...), bytes.Repeat([]byte{1}, 100)...)
	res, err := s.Accept(context.Background(), "u1", KindMessage, "image/png", int64(len(body)), bytes.NewReader(body))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.URL != "/media/u1/1700000000000.png" || res.Type != model.MessageTypeImage || res.Size != int64(len(body)) {
		t.Fatalf("result = %+v", res)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, "u1", "1700000000000.png"))
	if err != nil || !bytes.Equal(data, body) {
		t.Fatalf("stored file differs: %v", err)
	}

	// same millisecond: next name
	res2, err := s.Accept(context.Background(), "u1", KindMessage, "image/png", -1, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if res2.URL != "/media/u1/1700000000001.png" {
		t.Fatalf("second url = %s", res2.URL)
	}

	f, ct, err := s.Open("u1/1700000000000.png")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if ct != "image/png" {
		t.Fatalf("content type = %s", ct)
	}
}

func TestAcceptRejects(t *testing.T) {
	s := fixedStore(t)
	cases := []struct {
		name  string
		kind  Kind
		ct    string
		size  int64
		body  io.Reader
		match error
	}{
		{"pdf", KindMessage, "application/pdf", 10, strings.NewReader("%PDF-1.4"), apperr.ErrValidation},
		{"magic mismatch", KindMessage, "image/png", 10, strings.NewReader("not a png at all"), apperr.ErrValidation},
		{"declared too large", KindMessage, "image/png", 11 * MB, bytes.NewReader(pngHead), apperr.ErrValidation},
		{"video as avatar", KindAvatar, "video/mp4", 10, strings.NewReader("....ftypisom"), apperr.ErrValidation},
		{"actual too large", KindAvatar, "image/png", -1, io.MultiReader(bytes.NewReader(pngHead), bytes.NewReader(make([]byte, 5*MB))), apperr.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Accept(context.Background(), "u1", tc.kind, tc.ct, tc.size, tc.body)
			if !errors.Is(err, tc.match) {
				t.Fatalf("err = %v, want %v", err, tc.match)
			}
		})
	}
	entries, _ := os.ReadDir(filepath.Join(s.Dir, "u1"))
	if len(entries) != 0 {
		t.Fatalf("rejected uploads left %d files", len(entries))
	}
}

func TestOpenRejectsTraversal(t *testing.T) {
	s := fixedStore(t)
	for _, rel := range []string{"../etc/passwd", "u1/../../x", "u1", "/u1/"} {
		if _, _, err := s.Open(rel); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("open %q: %v", rel, err)
		}
	}
}
