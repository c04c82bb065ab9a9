// Package media принимает вложения сообщений и аватары: проверяет тип и размер,
// сверяет сигнатуру файла и кладёт его на локальный диск под <userID>/<unixmillis><ext>.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/model"
)

const (
	MB = 1 << 20

	maxImageSize  = 10 * MB
	maxVideoSize  = 50 * MB
	maxAudioSize  = 10 * MB
	maxAvatarSize = 5 * MB

	// URLPrefix: откуда файлы раздаются наружу.
	URLPrefix = "/media/"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindAvatar  Kind = "avatar"
)

type rule struct {
	msgType model.MessageType
	ext     string
	max     int64
}

var messageRules = map[string]rule{
	"image/jpeg": {model.MessageTypeImage, ".jpg", maxImageSize},
	"image/png":  {model.MessageTypeImage, ".png", maxImageSize},
	"image/gif":  {model.MessageTypeImage, ".gif", maxImageSize},
	"image/webp": {model.MessageTypeImage, ".webp", maxImageSize},
	"video/mp4":  {model.MessageTypeVideo, ".mp4", maxVideoSize},
	"video/webm": {model.MessageTypeVideo, ".webm", maxVideoSize},
	"audio/webm": {model.MessageTypeVoice, ".weba", maxAudioSize},
	"audio/mpeg": {model.MessageTypeVoice, ".mp3", maxAudioSize},
	"audio/mp3":  {model.MessageTypeVoice, ".mp3", maxAudioSize},
	"audio/wav":  {model.MessageTypeVoice, ".wav", maxAudioSize},
	"audio/ogg":  {model.MessageTypeVoice, ".ogg", maxAudioSize},
}

var ErrTooLarge = errors.New("file too large")

// Result: ответ после успешной загрузки. Type подставляется в Draft.Type.
type Result struct {
	URL         string            `json:"url"`
	ContentType string            `json:"content_type"`
	Type        model.MessageType `json:"type"`
	Size        int64             `json:"size"`
}

func (r Result) Ref() *model.MediaRef {
	return &model.MediaRef{URL: r.URL, ContentType: r.ContentType}
}

// MaxSize: верхняя граница тела запроса для kind (для http.MaxBytesReader).
func MaxSize(kind Kind) int64 {
	if kind == KindAvatar {
		return maxAvatarSize
	}
	return maxVideoSize
}

// classify возвращает правило для content type или ошибку валидации.
func classify(kind Kind, contentType string) (rule, error) {
	ct, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return rule{}, apperr.Validation("unknown content type")
	}
	ct = strings.ToLower(ct)
	switch kind {
	case KindAvatar:
		r, ok := messageRules[ct]
		if !ok || r.msgType != model.MessageTypeImage {
			return rule{}, apperr.Validation("avatar must be jpeg, png, gif or webp")
		}
		r.max = maxAvatarSize
		return r, nil
	case KindMessage, "":
		r, ok := messageRules[ct]
		if !ok {
			return rule{}, apperr.Validation("only images, videos and audio are allowed")
		}
		return r, nil
	}
	return rule{}, apperr.Validation("unknown upload kind")
}

// Store: локальное хранилище файлов.
type Store struct {
	Dir string
	now func() time.Time
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir, now: time.Now}
}

// Accept проверяет и сохраняет файл. size: заявленный размер (multipart header), -1 если неизвестен.
func (s *Store) Accept(ctx context.Context, userID string, kind Kind, contentType string, size int64, src io.Reader) (Result, error) {
	defer logger.DeferLogDuration("media.Accept", time.Now())()
	if !safeSegment(userID) {
		return Result{}, apperr.Validation("invalid user id")
	}
	r, err := classify(kind, contentType)
	if err != nil {
		return Result{}, err
	}
	if size > r.max {
		return Result{}, apperr.Validation(fmt.Sprintf("%v: maximum size is %dMB", ErrTooLarge, r.max/MB))
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(src, head, len(head))
	head = head[:n]
	if !matchMagic(r, head) {
		return Result{}, apperr.Validation("file content does not match type")
	}

	dir := filepath.Join(s.Dir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("media.Accept mkdir: %w", err)
	}
	dst, name, err := s.create(dir, r.ext)
	if err != nil {
		return Result{}, fmt.Errorf("media.Accept create: %w", err)
	}
	dstPath := dst.Name()
	written, err := copyLimited(ctx, dst, io.MultiReader(bytes.NewReader(head), src), r.max)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dstPath)
		if errors.Is(err, ErrTooLarge) {
			return Result{}, apperr.Validation(fmt.Sprintf("%v: maximum size is %dMB", ErrTooLarge, r.max/MB))
		}
		return Result{}, fmt.Errorf("media.Accept write: %w", err)
	}

	ct, _, _ := mime.ParseMediaType(contentType)
	return Result{
		URL:         URLPrefix + userID + "/" + name,
		ContentType: strings.ToLower(ct),
		Type:        r.msgType,
		Size:        written,
	}, nil
}

// create открывает новый файл <unixmillis><ext>; при коллизии берёт следующую миллисекунду.
func (s *Store) create(dir, ext string) (*os.File, string, error) {
	ms := s.now().UnixMilli()
	for i := 0; i < 100; i++ {
		name := strconv.FormatInt(ms+int64(i), 10) + ext
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free file name in %s", dir)
}

// Open открывает файл по пути из URL (<userID>/<file>). Выход за пределы Dir невозможен.
func (s *Store) Open(rel string) (*os.File, string, error) {
	userID, name, ok := strings.Cut(strings.TrimPrefix(rel, "/"), "/")
	if !ok || !safeSegment(userID) || !safeSegment(name) {
		return nil, "", apperr.ErrNotFound
	}
	f, err := os.Open(filepath.Join(s.Dir, userID, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", apperr.ErrNotFound
		}
		return nil, "", fmt.Errorf("media.Open: %w", err)
	}
	return f, contentTypeByExt(filepath.Ext(name)), nil
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`+"\x00")
}

func matchMagic(r rule, head []byte) bool {
	switch r.ext {
	case ".jpg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".wav":
		return len(head) >= 12 && bytes.Equal(head[:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE"))
	case ".ogg":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS"))
	case ".webm", ".weba":
		return len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3})
	case ".mp4":
		return len(head) >= 8 && bytes.Equal(head[4:8], []byte("ftyp"))
	case ".mp3":
		return len(head) >= 3 && (bytes.Equal(head[:3], []byte("ID3")) || (head[0] == 0xFF && head[1]&0xE0 == 0xE0))
	}
	return false
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".weba":
		return "audio/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	}
	return "application/octet-stream"
}

// copyLimited копирует не больше max байт; больше: ErrTooLarge. Прерывается по ctx.
func copyLimited(ctx context.Context, dst io.Writer, src io.Reader, max int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > max {
				return total, ErrTooLarge
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, fmt.Errorf("read: %w", readErr)
		}
	}
}
