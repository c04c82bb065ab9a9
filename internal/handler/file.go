package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/blinders/internal/apperr"
	"github.com/blinders/internal/logger"
	"github.com/blinders/internal/media"
	"github.com/blinders/internal/service"
)

// multipartOverhead: запас на заголовки multipart сверх лимита файла.
const multipartOverhead = 1 << 20

type FileHandler struct {
	store *media.Store
	users *service.UserService
}

func NewFileHandler(store *media.Store, users *service.UserService) *FileHandler {
	return &FileHandler{store: store, users: users}
}

// Upload принимает multipart с полем "file". kind=avatar сразу ставит аватар текущему пользователю.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	kind := media.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = media.KindMessage
	}
	if kind != media.KindMessage && kind != media.KindAvatar {
		writeError(w, http.StatusBadRequest, "kind must be message or avatar")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, media.MaxSize(kind)+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart/form-data expected")
		return
	}
	p := principal(r)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "file field is required")
			return
		}
		if err != nil {
			writeErr(w, r, apperr.Validation("malformed multipart body"))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		res, err := h.store.Accept(r.Context(), p.UserID, kind, part.Header.Get("Content-Type"), -1, part)
		part.Close()
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeError(w, http.StatusRequestEntityTooLarge, "file too large")
				return
			}
			writeErr(w, r, err)
			return
		}
		if kind == media.KindAvatar {
			if err := h.users.SetAvatar(r.Context(), p, res.URL); err != nil {
				writeErr(w, r, err)
				return
			}
		}
		logger.Infof("media upload user=%s kind=%s size=%d url=%s", p.UserID, kind, res.Size, res.URL)
		writeJSON(w, http.StatusCreated, res)
		return
	}
}

// Serve отдаёт файл из хранилища по /media/<userID>/<file>.
func (h *FileHandler) Serve(w http.ResponseWriter, r *http.Request) {
	f, contentType, err := h.store.Open(chi.URLParam(r, "*"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	// имена файлов не переиспользуются
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	http.ServeContent(w, r, filepath.Base(f.Name()), info.ModTime(), f)
}
