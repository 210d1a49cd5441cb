// Package upload accepts attachment files over HTTP and turns them into
// chat.Attachment records.
package upload

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"pairchat/internal/chat"
	"pairchat/internal/logger"
	"pairchat/internal/middleware"
	"pairchat/internal/response"
	"pairchat/internal/storage"
)

const (
	formField      = "file"
	defaultMaxSize = 10 << 20
	urlExpiry      = 7 * 24 * time.Hour
)

var (
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("invalid file type, only images, videos and documents are allowed")
)

type fileKind struct {
	mediaKind string
	mimes     []string
}

func imageKind(m ...string) fileKind    { return fileKind{mediaKind: "image", mimes: m} }
func videoKind(m ...string) fileKind    { return fileKind{mediaKind: "video", mimes: m} }
func documentKind(m ...string) fileKind { return fileKind{mediaKind: "document", mimes: m} }

// allowed maps a lower-case extension to the content types it may carry.
var allowed = map[string]fileKind{
	".jpg":  imageKind("image/jpeg"),
	".jpeg": imageKind("image/jpeg"),
	".png":  imageKind("image/png"),
	".gif":  imageKind("image/gif"),
	".mp4":  videoKind("video/mp4"),
	".mov":  videoKind("video/quicktime"),
	".avi":  videoKind("video/x-msvideo"),
	".pdf":  documentKind("application/pdf"),
	".doc":  documentKind("application/msword", "application/x-ole-storage"),
	".docx": documentKind("application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"),
	".txt":  documentKind("text/plain"),
}

type Handler struct {
	store   storage.Storage
	maxSize int64
}

func NewHandler(store storage.Storage, maxSize int64) *Handler {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Handler{store: store, maxSize: maxSize}
}

// Upload stores the multipart "file" field and answers with its Attachment.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		response.Error(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	l := logger.Ctx(r.Context())

	// Leave room for the multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+1<<20)
	file, header, err := r.FormFile(formField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(w, http.StatusRequestEntityTooLarge, ErrTooLarge.Error(), nil)
			return
		}
		response.Error(w, http.StatusBadRequest, "missing file field", err)
		return
	}
	defer file.Close()

	if header.Size > h.maxSize {
		response.Error(w, http.StatusRequestEntityTooLarge, ErrTooLarge.Error(),
			fmt.Errorf("%d bytes exceeds the %d byte limit", header.Size, h.maxSize))
		return
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "unreadable file", err)
		return
	}
	kind, ok := classify(ext, mtype)
	if !ok {
		l.Info().Str("filename", header.Filename).Str("mime", mtype.String()).Msg("upload rejected")
		response.Error(w, http.StatusUnsupportedMediaType, ErrUnsupportedType.Error(), nil)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		response.Error(w, http.StatusInternalServerError, "upload failed", nil)
		return
	}

	key := fmt.Sprintf("%s/%s%s", id.UserID, uuid.NewString(), ext)
	contentType := mtype.String()
	if err := h.store.Write(r.Context(), key, file, header.Size, contentType); err != nil {
		l.Error().Err(err).Str("key", key).Msg("store upload")
		response.Error(w, http.StatusInternalServerError, "upload failed", nil)
		return
	}
	url, err := h.store.GetURL(r.Context(), key, urlExpiry)
	if err != nil {
		l.Error().Err(err).Str("key", key).Msg("resolve upload url")
		if err := h.store.Delete(r.Context(), key); err != nil {
			l.Warn().Err(err).Str("key", key).Msg("remove unreachable upload")
		}
		response.Error(w, http.StatusInternalServerError, "upload failed", nil)
		return
	}

	l.Info().Str("key", key).Int64("size", header.Size).Str("mime", contentType).Msg("file uploaded")
	response.Created(w, chat.Attachment{
		URL:       url,
		Filename:  filepath.Base(header.Filename),
		MediaKind: kind,
		SizeBytes: header.Size,
	})
}

// classify requires the extension and the sniffed content to agree.
func classify(ext string, mtype *mimetype.MIME) (string, bool) {
	kind, ok := allowed[ext]
	if !ok {
		return "", false
	}
	for m := mtype; m != nil; m = m.Parent() {
		for _, want := range kind.mimes {
			if m.Is(want) {
				return kind.mediaKind, true
			}
		}
	}
	return "", false
}
