package handler

import (
	"github.com/labstack/echo/v4"

	"castlemate/internal/infrastructure/storage"
	"castlemate/pkg/chatproto"
	"castlemate/pkg/errors"
	"castlemate/pkg/response"
)

type FileHandler struct {
	storageClient *storage.CloudStorageClient
	maxUploadSize int64
}

func NewFileHandler(storageClient *storage.CloudStorageClient, maxUploadSizeMB int64) *FileHandler {
	return &FileHandler{
		storageClient: storageClient,
		maxUploadSize: maxUploadSizeMB * 1024 * 1024,
	}
}

// UploadAttachment accepts a multipart file and returns the metadata the
// client embeds in a file-type message.
func (h *FileHandler) UploadAttachment(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.Error(c, errors.BadRequest("A file field is required", err))
	}

	if fileHeader.Size > h.maxUploadSize {
		return response.Error(c, errors.BadRequest("File exceeds the maximum upload size", nil))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.Error(c, errors.Internal("Failed to open uploaded file", err))
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	url, err := h.storageClient.UploadAttachment(c.Request().Context(), file, fileHeader.Filename, contentType)
	if err != nil {
		return response.Error(c, errors.Internal("Failed to store attachment", err))
	}

	return response.Created(c, chatproto.FileMeta{
		Name:     fileHeader.Filename,
		Size:     fileHeader.Size,
		URL:      url,
		MimeType: contentType,
	})
}
