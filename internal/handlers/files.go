// Package handlers implements the HTTP handlers for the file routes.
package handlers

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	gwerr "github.com/bleepstore/filegateway/internal/errors"
	"github.com/bleepstore/filegateway/internal/files"
	"github.com/bleepstore/filegateway/internal/jsonutil"
)

// formField is the multipart field carrying the uploaded file.
const formField = "file"

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

// FileHandler binds the file routes to the file service.
type FileHandler struct {
	svc           *files.Service
	maxUploadSize int64
}

// NewFileHandler creates a FileHandler. A maxUploadSize of zero disables the
// body limit.
func NewFileHandler(svc *files.Service, maxUploadSize int64) *FileHandler {
	return &FileHandler{svc: svc, maxUploadSize: maxUploadSize}
}

// Upload handles POST /file/{bucket}. The file is read from the "file" part
// of a multipart/form-data body and stored under its filename.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) (*jsonutil.Result, error) {
	bucket := urlParam(r, "bucket")

	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, gwerr.ErrFileTooLarge
		}
		return nil, gwerr.ErrFileNotProvided
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(formField)
	if err != nil {
		return nil, gwerr.ErrFileNotProvided
	}
	defer file.Close()

	p, err := h.svc.Upload(r.Context(), files.UploadRequest{
		Bucket:      bucket,
		Filename:    partFilename(header),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		return nil, err
	}
	return jsonutil.Created("Uploaded file successfully.", locationData(p)), nil
}

// Fetch handles GET /file/{bucket}/{filename}.
func (h *FileHandler) Fetch(w http.ResponseWriter, r *http.Request) (*jsonutil.Result, error) {
	p, err := h.svc.Fetch(r.Context(), urlParam(r, "bucket"), urlParam(r, "filename"))
	if err != nil {
		return nil, err
	}
	return jsonutil.OK("Generated file URL successfully.", locationData(p)), nil
}

// Delete handles DELETE /file/{bucket}/{filename}.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) (*jsonutil.Result, error) {
	if err := h.svc.Delete(r.Context(), urlParam(r, "bucket"), urlParam(r, "filename")); err != nil {
		return nil, err
	}
	return jsonutil.OK("Deleted file successfully.", nil), nil
}

// urlParam returns the decoded route parameter. chi matches on RawPath when
// the request carries one, as it does for escapes such as %2F, and on the
// already decoded Path otherwise. Only the former needs unescaping.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// partFilename returns the filename exactly as the client sent it.
// multipart.FileHeader.Filename keeps only the base name, which would store
// "dir/x.txt" under "x.txt".
func partFilename(header *multipart.FileHeader) string {
	_, params, err := mime.ParseMediaType(header.Header.Get("Content-Disposition"))
	if err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	return header.Filename
}

func locationData(p files.PresignedURL) map[string]string {
	return map[string]string{"location": p.URL}
}
