package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/service"
)

// FileHandler serves the upload, download and index endpoints.
type FileHandler struct {
	files  *service.FileService
	logger zerolog.Logger
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(files *service.FileService, logger zerolog.Logger) *FileHandler {
	return &FileHandler{
		files:  files,
		logger: logger.With().Str("handler", "file").Logger(),
	}
}

// RegisterRoutes registers the file routes.
func (h *FileHandler) RegisterRoutes(r chi.Router) {
	r.Post("/uploads/file", h.handleUploadFile)
	r.Post("/uploads/appMetaData", h.handleUploadAppMetaData)
	r.Post("/uploads/deletion", h.handleUploadDeletion)
	r.Post("/uploads/finish", h.handleFinishUploads)
	r.Get("/uploads/results/{deferredUploadID}", h.handleGetUploadsResults)
	r.Get("/index", h.handleIndex)
	r.Post("/download", h.handleDownloadFile)
}

// =============================================================================
// Request / Response Types
// =============================================================================

type appMetaDataBody struct {
	Version  int32  `json:"version" validate:"gte=0"`
	Contents string `json:"contents"`
}

type uploadFileRequest struct {
	SharingGroupUUID   string           `json:"sharingGroupUUID" validate:"required,uuid"`
	FileUUID           string           `json:"fileUUID" validate:"required,uuid"`
	MasterVersion      int64            `json:"masterVersion" validate:"gte=0"`
	FileVersion        int32            `json:"fileVersion" validate:"gte=0"`
	UploadIndex        int32            `json:"uploadIndex" validate:"gte=1"`
	UploadCount        int32            `json:"uploadCount" validate:"gte=1,gtefield=UploadIndex"`
	MimeType           *string          `json:"mimeType,omitempty"`
	CheckSum           *string          `json:"checkSum,omitempty"`
	ChangeResolverName *string          `json:"changeResolverName,omitempty"`
	FileGroupUUID      *string          `json:"fileGroupUUID,omitempty" validate:"omitempty,uuid"`
	ObjectType         *string          `json:"objectType,omitempty"`
	FileLabel          *string          `json:"fileLabel,omitempty"`
	AppMetaData        *appMetaDataBody `json:"appMetaData,omitempty"`
	Undelete           bool             `json:"undelete,omitempty"`
	Data               []byte           `json:"data"`
}

type uploadFileResponse struct {
	AllUploadsFinished       service.AllUploadsFinished `json:"allUploadsFinished"`
	MasterVersionUpdate      *int64                     `json:"masterVersionUpdate,omitempty"`
	DeferredUploadID         *int64                     `json:"deferredUploadId,omitempty"`
	NumberUploadsTransferred int                        `json:"numberUploadsTransferred"`
	Gone                     *domain.GoneReason         `json:"gone,omitempty"`
	CreationDate             *time.Time                 `json:"creationDate,omitempty"`
	UpdateDate               *time.Time                 `json:"updateDate,omitempty"`
}

func newUploadFileResponse(out *service.UploadFileOutput) uploadFileResponse {
	resp := uploadFileResponse{
		AllUploadsFinished:       out.AllUploadsFinished,
		MasterVersionUpdate:      out.MasterVersionUpdate,
		DeferredUploadID:         out.DeferredUploadID,
		NumberUploadsTransferred: out.NumberUploadsTransferred,
		Gone:                     out.Gone,
	}
	if !out.CreationDate.IsZero() {
		resp.CreationDate = &out.CreationDate
	}
	if !out.UpdateDate.IsZero() {
		resp.UpdateDate = &out.UpdateDate
	}
	return resp
}

type uploadAppMetaDataRequest struct {
	SharingGroupUUID string          `json:"sharingGroupUUID" validate:"required,uuid"`
	FileUUID         string          `json:"fileUUID" validate:"required,uuid"`
	MasterVersion    int64           `json:"masterVersion" validate:"gte=0"`
	UploadIndex      int32           `json:"uploadIndex" validate:"gte=1"`
	UploadCount      int32           `json:"uploadCount" validate:"gte=1,gtefield=UploadIndex"`
	AppMetaData      appMetaDataBody `json:"appMetaData"`
}

type uploadDeletionRequest struct {
	SharingGroupUUID string  `json:"sharingGroupUUID" validate:"required,uuid"`
	MasterVersion    int64   `json:"masterVersion" validate:"gte=0"`
	FileUUID         *string `json:"fileUUID,omitempty" validate:"omitempty,uuid"`
	FileVersion      *int32  `json:"fileVersion,omitempty"`
	FileGroupUUID    *string `json:"fileGroupUUID,omitempty" validate:"omitempty,uuid"`
}

type uploadDeletionResponse struct {
	MasterVersionUpdate *int64 `json:"masterVersionUpdate,omitempty"`
	DeferredUploadID    *int64 `json:"deferredUploadId,omitempty"`
	AlreadyDeleted      bool   `json:"alreadyDeleted,omitempty"`
}

type finishUploadsRequest struct {
	SharingGroupUUID string `json:"sharingGroupUUID" validate:"required,uuid"`
	MasterVersion    int64  `json:"masterVersion" validate:"gte=0"`
}

type finishUploadsResponse struct {
	AllUploadsFinished       service.AllUploadsFinished `json:"allUploadsFinished"`
	MasterVersionUpdate      *int64                     `json:"masterVersionUpdate,omitempty"`
	DeferredUploadID         *int64                     `json:"deferredUploadId,omitempty"`
	NumberUploadsTransferred int                        `json:"numberUploadsTransferred"`
}

type uploadsResultsResponse struct {
	Status      domain.DeferredUploadStatus `json:"status"`
	ErrorReason *string                     `json:"errorReason,omitempty"`
	CompletedAt *time.Time                  `json:"completedAt,omitempty"`
}

type indexResponse struct {
	SharingGroups []*domain.SharingGroupSummary `json:"sharingGroups"`
	Files         []*domain.FileIndex           `json:"fileIndex,omitempty"`
	MasterVersion *int64                        `json:"masterVersion,omitempty"`
}

type downloadFileRequest struct {
	SharingGroupUUID string `json:"sharingGroupUUID" validate:"required,uuid"`
	FileUUID         string `json:"fileUUID" validate:"required,uuid"`
	FileVersion      int32  `json:"fileVersion" validate:"gte=0"`
}

type downloadFileResponse struct {
	Data               []byte             `json:"data,omitempty"`
	CheckSum           string             `json:"checkSum,omitempty"`
	AppMetaData        *string            `json:"appMetaData,omitempty"`
	AppMetaDataVersion *int32             `json:"appMetaDataVersion,omitempty"`
	ContentsChanged    bool               `json:"contentsChanged"`
	Gone               *domain.GoneReason `json:"gone,omitempty"`
}

// =============================================================================
// Uploads
// =============================================================================

func (h *FileHandler) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req uploadFileRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	input := service.UploadFileInput{
		UserID:             caller.UserID,
		DeviceUUID:         caller.DeviceUUID,
		SharingGroupUUID:   req.SharingGroupUUID,
		FileUUID:           req.FileUUID,
		MasterVersion:      req.MasterVersion,
		FileVersion:        req.FileVersion,
		UploadIndex:        req.UploadIndex,
		UploadCount:        req.UploadCount,
		MimeType:           req.MimeType,
		CheckSum:           req.CheckSum,
		ChangeResolverName: req.ChangeResolverName,
		FileGroupUUID:      req.FileGroupUUID,
		ObjectType:         req.ObjectType,
		FileLabel:          req.FileLabel,
		Undelete:           req.Undelete,
		Data:               req.Data,
	}
	if req.AppMetaData != nil {
		input.AppMetaData = &service.AppMetaData{
			Version:  req.AppMetaData.Version,
			Contents: req.AppMetaData.Contents,
		}
	}

	out, err := h.files.UploadFile(r.Context(), input)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newUploadFileResponse(out))
}

func (h *FileHandler) handleUploadAppMetaData(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req uploadAppMetaDataRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.files.UploadAppMetaData(r.Context(), service.UploadAppMetaDataInput{
		UserID:           caller.UserID,
		DeviceUUID:       caller.DeviceUUID,
		SharingGroupUUID: req.SharingGroupUUID,
		FileUUID:         req.FileUUID,
		MasterVersion:    req.MasterVersion,
		UploadIndex:      req.UploadIndex,
		UploadCount:      req.UploadCount,
		AppMetaData: service.AppMetaData{
			Version:  req.AppMetaData.Version,
			Contents: req.AppMetaData.Contents,
		},
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newUploadFileResponse(out))
}

func (h *FileHandler) handleUploadDeletion(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req uploadDeletionRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.files.UploadDeletion(r.Context(), service.UploadDeletionInput{
		UserID:           caller.UserID,
		DeviceUUID:       caller.DeviceUUID,
		SharingGroupUUID: req.SharingGroupUUID,
		MasterVersion:    req.MasterVersion,
		FileUUID:         req.FileUUID,
		FileVersion:      req.FileVersion,
		FileGroupUUID:    req.FileGroupUUID,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadDeletionResponse{
		MasterVersionUpdate: out.MasterVersionUpdate,
		DeferredUploadID:    out.DeferredUploadID,
		AlreadyDeleted:      out.AlreadyDeleted,
	})
}

func (h *FileHandler) handleFinishUploads(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req finishUploadsRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.files.FinishUploads(r.Context(), service.FinishInput{
		UserID:           caller.UserID,
		DeviceUUID:       caller.DeviceUUID,
		SharingGroupUUID: req.SharingGroupUUID,
		MasterVersion:    req.MasterVersion,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, finishUploadsResponse{
		AllUploadsFinished:       out.AllUploadsFinished,
		MasterVersionUpdate:      out.MasterVersionUpdate,
		DeferredUploadID:         out.DeferredUploadID,
		NumberUploadsTransferred: out.NumberUploadsTransferred,
	})
}

func (h *FileHandler) handleGetUploadsResults(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "deferredUploadID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, invalidRequest("deferredUploadID must be a positive integer"))
		return
	}

	out, err := h.files.GetUploadsResults(r.Context(), caller.UserID, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadsResultsResponse{
		Status:      out.Status,
		ErrorReason: out.ErrorReason,
		CompletedAt: out.CompletedAt,
	})
}

// =============================================================================
// Index / Download
// =============================================================================

func (h *FileHandler) handleIndex(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var sharingGroupUUID *string
	if v := r.URL.Query().Get("sharingGroupUUID"); v != "" {
		sharingGroupUUID = &v
	}

	out, err := h.files.Index(r.Context(), caller.UserID, sharingGroupUUID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	groups := out.SharingGroups
	if groups == nil {
		groups = []*domain.SharingGroupSummary{}
	}
	writeJSON(w, http.StatusOK, indexResponse{
		SharingGroups: groups,
		Files:         out.Files,
		MasterVersion: out.MasterVersion,
	})
}

func (h *FileHandler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req downloadFileRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.files.DownloadFile(r.Context(), service.DownloadFileInput{
		UserID:           caller.UserID,
		SharingGroupUUID: req.SharingGroupUUID,
		FileUUID:         req.FileUUID,
		FileVersion:      req.FileVersion,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, downloadFileResponse{
		Data:               out.Data,
		CheckSum:           out.CheckSum,
		AppMetaData:        out.AppMetaData,
		AppMetaDataVersion: out.AppMetaDataVersion,
		ContentsChanged:    out.ContentsChanged,
		Gone:               out.Gone,
	})
}

// callerOf returns the authenticated caller, writing a 401 when there is none.
func callerOf(w http.ResponseWriter, r *http.Request) (*auth.AuthContext, bool) {
	caller, err := auth.RequireAuth(r.Context())
	if err != nil {
		writeError(w, mapError(err))
		return nil, false
	}
	return caller, true
}
