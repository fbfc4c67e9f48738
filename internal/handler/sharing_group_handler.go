package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/service"
)

// SharingGroupHandler serves the sharing group endpoints.
type SharingGroupHandler struct {
	groups *service.SharingGroupService
	users  *service.UserService
	logger zerolog.Logger
}

// NewSharingGroupHandler creates a new SharingGroupHandler.
func NewSharingGroupHandler(groups *service.SharingGroupService, users *service.UserService, logger zerolog.Logger) *SharingGroupHandler {
	return &SharingGroupHandler{
		groups: groups,
		users:  users,
		logger: logger.With().Str("handler", "sharing_group").Logger(),
	}
}

// RegisterRoutes registers the sharing group routes.
func (h *SharingGroupHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sharingGroups", h.handleCreate)
	r.Post("/sharingGroups/{sharingGroupUUID}/name", h.handleUpdateName)
	r.Post("/sharingGroups/{sharingGroupUUID}/remove", h.handleRemove)
	r.Post("/sharingGroups/{sharingGroupUUID}/removeUser", h.handleRemoveUser)
	r.Post("/sharingGroups/{sharingGroupUUID}/members", h.handleAddMember)
}

type createSharingGroupRequest struct {
	SharingGroupUUID *string `json:"sharingGroupUUID,omitempty" validate:"omitempty,uuid"`
	Name             *string `json:"name,omitempty" validate:"omitempty,max=255"`
}

type sharingGroupChangeRequest struct {
	MasterVersion int64 `json:"masterVersion" validate:"gte=0"`
}

type updateNameRequest struct {
	MasterVersion int64   `json:"masterVersion" validate:"gte=0"`
	Name          *string `json:"name" validate:"omitempty,max=255"`
}

type sharingGroupChangeResponse struct {
	MasterVersionUpdate *int64 `json:"masterVersionUpdate,omitempty"`
	DeferredUploadID    *int64 `json:"deferredUploadId,omitempty"`
}

type addMemberRequest struct {
	Username   string            `json:"username" validate:"required"`
	Permission domain.Permission `json:"permission" validate:"required,oneof=read write admin"`
}

func (h *SharingGroupHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req createSharingGroupRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	group, err := h.groups.Create(r.Context(), service.CreateSharingGroupInput{
		UserID:           caller.UserID,
		SharingGroupUUID: req.SharingGroupUUID,
		Name:             req.Name,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *SharingGroupHandler) handleUpdateName(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req updateNameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.groups.UpdateName(r.Context(), h.changeInput(r, caller.UserID, caller.DeviceUUID, req.MasterVersion), req.Name)
	h.writeChange(w, out, err)
}

func (h *SharingGroupHandler) handleRemove(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req sharingGroupChangeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.groups.Remove(r.Context(), h.changeInput(r, caller.UserID, caller.DeviceUUID, req.MasterVersion))
	h.writeChange(w, out, err)
}

func (h *SharingGroupHandler) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req sharingGroupChangeRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	out, err := h.groups.RemoveUser(r.Context(), h.changeInput(r, caller.UserID, caller.DeviceUUID, req.MasterVersion))
	h.writeChange(w, out, err)
}

func (h *SharingGroupHandler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerOf(w, r)
	if !ok {
		return
	}

	var req addMemberRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, invalidRequest(err.Error()))
		return
	}

	user, err := h.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	sharingGroupUUID := chi.URLParam(r, "sharingGroupUUID")
	if err := h.groups.AddMember(r.Context(), caller.UserID, sharingGroupUUID, user.ID, req.Permission); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SharingGroupHandler) changeInput(r *http.Request, userID int64, deviceUUID string, masterVersion int64) service.SharingGroupChangeInput {
	return service.SharingGroupChangeInput{
		UserID:           userID,
		DeviceUUID:       deviceUUID,
		SharingGroupUUID: chi.URLParam(r, "sharingGroupUUID"),
		MasterVersion:    masterVersion,
	}
}

func (h *SharingGroupHandler) writeChange(w http.ResponseWriter, out *service.SharingGroupChangeOutput, err error) {
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sharingGroupChangeResponse{
		MasterVersionUpdate: out.MasterVersionUpdate,
		DeferredUploadID:    out.DeferredUploadID,
	})
}
