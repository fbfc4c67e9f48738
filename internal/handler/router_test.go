package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/syncserver/internal/auth"
	"github.com/prn-tf/syncserver/internal/changeresolver"
	"github.com/prn-tf/syncserver/internal/domain"
	"github.com/prn-tf/syncserver/internal/lock"
	"github.com/prn-tf/syncserver/internal/metrics"
	"github.com/prn-tf/syncserver/internal/pkg/crypto"
	"github.com/prn-tf/syncserver/internal/repository/sqlite"
	"github.com/prn-tf/syncserver/internal/service"
	"github.com/prn-tf/syncserver/internal/storage"
	"github.com/prn-tf/syncserver/internal/storage/memory"
)

type testServer struct {
	handler http.Handler
	users   *service.UserService
	issuer  *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.NewDB(ctx, sqlite.DefaultConfig(filepath.Join(t.TempDir(), "sync.db")), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	repos := sqlite.NewRepositories(db)
	registry := storage.NewRegistry()
	registry.Register(domain.AccountTypeMemory, memory.NewStore().Factory())

	logger := zerolog.Nop()
	m := metrics.New()
	accounts := service.NewCloudAccounts(repos.User, registry, nil, m, logger)
	resolvers := changeresolver.NewDefaultManager()
	coordinator := service.NewCoordinator(repos, lock.NewDatabaseLocker(repos.ShortLock, "test"), nil, m, logger, service.DefaultCoordinatorConfig())
	groups := service.NewSharingGroupService(repos, coordinator, logger)
	users := service.NewUserService(repos.User, groups, accounts, logger)

	issuer, err := auth.NewTokenIssuer([]byte("test-secret"), "syncserver-test", time.Hour)
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Files:         service.NewFileService(repos, coordinator, accounts, resolvers, m, logger),
		SharingGroups: groups,
		Users:         users,
		Issuer:        issuer,
		Health:        db,
		Metrics:       m,
		Logger:        logger,
	})
	return &testServer{handler: router.Handler(), users: users, issuer: issuer}
}

func (s *testServer) createUser(t *testing.T, username string) *domain.User {
	t.Helper()
	out, err := s.users.Create(context.Background(), service.CreateUserInput{
		Username:        username,
		Password:        "password123",
		AccountType:     domain.AccountTypeMemory,
		CloudFolderName: username,
	})
	require.NoError(t, err)
	return out.User
}

func (s *testServer) token(t *testing.T, user *domain.User, deviceUUID string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(user.ID, user.Username, deviceUUID)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error APIError `json:"error"`
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "syncserver_http_requests_total")
}

func TestRouter_Token(t *testing.T) {
	s := newTestServer(t)
	s.createUser(t, "alice")
	device := uuid.NewString()

	tests := []struct {
		name       string
		body       tokenRequest
		wantStatus int
	}{
		{name: "valid", body: tokenRequest{Username: "alice", Password: "password123", DeviceUUID: device}, wantStatus: http.StatusOK},
		{name: "wrong password", body: tokenRequest{Username: "alice", Password: "nope-nope", DeviceUUID: device}, wantStatus: http.StatusUnauthorized},
		{name: "bad device", body: tokenRequest{Username: "alice", Password: "password123", DeviceUUID: "phone"}, wantStatus: http.StatusBadRequest},
		{name: "missing username", body: tokenRequest{Password: "password123", DeviceUUID: device}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, APIPrefix+"/token", "", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			resp := decode[tokenResponse](t, rec)
			claims, err := s.issuer.Verify(resp.Token)
			require.NoError(t, err)
			assert.Equal(t, device, claims.DeviceUUID)
		})
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, APIPrefix+"/index", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, APIPrefix+"/index", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_UploadIndexDownload(t *testing.T) {
	s := newTestServer(t)
	alice := s.createUser(t, "alice")
	device := uuid.NewString()
	token := s.token(t, alice, device)

	rec := s.do(t, http.MethodPost, APIPrefix+"/sharingGroups", token, createSharingGroupRequest{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	group := decode[domain.SharingGroup](t, rec)

	contents := []byte("hello world")
	fileUUID := uuid.NewString()
	upload := uploadFileRequest{
		SharingGroupUUID: group.UUID,
		FileUUID:         fileUUID,
		UploadIndex:      1,
		UploadCount:      1,
		MimeType:         stringPtr("text/plain"),
		CheckSum:         stringPtr(crypto.ComputeSHA256(contents)),
		Data:             contents,
	}
	rec = s.do(t, http.MethodPost, APIPrefix+"/uploads/file", token, upload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	uploaded := decode[uploadFileResponse](t, rec)
	assert.Equal(t, service.V0UploadsFinished, uploaded.AllUploadsFinished)
	assert.Equal(t, 1, uploaded.NumberUploadsTransferred)

	// The same request again is stale: the batch already advanced the master version.
	rec = s.do(t, http.MethodPost, APIPrefix+"/uploads/file", token, upload)
	require.Equal(t, http.StatusOK, rec.Code)
	stale := decode[uploadFileResponse](t, rec)
	require.NotNil(t, stale.MasterVersionUpdate)
	assert.Equal(t, int64(1), *stale.MasterVersionUpdate)

	rec = s.do(t, http.MethodGet, APIPrefix+"/index?sharingGroupUUID="+group.UUID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	index := decode[indexResponse](t, rec)
	require.Len(t, index.SharingGroups, 1)
	require.Len(t, index.Files, 1)
	assert.Equal(t, fileUUID, index.Files[0].FileUUID)
	require.NotNil(t, index.MasterVersion)
	assert.Equal(t, int64(1), *index.MasterVersion)

	rec = s.do(t, http.MethodPost, APIPrefix+"/download", token, downloadFileRequest{
		SharingGroupUUID: group.UUID,
		FileUUID:         fileUUID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	downloaded := decode[downloadFileResponse](t, rec)
	assert.Equal(t, contents, downloaded.Data)
	assert.Nil(t, downloaded.Gone)

	rec = s.do(t, http.MethodPost, APIPrefix+"/uploads/deletion", token, uploadDeletionRequest{
		SharingGroupUUID: group.UUID,
		MasterVersion:    1,
		FileUUID:         &fileUUID,
		FileVersion:      int32Ptr(0),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deleted := decode[uploadDeletionResponse](t, rec)
	require.NotNil(t, deleted.DeferredUploadID)

	rec = s.do(t, http.MethodGet, APIPrefix+"/uploads/results/"+itoa(*deleted.DeferredUploadID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[uploadsResultsResponse](t, rec)
	assert.Equal(t, domain.DeferredUploadStatusPendingDeletion, results.Status)
}

func TestRouter_Errors(t *testing.T) {
	s := newTestServer(t)
	alice := s.createUser(t, "alice")
	bob := s.createUser(t, "bobby")
	aliceToken := s.token(t, alice, uuid.NewString())
	bobToken := s.token(t, bob, uuid.NewString())

	rec := s.do(t, http.MethodPost, APIPrefix+"/sharingGroups", aliceToken, createSharingGroupRequest{})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decode[domain.SharingGroup](t, rec)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "finish without uploads",
			method:     http.MethodPost,
			path:       APIPrefix + "/uploads/finish",
			token:      aliceToken,
			body:       finishUploadsRequest{SharingGroupUUID: group.UUID},
			wantStatus: http.StatusBadRequest,
			wantCode:   "NoUploads",
		},
		{
			name:       "non-member index",
			method:     http.MethodGet,
			path:       APIPrefix + "/index?sharingGroupUUID=" + group.UUID,
			token:      bobToken,
			wantStatus: http.StatusForbidden,
			wantCode:   "NotSharingGroupMember",
		},
		{
			name:       "unknown deferred upload",
			method:     http.MethodGet,
			path:       APIPrefix + "/uploads/results/999",
			token:      aliceToken,
			wantStatus: http.StatusNotFound,
			wantCode:   "DeferredUploadNotFound",
		},
		{
			name:       "bad deferred upload id",
			method:     http.MethodGet,
			path:       APIPrefix + "/uploads/results/abc",
			token:      aliceToken,
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
		{
			name:       "invalid upload count",
			method:     http.MethodPost,
			path:       APIPrefix + "/uploads/file",
			token:      aliceToken,
			body:       uploadFileRequest{SharingGroupUUID: group.UUID, FileUUID: uuid.NewString(), UploadIndex: 2, UploadCount: 1},
			wantStatus: http.StatusBadRequest,
			wantCode:   "InvalidRequest",
		},
		{
			name:       "add unknown member",
			method:     http.MethodPost,
			path:       APIPrefix + "/sharingGroups/" + group.UUID + "/members",
			token:      aliceToken,
			body:       addMemberRequest{Username: "nobody", Permission: domain.PermissionRead},
			wantStatus: http.StatusNotFound,
			wantCode:   "UserNotFound",
		},
		{
			name:       "rename by non-member",
			method:     http.MethodPost,
			path:       APIPrefix + "/sharingGroups/" + group.UUID + "/name",
			token:      bobToken,
			body:       updateNameRequest{Name: stringPtr("Mine")},
			wantStatus: http.StatusForbidden,
			wantCode:   "NotSharingGroupMember",
		},
		{
			name:       "unknown route",
			method:     http.MethodGet,
			path:       "/nowhere",
			wantStatus: http.StatusNotFound,
			wantCode:   "NotFound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.token, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[errorBody](t, rec).Error.Code)
		})
	}
}

func TestRouter_Members(t *testing.T) {
	s := newTestServer(t)
	alice := s.createUser(t, "alice")
	bob := s.createUser(t, "bobby")
	aliceToken := s.token(t, alice, uuid.NewString())
	bobToken := s.token(t, bob, uuid.NewString())

	rec := s.do(t, http.MethodPost, APIPrefix+"/sharingGroups", aliceToken, createSharingGroupRequest{Name: stringPtr("Family")})
	require.Equal(t, http.StatusCreated, rec.Code)
	group := decode[domain.SharingGroup](t, rec)
	membersPath := APIPrefix + "/sharingGroups/" + group.UUID + "/members"

	rec = s.do(t, http.MethodPost, membersPath, aliceToken, addMemberRequest{Username: "bobby", Permission: domain.PermissionWrite})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, membersPath, aliceToken, addMemberRequest{Username: "bobby", Permission: domain.PermissionWrite})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, APIPrefix+"/sharingGroups/"+group.UUID+"/removeUser", bobToken, sharingGroupChangeRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	removed := decode[sharingGroupChangeResponse](t, rec)
	assert.Nil(t, removed.MasterVersionUpdate)

	// Bob's stale view after leaving is rejected by membership, not version.
	rec = s.do(t, http.MethodGet, APIPrefix+"/index?sharingGroupUUID="+group.UUID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "domain error", err: domain.NewDomainError(domain.ErrFileDeleted, "", "f"), wantStatus: http.StatusConflict, wantCode: "FileDeleted"},
		{name: "busy", err: service.ErrSharingGroupBusy, wantStatus: http.StatusServiceUnavailable, wantCode: "SharingGroupBusy"},
		{name: "contention", err: service.ErrContention, wantStatus: http.StatusServiceUnavailable, wantCode: "Contention"},
		{name: "invalid uuid", err: service.ErrInvalidUUID, wantStatus: http.StatusBadRequest, wantCode: "InvalidUUID"},
		{name: "owner removed", err: service.ErrOwnerRemoved, wantStatus: http.StatusGone, wantCode: "OwnerRemoved"},
		{name: "internal", err: service.ErrInternalError, wantStatus: http.StatusInternalServerError, wantCode: "InternalError"},
		{name: "unknown", err: assert.AnError, wantStatus: http.StatusInternalServerError, wantCode: "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := mapError(tt.err)
			assert.Equal(t, tt.wantStatus, apiErr.HTTPStatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}

	rec := httptest.NewRecorder()
	writeError(rec, mapError(service.ErrSharingGroupBusy))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func stringPtr(s string) *string { return &s }
func int32Ptr(v int32) *int32    { return &v }

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
