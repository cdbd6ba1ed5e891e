package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fileledger/internal/file"
	"github.com/hitoshi/fileledger/internal/model"
	"github.com/hitoshi/fileledger/internal/notice"
)

// --- モック定義 ---

type mockFileService struct {
	uploadFn        func(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error)
	listOwnedFn     func(ctx context.Context, owner model.Identity) ([]*model.File, error)
	listSharedFn    func(ctx context.Context, user model.Identity) ([]*model.File, error)
	listAllFn       func(ctx context.Context, actor model.Identity) ([]*model.File, error)
	getFn           func(ctx context.Context, viewer model.Identity, id string) (*model.File, error)
	downloadFn      func(ctx context.Context, viewer model.Identity, id string) (string, error)
	setPermissionFn func(ctx context.Context, actor model.Identity, id string, in file.PermissionInput) (*model.File, error)
	deleteFn        func(ctx context.Context, actor model.Identity, id string) error
	accessLogsFn    func(ctx context.Context, actor model.Identity, fileID string) ([]*model.AccessLog, error)
	allAccessLogsFn func(ctx context.Context, actor model.Identity, filter model.AccessLogFilter) ([]*model.AccessLog, error)
	maxUploadSize   int64
}

func (m *mockFileService) Upload(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, owner, in)
	}
	return nil, nil
}

func (m *mockFileService) ListOwned(ctx context.Context, owner model.Identity) ([]*model.File, error) {
	if m.listOwnedFn != nil {
		return m.listOwnedFn(ctx, owner)
	}
	return nil, nil
}

func (m *mockFileService) ListShared(ctx context.Context, user model.Identity) ([]*model.File, error) {
	if m.listSharedFn != nil {
		return m.listSharedFn(ctx, user)
	}
	return nil, nil
}

func (m *mockFileService) ListAll(ctx context.Context, actor model.Identity) ([]*model.File, error) {
	if m.listAllFn != nil {
		return m.listAllFn(ctx, actor)
	}
	return nil, nil
}

func (m *mockFileService) Get(ctx context.Context, viewer model.Identity, id string) (*model.File, error) {
	if m.getFn != nil {
		return m.getFn(ctx, viewer, id)
	}
	return nil, nil
}

func (m *mockFileService) Download(ctx context.Context, viewer model.Identity, id string) (string, error) {
	if m.downloadFn != nil {
		return m.downloadFn(ctx, viewer, id)
	}
	return "", nil
}

func (m *mockFileService) SetPermission(ctx context.Context, actor model.Identity, id string, in file.PermissionInput) (*model.File, error) {
	if m.setPermissionFn != nil {
		return m.setPermissionFn(ctx, actor, id, in)
	}
	return nil, nil
}

func (m *mockFileService) Delete(ctx context.Context, actor model.Identity, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, actor, id)
	}
	return nil
}

func (m *mockFileService) AccessLogs(ctx context.Context, actor model.Identity, fileID string) ([]*model.AccessLog, error) {
	if m.accessLogsFn != nil {
		return m.accessLogsFn(ctx, actor, fileID)
	}
	return nil, nil
}

func (m *mockFileService) AllAccessLogs(ctx context.Context, actor model.Identity, filter model.AccessLogFilter) ([]*model.AccessLog, error) {
	if m.allAccessLogsFn != nil {
		return m.allAccessLogsFn(ctx, actor, filter)
	}
	return nil, nil
}

func (m *mockFileService) MaxUploadSize() int64 {
	if m.maxUploadSize > 0 {
		return m.maxUploadSize
	}
	return file.DefaultMaxUploadSize
}

var _ FileService = (*file.Service)(nil)

// --- ヘルパー ---

// fileRouter はURLパラメータを解決するためにchiを通してハンドラーを呼ぶ。
func fileRouter(h *FileHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/files", h.ListOwned)
	r.Post("/api/files", h.Upload)
	r.Get("/api/files/shared", h.ListShared)
	r.Get("/api/files/{id}", h.Get)
	r.Delete("/api/files/{id}", h.Delete)
	r.Get("/api/files/{id}/download", h.Download)
	r.Put("/api/files/{id}/permission", h.SetPermission)
	r.Get("/api/files/{id}/access-logs", h.AccessLogs)
	r.Get("/api/admin/files", h.ListAll)
	r.Get("/api/admin/access-logs", h.AllAccessLogs)
	return r
}

func (h *FileHandler) serveAs(t *testing.T, s *model.Session, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	fileRouter(h).ServeHTTP(w, withStore(req, newTestStore(t, s)))
	return w
}

func multipartBody(t *testing.T, field, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func sampleFile(id, owner string) *model.File {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.File{
		ID:          id,
		Name:        "report.pdf",
		OwnerID:     owner,
		Size:        5,
		ContentType: "application/pdf",
		Hash:        "abc",
		Permission:  model.PermissionPrivate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- テスト ---

func TestFileHandler_Upload_Success(t *testing.T) {
	var gotInput file.UploadInput
	var gotBody []byte
	svc := &mockFileService{
		uploadFn: func(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error) {
			if owner.ID != "user-1" {
				t.Errorf("owner = %q", owner.ID)
			}
			gotInput = in
			gotBody, _ = io.ReadAll(in.Body)
			return sampleFile("file-1", owner.ID), nil
		},
	}
	flash := &mockNoticeFlash{}
	h := NewFileHandler(svc, flash)

	body, contentType := multipartBody(t, "file", "report.pdf", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)

	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	if gotInput.Name != "report.pdf" || string(gotBody) != "hello" {
		t.Errorf("input name = %q, body = %q", gotInput.Name, gotBody)
	}
	if gotInput.ContentType != "application/octet-stream" {
		t.Errorf("content type = %q", gotInput.ContentType)
	}

	var resp fileResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.ID != "file-1" || resp.Permission != "private" || resp.SharedWith == nil {
		t.Errorf("response = %+v", resp)
	}
	if len(flash.pushed) != 1 || flash.pushed[0].Kind != notice.KindSuccess {
		t.Errorf("notices = %+v", flash.pushed)
	}
}

func TestFileHandler_Upload_NoFilePart(t *testing.T) {
	svc := &mockFileService{
		uploadFn: func(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error) {
			t.Fatal("Upload should not be called")
			return nil, nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	body, contentType := multipartBody(t, "attachment", "x.txt", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)

	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestFileHandler_Upload_NotMultipart(t *testing.T) {
	h := NewFileHandler(&mockFileService{}, &mockNoticeFlash{})

	req := httptest.NewRequest(http.MethodPost, "/api/files", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestFileHandler_Upload_BodyOverLimit(t *testing.T) {
	svc := &mockFileService{
		maxUploadSize: 1,
		uploadFn: func(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error) {
			_, err := io.ReadAll(in.Body)
			return nil, err
		},
	}
	flash := &mockNoticeFlash{}
	h := NewFileHandler(svc, flash)

	body, contentType := multipartBody(t, "file", "big.bin", bytes.Repeat([]byte("a"), multipartOverhead+10))
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)

	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeFileTooLarge {
		t.Errorf("code = %q", body.Code)
	}
	if len(flash.pushed) != 1 || flash.pushed[0].Kind != notice.KindError {
		t.Errorf("notices = %+v", flash.pushed)
	}
}

func TestFileHandler_Upload_Duplicate(t *testing.T) {
	svc := &mockFileService{
		uploadFn: func(ctx context.Context, owner model.Identity, in file.UploadInput) (*model.File, error) {
			return nil, model.NewDuplicateFileError("report.pdf")
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	body, contentType := multipartBody(t, "file", "copy.pdf", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/files", body)
	req.Header.Set("Content-Type", contentType)

	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestFileHandler_Lists(t *testing.T) {
	svc := &mockFileService{
		listOwnedFn: func(ctx context.Context, owner model.Identity) ([]*model.File, error) {
			return []*model.File{sampleFile("own", owner.ID)}, nil
		},
		listSharedFn: func(ctx context.Context, user model.Identity) ([]*model.File, error) {
			return []*model.File{}, nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})
	s := testSession("user-1", model.RoleUser)

	w := h.serveAs(t, s, httptest.NewRequest(http.MethodGet, "/api/files", nil))
	var owned []fileResponse
	json.NewDecoder(w.Body).Decode(&owned)
	if w.Code != http.StatusOK || len(owned) != 1 || owned[0].ID != "own" {
		t.Errorf("owned: status = %d, files = %+v", w.Code, owned)
	}

	w = h.serveAs(t, s, httptest.NewRequest(http.MethodGet, "/api/files/shared", nil))
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("shared: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestFileHandler_Get_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"found", nil, http.StatusOK},
		{"not found", model.NewFileNotFoundError("x"), http.StatusNotFound},
		{"denied", model.NewFileAccessDeniedError(), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotID string
			svc := &mockFileService{
				getFn: func(ctx context.Context, viewer model.Identity, id string) (*model.File, error) {
					gotID = id
					if tt.err != nil {
						return nil, tt.err
					}
					return sampleFile(id, "owner"), nil
				},
			}
			h := NewFileHandler(svc, &mockNoticeFlash{})

			w := h.serveAs(t, testSession("user-1", model.RoleUser), httptest.NewRequest(http.MethodGet, "/api/files/file-9", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotID != "file-9" {
				t.Errorf("id = %q, want file-9", gotID)
			}
		})
	}
}

func TestFileHandler_Download_ReturnsURL(t *testing.T) {
	svc := &mockFileService{
		downloadFn: func(ctx context.Context, viewer model.Identity, id string) (string, error) {
			return "https://s3.example.com/" + id + "?sig", nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	w := h.serveAs(t, testSession("user-1", model.RoleUser), httptest.NewRequest(http.MethodGet, "/api/files/f1/download", nil))

	var resp downloadResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.URL != "https://s3.example.com/f1?sig" {
		t.Errorf("status = %d, url = %q", w.Code, resp.URL)
	}
}

func TestFileHandler_SetPermission(t *testing.T) {
	var gotInput file.PermissionInput
	svc := &mockFileService{
		setPermissionFn: func(ctx context.Context, actor model.Identity, id string, in file.PermissionInput) (*model.File, error) {
			gotInput = in
			f := sampleFile(id, actor.ID)
			f.Permission = in.Permission
			f.SharedWith = in.SharedWith
			return f, nil
		},
	}
	flash := &mockNoticeFlash{}
	h := NewFileHandler(svc, flash)

	req := httptest.NewRequest(http.MethodPut, "/api/files/f1/permission",
		strings.NewReader(`{"permission":"shared","sharedWith":["user-2"]}`))
	w := h.serveAs(t, testSession("user-1", model.RoleUser), req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotInput.Permission != model.PermissionShared || len(gotInput.SharedWith) != 1 || gotInput.SharedWith[0] != "user-2" {
		t.Errorf("input = %+v", gotInput)
	}
	if len(flash.pushed) != 1 || flash.pushed[0].Kind != notice.KindSuccess {
		t.Errorf("notices = %+v", flash.pushed)
	}
}

func TestFileHandler_SetPermission_Denied(t *testing.T) {
	svc := &mockFileService{
		setPermissionFn: func(ctx context.Context, actor model.Identity, id string, in file.PermissionInput) (*model.File, error) {
			return nil, model.NewFileAccessDeniedError()
		},
	}
	flash := &mockNoticeFlash{}
	h := NewFileHandler(svc, flash)

	req := httptest.NewRequest(http.MethodPut, "/api/files/f1/permission", strings.NewReader(`{"permission":"public"}`))
	w := h.serveAs(t, testSession("user-2", model.RoleUser), req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if len(flash.pushed) != 1 || flash.pushed[0].Kind != notice.KindError {
		t.Errorf("notices = %+v", flash.pushed)
	}
}

func TestFileHandler_Delete(t *testing.T) {
	var deleted string
	svc := &mockFileService{
		deleteFn: func(ctx context.Context, actor model.Identity, id string) error {
			deleted = id
			return nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	w := h.serveAs(t, testSession("user-1", model.RoleUser), httptest.NewRequest(http.MethodDelete, "/api/files/f1", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if deleted != "f1" {
		t.Errorf("deleted = %q", deleted)
	}
}

func TestFileHandler_AccessLogs(t *testing.T) {
	svc := &mockFileService{
		accessLogsFn: func(ctx context.Context, actor model.Identity, fileID string) ([]*model.AccessLog, error) {
			return []*model.AccessLog{{ID: "l1", FileID: fileID, UserID: "user-1", AccessType: model.AccessDownload}}, nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	w := h.serveAs(t, testSession("user-1", model.RoleUser), httptest.NewRequest(http.MethodGet, "/api/files/f1/access-logs", nil))

	var logs []accessLogResponse
	json.NewDecoder(w.Body).Decode(&logs)
	if w.Code != http.StatusOK || len(logs) != 1 || logs[0].AccessType != "download" || logs[0].FileID != "f1" {
		t.Errorf("status = %d, logs = %+v", w.Code, logs)
	}
}

func TestFileHandler_AllAccessLogs_ParsesFilter(t *testing.T) {
	var gotFilter model.AccessLogFilter
	svc := &mockFileService{
		allAccessLogsFn: func(ctx context.Context, actor model.Identity, filter model.AccessLogFilter) ([]*model.AccessLog, error) {
			gotFilter = filter
			return nil, nil
		},
	}
	h := NewFileHandler(svc, &mockNoticeFlash{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/admin/access-logs?file=f1&user=u1&type=share&since=2026-01-01T00:00:00Z&limit=20", nil)
	w := h.serveAs(t, testSession("admin", model.RoleAdmin), req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	want := model.AccessLogFilter{
		FileID:     "f1",
		UserID:     "u1",
		AccessType: model.AccessShare,
		Since:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Limit:      20,
	}
	if !gotFilter.Since.Equal(want.Since) {
		t.Errorf("since = %v, want %v", gotFilter.Since, want.Since)
	}
	gotFilter.Since = want.Since
	if gotFilter != want {
		t.Errorf("filter = %+v, want %+v", gotFilter, want)
	}
}

func TestFileHandler_AllAccessLogs_InvalidQuery(t *testing.T) {
	h := NewFileHandler(&mockFileService{}, &mockNoticeFlash{})

	for _, q := range []string{"since=yesterday", "limit=0", "limit=abc"} {
		w := h.serveAs(t, testSession("admin", model.RoleAdmin), httptest.NewRequest(http.MethodGet, "/api/admin/access-logs?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", q, w.Code, http.StatusBadRequest)
		}
	}
}

func TestFileHandler_NoSession_Returns401(t *testing.T) {
	h := NewFileHandler(&mockFileService{}, &mockNoticeFlash{})

	w := h.serveAs(t, nil, httptest.NewRequest(http.MethodGet, "/api/files", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
