package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"tasktrack/api/internal/config"
	"tasktrack/api/internal/realtime"
	"tasktrack/api/internal/search"
	"tasktrack/api/internal/store"
)

type fakeStore struct {
	pingFn                 func(context.Context) error
	createUserFn           func(context.Context, store.User) error
	getUserByIDFn          func(context.Context, string) (store.User, error)
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	getUsersByIDsFn        func(context.Context, []string) ([]store.User, error)
	insertTaskFn           func(context.Context, store.Task) (store.Task, error)
	getTaskFn              func(context.Context, string) (store.Task, error)
	getTasksByIDsFn        func(context.Context, []string) ([]store.Task, error)
	countTasksFn           func(context.Context, store.TaskQuery) (int, error)
	listTasksFn            func(context.Context, store.TaskQuery, store.TaskSort, int, int) ([]store.Task, error)
	updateTaskFn           func(context.Context, string, store.TaskPatch) (store.Task, error)
	deleteTaskFn           func(context.Context, string) (bool, error)
	filterTaskIDsFn        func(context.Context, []string, store.TaskScope) ([]string, error)
	taskStatsFn            func(context.Context, store.TaskScope) (store.TaskStats, error)
	listSharedTaskIDsFn    func(context.Context, string) ([]string, error)
	listSharesByTaskIDsFn  func(context.Context, []string) ([]store.TaskShare, error)
	getShareFn             func(context.Context, string, string) (store.TaskShare, error)
	insertShareFn          func(context.Context, store.TaskShare) (store.TaskShare, error)
	deleteShareFn          func(context.Context, string, string) (bool, error)
	saveRefreshSessionFn   func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn func(context.Context, string) (store.User, error)
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, Name: "User"}, nil
}
func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) GetUsersByIDs(ctx context.Context, userIDs []string) ([]store.User, error) {
	if f.getUsersByIDsFn != nil {
		return f.getUsersByIDsFn(ctx, userIDs)
	}
	users := make([]store.User, 0, len(userIDs))
	for _, id := range userIDs {
		users = append(users, store.User{ID: id, Name: "User " + id})
	}
	return users, nil
}
func (f *fakeStore) InsertTask(ctx context.Context, task store.Task) (store.Task, error) {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, task)
	}
	return task, nil
}
func (f *fakeStore) GetTask(ctx context.Context, taskID string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, taskID)
	}
	return store.Task{}, sql.ErrNoRows
}
func (f *fakeStore) GetTasksByIDs(ctx context.Context, taskIDs []string) ([]store.Task, error) {
	if f.getTasksByIDsFn != nil {
		return f.getTasksByIDsFn(ctx, taskIDs)
	}
	return []store.Task{}, nil
}
func (f *fakeStore) CountTasks(ctx context.Context, q store.TaskQuery) (int, error) {
	if f.countTasksFn != nil {
		return f.countTasksFn(ctx, q)
	}
	return 0, nil
}
func (f *fakeStore) ListTasks(ctx context.Context, q store.TaskQuery, sort store.TaskSort, offset, limit int) ([]store.Task, error) {
	if f.listTasksFn != nil {
		return f.listTasksFn(ctx, q, sort, offset, limit)
	}
	return []store.Task{}, nil
}
func (f *fakeStore) UpdateTask(ctx context.Context, taskID string, patch store.TaskPatch) (store.Task, error) {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, taskID, patch)
	}
	return store.Task{ID: taskID}, nil
}
func (f *fakeStore) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, taskID)
	}
	return true, nil
}
func (f *fakeStore) FilterTaskIDsByScope(ctx context.Context, taskIDs []string, scope store.TaskScope) ([]string, error) {
	if f.filterTaskIDsFn != nil {
		return f.filterTaskIDsFn(ctx, taskIDs, scope)
	}
	return taskIDs, nil
}
func (f *fakeStore) TaskStats(ctx context.Context, scope store.TaskScope) (store.TaskStats, error) {
	if f.taskStatsFn != nil {
		return f.taskStatsFn(ctx, scope)
	}
	return store.TaskStats{}, nil
}
func (f *fakeStore) ListSharedTaskIDs(ctx context.Context, userID string) ([]string, error) {
	if f.listSharedTaskIDsFn != nil {
		return f.listSharedTaskIDsFn(ctx, userID)
	}
	return []string{}, nil
}
func (f *fakeStore) ListSharesByTaskIDs(ctx context.Context, taskIDs []string) ([]store.TaskShare, error) {
	if f.listSharesByTaskIDsFn != nil {
		return f.listSharesByTaskIDsFn(ctx, taskIDs)
	}
	return []store.TaskShare{}, nil
}
func (f *fakeStore) GetShare(ctx context.Context, taskID, userID string) (store.TaskShare, error) {
	if f.getShareFn != nil {
		return f.getShareFn(ctx, taskID, userID)
	}
	return store.TaskShare{}, sql.ErrNoRows
}
func (f *fakeStore) InsertShare(ctx context.Context, share store.TaskShare) (store.TaskShare, error) {
	if f.insertShareFn != nil {
		return f.insertShareFn(ctx, share)
	}
	return share, nil
}
func (f *fakeStore) DeleteShare(ctx context.Context, taskID, userID string) (bool, error) {
	if f.deleteShareFn != nil {
		return f.deleteShareFn(ctx, taskID, userID)
	}
	return true, nil
}
func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}
func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}
func (f *fakeStore) RevokeRefreshSession(context.Context, string) error { return nil }

func newTestService(t *testing.T, fs *fakeStore) (*Service, *realtime.Hub) {
	t.Helper()
	cfg := config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
	}
	hub := realtime.NewHub()
	t.Cleanup(hub.Close)
	return NewService(cfg, fs, fs, hub, nil), hub
}

func assertDomainError(t *testing.T, err error, status int, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
}

func receiveEvent(t *testing.T, sub *realtime.Subscriber) realtime.Event {
	t.Helper()
	select {
	case event := <-sub.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
		return realtime.Event{}
	}
}

func assertNoEvent(t *testing.T, sub *realtime.Subscriber) {
	t.Helper()
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected event %s", event.Type)
	default:
	}
}

// --- visibility ---

func TestGetTaskOwnerSees(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, Title: "mine", CreatedBy: "usr_alice"}, nil
		},
	}
	service, _ := newTestService(t, fs)

	task, err := service.GetTask(context.Background(), "tsk_1", "usr_alice")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Title != "mine" {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestGetTaskSharedUserSees(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		getShareFn: func(_ context.Context, taskID, userID string) (store.TaskShare, error) {
			if userID == "usr_bob" {
				return store.TaskShare{ID: "shr_1", TaskID: taskID, UserID: userID, Permission: "view"}, nil
			}
			return store.TaskShare{}, sql.ErrNoRows
		},
	}
	service, _ := newTestService(t, fs)

	if _, err := service.GetTask(context.Background(), "tsk_1", "usr_bob"); err != nil {
		t.Fatalf("shared user should see the task: %v", err)
	}
}

func TestGetTaskStrangerGetsNotFound(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
	}
	service, _ := newTestService(t, fs)

	_, err := service.GetTask(context.Background(), "tsk_1", "usr_eve")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestGetTasksOwnerOnlySkipsShareLookup(t *testing.T) {
	sharedLookups := 0
	var gotQuery store.TaskQuery
	fs := &fakeStore{
		listSharedTaskIDsFn: func(context.Context, string) ([]string, error) {
			sharedLookups++
			return []string{"tsk_9"}, nil
		},
		countTasksFn: func(_ context.Context, q store.TaskQuery) (int, error) {
			gotQuery = q
			return 0, nil
		},
	}
	service, _ := newTestService(t, fs)

	if _, err := service.GetTasks(context.Background(), "usr_alice", TaskFilters{MineOnly: true}); err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if sharedLookups != 0 {
		t.Fatalf("owner-only listing should not resolve shares, got %d lookups", sharedLookups)
	}
	if !gotQuery.Scope.OwnerOnly || gotQuery.Scope.OwnerID != "usr_alice" {
		t.Fatalf("unexpected scope %+v", gotQuery.Scope)
	}
}

// --- pagination ---

func TestGetTasksStalePageFallsBackToFirst(t *testing.T) {
	var offsets []int
	fs := &fakeStore{
		countTasksFn: func(context.Context, store.TaskQuery) (int, error) { return 3, nil },
		listTasksFn: func(_ context.Context, _ store.TaskQuery, _ store.TaskSort, offset, _ int) ([]store.Task, error) {
			offsets = append(offsets, offset)
			if offset > 0 {
				return []store.Task{}, nil
			}
			return []store.Task{{ID: "tsk_1", CreatedBy: "usr_alice"}}, nil
		},
	}
	service, _ := newTestService(t, fs)

	page, err := service.GetTasks(context.Background(), "usr_alice", TaskFilters{Page: 5, Limit: 10})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if len(offsets) != 2 || offsets[0] != 40 || offsets[1] != 0 {
		t.Fatalf("expected retry at offset 0, got offsets %v", offsets)
	}
	if len(page.Tasks) != 1 || page.Total != 3 {
		t.Fatalf("expected first-page content, got %d tasks total %d", len(page.Tasks), page.Total)
	}
}

func TestGetTasksEmptyFirstPageStaysEmpty(t *testing.T) {
	calls := 0
	fs := &fakeStore{
		countTasksFn: func(context.Context, store.TaskQuery) (int, error) { return 0, nil },
		listTasksFn: func(context.Context, store.TaskQuery, store.TaskSort, int, int) ([]store.Task, error) {
			calls++
			return []store.Task{}, nil
		},
	}
	service, _ := newTestService(t, fs)

	page, err := service.GetTasks(context.Background(), "usr_alice", TaskFilters{})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	if calls != 1 {
		t.Fatalf("no retry expected for an empty corpus, got %d list calls", calls)
	}
	if len(page.Tasks) != 0 || page.Total != 0 {
		t.Fatalf("expected empty page, got %+v", page)
	}
}

// --- enrichment ---

func TestEnrichMissingCreatorGetsPlaceholder(t *testing.T) {
	fs := &fakeStore{
		countTasksFn: func(context.Context, store.TaskQuery) (int, error) { return 1, nil },
		listTasksFn: func(context.Context, store.TaskQuery, store.TaskSort, int, int) ([]store.Task, error) {
			return []store.Task{{ID: "tsk_1", CreatedBy: "usr_gone"}}, nil
		},
		getUsersByIDsFn: func(context.Context, []string) ([]store.User, error) {
			return []store.User{}, nil
		},
	}
	service, _ := newTestService(t, fs)

	page, err := service.GetTasks(context.Background(), "usr_gone", TaskFilters{})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	creator := page.Tasks[0].Creator
	if creator.ID != "usr_gone" || creator.Name != "Unknown" {
		t.Fatalf("expected placeholder creator, got %+v", creator)
	}
}

func TestEnrichDanglingShareStillCounts(t *testing.T) {
	fs := &fakeStore{
		countTasksFn: func(context.Context, store.TaskQuery) (int, error) { return 1, nil },
		listTasksFn: func(context.Context, store.TaskQuery, store.TaskSort, int, int) ([]store.Task, error) {
			return []store.Task{{ID: "tsk_1", CreatedBy: "usr_alice"}}, nil
		},
		listSharesByTaskIDsFn: func(context.Context, []string) ([]store.TaskShare, error) {
			return []store.TaskShare{
				{ID: "shr_1", TaskID: "tsk_1", UserID: "usr_bob", Permission: "view"},
				{ID: "shr_2", TaskID: "tsk_1", UserID: "usr_gone", Permission: "edit"},
			}, nil
		},
		getUsersByIDsFn: func(_ context.Context, userIDs []string) ([]store.User, error) {
			users := make([]store.User, 0, len(userIDs))
			for _, id := range userIDs {
				if id == "usr_gone" {
					continue
				}
				users = append(users, store.User{ID: id, Name: "User " + id})
			}
			return users, nil
		},
	}
	service, _ := newTestService(t, fs)

	page, err := service.GetTasks(context.Background(), "usr_alice", TaskFilters{})
	if err != nil {
		t.Fatalf("GetTasks: %v", err)
	}
	task := page.Tasks[0]
	if len(task.Collaborators) != 1 || task.Collaborators[0].UserID != "usr_bob" {
		t.Fatalf("expected the dangling share to be dropped, got %+v", task.Collaborators)
	}
	if !task.IsShared || task.CollaboratorCount != 2 {
		t.Fatalf("counts should reflect raw share rows, got shared=%v count=%d", task.IsShared, task.CollaboratorCount)
	}
}

// --- mutations ---

func TestCreateTaskForcesCallerAsOwner(t *testing.T) {
	var inserted store.Task
	fs := &fakeStore{
		insertTaskFn: func(_ context.Context, task store.Task) (store.Task, error) {
			inserted = task
			return task, nil
		},
	}
	service, hub := newTestService(t, fs)
	sub := hub.Subscribe()

	task, err := service.CreateTask(context.Background(), "usr_alice", CreateTaskInput{Title: "write report"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if inserted.CreatedBy != "usr_alice" {
		t.Fatalf("owner must be the caller, got %q", inserted.CreatedBy)
	}
	if task.Status != "pending" || task.Priority != "medium" || task.Category != "personal" {
		t.Fatalf("defaults not applied: %+v", task)
	}

	event := receiveEvent(t, sub)
	if event.Type != realtime.EventTaskCreated || event.Data.Task == nil || event.Data.UserID != "usr_alice" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestCreateTaskRejectsBlankTitle(t *testing.T) {
	service, _ := newTestService(t, &fakeStore{})
	_, err := service.CreateTask(context.Background(), "usr_alice", CreateTaskInput{Title: "   "})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestCreateTaskRejectsUnknownStatus(t *testing.T) {
	service, _ := newTestService(t, &fakeStore{})
	_, err := service.CreateTask(context.Background(), "usr_alice", CreateTaskInput{Title: "x", Status: "done"})
	assertDomainError(t, err, 422, "VALIDATION_ERROR")
}

func TestUpdateTaskEditShareAllowed(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		getShareFn: func(_ context.Context, taskID, userID string) (store.TaskShare, error) {
			return store.TaskShare{TaskID: taskID, UserID: userID, Permission: "edit"}, nil
		},
	}
	service, hub := newTestService(t, fs)
	sub := hub.Subscribe()

	title := "renamed"
	if _, err := service.UpdateTask(context.Background(), "tsk_1", "usr_bob", UpdateTaskInput{Title: &title}); err != nil {
		t.Fatalf("edit share should allow updates: %v", err)
	}
	if event := receiveEvent(t, sub); event.Type != realtime.EventTaskUpdated {
		t.Fatalf("expected task_updated, got %s", event.Type)
	}
}

func TestUpdateTaskViewShareDenied(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		getShareFn: func(_ context.Context, taskID, userID string) (store.TaskShare, error) {
			return store.TaskShare{TaskID: taskID, UserID: userID, Permission: "view"}, nil
		},
	}
	service, _ := newTestService(t, fs)

	title := "renamed"
	_, err := service.UpdateTask(context.Background(), "tsk_1", "usr_bob", UpdateTaskInput{Title: &title})
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestDeleteTaskOwnerOnly(t *testing.T) {
	deletes := 0
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		getShareFn: func(_ context.Context, taskID, userID string) (store.TaskShare, error) {
			return store.TaskShare{TaskID: taskID, UserID: userID, Permission: "edit"}, nil
		},
		deleteTaskFn: func(context.Context, string) (bool, error) {
			deletes++
			return true, nil
		},
	}
	service, _ := newTestService(t, fs)

	err := service.DeleteTask(context.Background(), "tsk_1", "usr_bob")
	assertDomainError(t, err, 404, "NOT_FOUND")
	if deletes != 0 {
		t.Fatal("an edit share must not allow deletion")
	}

	if err := service.DeleteTask(context.Background(), "tsk_1", "usr_alice"); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if deletes != 1 {
		t.Fatalf("expected one delete, got %d", deletes)
	}
}

func TestDeleteTaskBroadcasts(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
	}
	service, hub := newTestService(t, fs)
	sub := hub.Subscribe()

	if err := service.DeleteTask(context.Background(), "tsk_1", "usr_alice"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	event := receiveEvent(t, sub)
	if event.Type != realtime.EventTaskDeleted || event.Data.TaskID != "tsk_1" || event.Data.Task != nil {
		t.Fatalf("unexpected event %+v", event)
	}
}

// --- sharing ---

func TestShareTaskNonOwnerDenied(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
	}
	service, _ := newTestService(t, fs)

	_, err := service.ShareTask(context.Background(), "tsk_1", "usr_bob", "usr_carol", "view")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

func TestShareTaskDuplicateConflict(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		insertShareFn: func(context.Context, store.TaskShare) (store.TaskShare, error) {
			return store.TaskShare{}, store.ErrDuplicateShare
		},
	}
	service, _ := newTestService(t, fs)

	_, err := service.ShareTask(context.Background(), "tsk_1", "usr_alice", "usr_bob", "view")
	assertDomainError(t, err, 409, "SHARE_EXISTS")
}

func TestShareTaskDefaultsToView(t *testing.T) {
	var inserted store.TaskShare
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		insertShareFn: func(_ context.Context, share store.TaskShare) (store.TaskShare, error) {
			inserted = share
			return share, nil
		},
	}
	service, _ := newTestService(t, fs)

	if _, err := service.ShareTask(context.Background(), "tsk_1", "usr_alice", "usr_bob", ""); err != nil {
		t.Fatalf("ShareTask: %v", err)
	}
	if inserted.Permission != "view" {
		t.Fatalf("expected view default, got %q", inserted.Permission)
	}
}

func TestUnshareTaskNothingRemoved(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
		deleteShareFn: func(context.Context, string, string) (bool, error) {
			return false, nil
		},
	}
	service, hub := newTestService(t, fs)
	sub := hub.Subscribe()

	removed, err := service.UnshareTask(context.Background(), "tsk_1", "usr_alice", "usr_bob")
	if err != nil {
		t.Fatalf("UnshareTask: %v", err)
	}
	if removed {
		t.Fatal("nothing to remove, yet removal reported")
	}
	assertNoEvent(t, sub)
}

func TestUnshareTaskBroadcasts(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
	}
	service, hub := newTestService(t, fs)
	sub := hub.Subscribe()

	removed, err := service.UnshareTask(context.Background(), "tsk_1", "usr_alice", "usr_bob")
	if err != nil || !removed {
		t.Fatalf("UnshareTask: removed=%v err=%v", removed, err)
	}
	event := receiveEvent(t, sub)
	if event.Type != realtime.EventTaskUnshared {
		t.Fatalf("expected task_unshared, got %s", event.Type)
	}
	if event.Data.TaskID != "tsk_1" || event.Data.UserID != "usr_bob" || event.Data.UnsharedBy != "usr_alice" {
		t.Fatalf("unexpected payload %+v", event.Data)
	}
}

func TestUnshareTaskCollaboratorCanRemoveSelf(t *testing.T) {
	fs := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, CreatedBy: "usr_alice"}, nil
		},
	}
	service, _ := newTestService(t, fs)

	removed, err := service.UnshareTask(context.Background(), "tsk_1", "usr_bob", "usr_bob")
	if err != nil || !removed {
		t.Fatalf("self-removal should succeed: removed=%v err=%v", removed, err)
	}

	_, err = service.UnshareTask(context.Background(), "tsk_1", "usr_bob", "usr_carol")
	assertDomainError(t, err, 404, "NOT_FOUND")
}

// --- stats and search scoping ---

func TestStatsUseCallerScope(t *testing.T) {
	var gotScope store.TaskScope
	fs := &fakeStore{
		listSharedTaskIDsFn: func(context.Context, string) ([]string, error) {
			return []string{"tsk_9"}, nil
		},
		taskStatsFn: func(_ context.Context, scope store.TaskScope) (store.TaskStats, error) {
			gotScope = scope
			return store.TaskStats{Total: 4, Completed: 1}, nil
		},
	}
	service, _ := newTestService(t, fs)

	stats, err := service.Stats(context.Background(), "usr_alice")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if gotScope.OwnerID != "usr_alice" || len(gotScope.SharedTaskIDs) != 1 {
		t.Fatalf("unexpected scope %+v", gotScope)
	}
}

type stubSearcher struct {
	results []search.Result
}

func (s stubSearcher) Search(search.Query) ([]search.Result, int, error) {
	return s.results, len(s.results), nil
}
func (s stubSearcher) IndexTask(search.TaskRecord) {}
func (s stubSearcher) DeleteTask(string)           {}

func TestSearchResultsScopedToCaller(t *testing.T) {
	fs := &fakeStore{
		filterTaskIDsFn: func(_ context.Context, taskIDs []string, _ store.TaskScope) ([]string, error) {
			visible := make([]string, 0, len(taskIDs))
			for _, id := range taskIDs {
				if id == "tsk_visible" {
					visible = append(visible, id)
				}
			}
			return visible, nil
		},
	}
	service, _ := newTestService(t, fs)
	service.search = stubSearcher{results: []search.Result{
		{ID: "tsk_visible", Title: "mine"},
		{ID: "tsk_hidden", Title: "someone else's"},
	}}

	resp, err := service.SearchTasks(context.Background(), "usr_alice", "report", 20)
	if err != nil {
		t.Fatalf("SearchTasks: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "tsk_visible" {
		t.Fatalf("hidden tasks leaked into results: %+v", resp.Results)
	}
	if resp.Total != 1 {
		t.Fatalf("expected total 1, got %d", resp.Total)
	}
}

// --- sessions ---

func TestLoginRefreshRotation(t *testing.T) {
	saved := map[string]string{}
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			saved[tokenHash] = userID
			return nil
		},
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			userID, ok := saved[tokenHash]
			if !ok {
				return store.User{}, errors.New("token not found or expired")
			}
			return store.User{ID: userID}, nil
		},
	}
	service, _ := newTestService(t, fs)

	first, err := service.issueSession(context.Background(), store.User{ID: "usr_alice", Name: "Alice"})
	if err != nil {
		t.Fatalf("issueSession: %v", err)
	}

	second, err := service.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if second.UserID != "usr_alice" {
		t.Fatalf("unexpected session %+v", second)
	}
}
