package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SamWylde/grant-tracker-new-sub002/pkg/authz"
)

func TestGrantTaskCreateAndList(t *testing.T) {
	grants := newMemoryGrantStore()
	tasks := newMemoryTaskStore()
	members := newMemoryMemberStore()
	pat := activeMember("member-pat", authz.RoleMember)
	members.put(pat)
	g := createTestGrant(t, grants, Grant{Title: "Alpha", Stage: stageResearch})

	rec := httptest.NewRecorder()
	handleGrantTasksAPI(rec, apiTestRequest(t, pat, http.MethodPost, "/api/v1/grants/"+g.ID+"/tasks",
		`{"title":"Collect budget narrative","due_date":"2026-10-15","assignee_id":"member-pat"}`),
		g.ID, tasks, grants, members)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created taskItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.GrantID != g.ID || created.Done {
		t.Fatalf("task = %+v", created)
	}

	rec = httptest.NewRecorder()
	handleGrantTasksAPI(rec, apiTestRequest(t, pat, http.MethodGet, "/api/v1/grants/"+g.ID+"/tasks", ""),
		g.ID, tasks, grants, members)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list taskListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].ID != created.ID {
		t.Fatalf("tasks = %+v", list.Tasks)
	}
}

func TestGrantTaskCreateValidation(t *testing.T) {
	grants := newMemoryGrantStore()
	tasks := newMemoryTaskStore()
	members := newMemoryMemberStore()
	pat := activeMember("member-pat", authz.RoleMember)
	members.put(pat)
	g := createTestGrant(t, grants, Grant{Title: "Alpha", Stage: stageResearch})

	cases := []struct {
		name string
		body string
		code int
	}{
		{"empty title", `{"title":"  "}`, http.StatusBadRequest},
		{"bad due date", `{"title":"x","due_date":"next week"}`, http.StatusBadRequest},
		{"unknown assignee", `{"title":"x","assignee_id":"member-ghost"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handleGrantTasksAPI(rec, apiTestRequest(t, pat, http.MethodPost, "/api/v1/grants/"+g.ID+"/tasks", tc.body),
			g.ID, tasks, grants, members)
		if rec.Code != tc.code {
			t.Errorf("%s: status = %d, want %d: %s", tc.name, rec.Code, tc.code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	handleGrantTasksAPI(rec, apiTestRequest(t, pat, http.MethodPost, "/api/v1/grants/missing/tasks", `{"title":"x"}`),
		"missing", tasks, grants, members)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown grant status = %d, want 404", rec.Code)
	}
}

func TestTaskUpdateAndComplete(t *testing.T) {
	grants := newMemoryGrantStore()
	tasks := newMemoryTaskStore()
	members := newMemoryMemberStore()
	pat := activeMember("member-pat", authz.RoleMember)
	members.put(pat)
	g := createTestGrant(t, grants, Grant{Title: "Alpha", Stage: stageResearch})

	created, err := tasks.Create(context.Background(), Task{OrgID: testOrg.ID, GrantID: g.ID, Title: "Draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := httptest.NewRecorder()
	handleTaskItemAPI(rec, apiTestRequest(t, pat, http.MethodPatch, "/api/v1/tasks/"+created.ID,
		`{"title":"Draft v2","done":true}`), created.ID, tasks, members)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body.String())
	}
	var updated taskItem
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if updated.Title != "Draft v2" || !updated.Done {
		t.Fatalf("task = %+v", updated)
	}

	// A patch with no recognized field is an error, not a no-op.
	rec = httptest.NewRecorder()
	handleTaskItemAPI(rec, apiTestRequest(t, pat, http.MethodPatch, "/api/v1/tasks/"+created.ID, `{}`), created.ID, tasks, members)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	handleTaskItemAPI(rec, apiTestRequest(t, pat, http.MethodDelete, "/api/v1/tasks/"+created.ID, ""), created.ID, tasks, members)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handleTaskItemAPI(rec, apiTestRequest(t, pat, http.MethodDelete, "/api/v1/tasks/"+created.ID, ""), created.ID, tasks, members)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d, want 404", rec.Code)
	}
}

func TestGrantCommentLifecycle(t *testing.T) {
	grants := newMemoryGrantStore()
	comments := newMemoryCommentStore()
	author := activeMember("member-author", authz.RoleMember)
	other := activeMember("member-other", authz.RoleMember)
	admin := activeMember("member-admin", authz.RoleOrgAdmin)
	g := createTestGrant(t, grants, Grant{Title: "Alpha", Stage: stageResearch})

	rec := httptest.NewRecorder()
	handleGrantCommentsAPI(rec, apiTestRequest(t, author, http.MethodPost, "/api/v1/grants/"+g.ID+"/comments",
		`{"body":"Program officer confirmed the deadline."}`), g.ID, comments, grants)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created commentItem
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.AuthorID != author.ID {
		t.Fatalf("comment = %+v", created)
	}

	// Another member cannot delete the comment; an admin can.
	rec = httptest.NewRecorder()
	handleCommentItemAPI(rec, apiTestRequest(t, other, http.MethodDelete, "/api/v1/comments/"+created.ID, ""), created.ID, comments)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign delete status = %d, want 403", rec.Code)
	}

	rec = httptest.NewRecorder()
	handleCommentItemAPI(rec, apiTestRequest(t, admin, http.MethodDelete, "/api/v1/comments/"+created.ID, ""), created.ID, comments)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin delete status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handleGrantCommentsAPI(rec, apiTestRequest(t, author, http.MethodGet, "/api/v1/grants/"+g.ID+"/comments", ""), g.ID, comments, grants)
	var list commentListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Comments) != 0 {
		t.Fatalf("comments = %+v", list.Comments)
	}
}

func TestGrantCommentValidation(t *testing.T) {
	grants := newMemoryGrantStore()
	comments := newMemoryCommentStore()
	g := createTestGrant(t, grants, Grant{Title: "Alpha", Stage: stageResearch})

	author := activeMember("member-author", authz.RoleMember)
	rec := httptest.NewRecorder()
	handleGrantCommentsAPI(rec, apiTestRequest(t, author, http.MethodPost, "/api/v1/grants/"+g.ID+"/comments",
		`{"body":"   "}`), g.ID, comments, grants)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank body status = %d, want 400", rec.Code)
	}

	invited := activeMember("member-invited", authz.RoleMember)
	invited.Status = memberStatusInvited
	rec = httptest.NewRecorder()
	handleGrantCommentsAPI(rec, apiTestRequest(t, invited, http.MethodPost, "/api/v1/grants/"+g.ID+"/comments",
		`{"body":"hi"}`), g.ID, comments, grants)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("inactive author status = %d, want 403", rec.Code)
	}
}
