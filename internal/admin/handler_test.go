package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"filtered-relation/internal/config"
	"filtered-relation/internal/engine"
	"filtered-relation/internal/metadata"
	"filtered-relation/internal/store"
)

func newTestAdmin(t *testing.T) (*fiber.App, *metadata.Registry, *store.Store) {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "admin"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx))

	reg := metadata.NewRegistry()
	app := fiber.New(fiber.Config{ErrorHandler: engine.ErrorHandler})
	RegisterRoutes(app.Group("/api"), NewHandler(s, reg, store.NewMigrator(s)))
	return app, reg, s
}

func call(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

const (
	statusEntity = `{
		"name": "meeting-participation-status",
		"table": "meeting_participation_statuses",
		"primary_key": {"field": "id", "type": "int", "generated": true},
		"document_key": "documentId",
		"fields": [
			{"name": "id", "type": "int"},
			{"name": "documentId", "type": "string"},
			{"name": "participantStatus", "type": "string", "enum": ["Pending", "Accepted"]},
			{"name": "meeting_id", "type": "int", "nullable": true}
		]
	}`
	meetingEntity = `{
		"name": "meeting",
		"table": "meetings",
		"primary_key": {"field": "id", "type": "int", "generated": true},
		"document_key": "documentId",
		"fields": [
			{"name": "id", "type": "int"},
			{"name": "documentId", "type": "string"},
			{"name": "pending", "type": "text", "kind": "filtered_relation", "filter": {
				"targetCollection": "Meeting Participation Status",
				"filterField1": "participantStatus",
				"filterValue1": "Pending",
				"filterField2": "meeting.documentId",
				"filterValue2": "{{documentId}}",
				"displayField": "documentId"
			}}
		]
	}`
	meetingRelation = `{
		"name": "meeting", "type": "one_to_many",
		"source": "meeting", "target": "meeting-participation-status",
		"source_key": "id", "target_key": "meeting_id", "on_delete": "set_null"
	}`
)

func TestSchemaLifecycleRebuildsDependencyIndex(t *testing.T) {
	app, reg, s := newTestAdmin(t)

	status, _ := call(t, app, "POST", "/api/_admin/entities", statusEntity)
	require.Equal(t, 201, status)
	status, _ = call(t, app, "POST", "/api/_admin/entities", meetingEntity)
	require.Equal(t, 201, status)
	status, _ = call(t, app, "POST", "/api/_admin/relations", meetingRelation)
	require.Equal(t, 201, status)

	exists, err := s.Dialect.TableExists(context.Background(), s.DB, "meetings")
	require.NoError(t, err)
	require.True(t, exists)

	deps := reg.DependentsOf("api::meeting-participation-status.meeting-participation-status")
	require.Len(t, deps, 1)
	require.Equal(t, "pending", deps[0].Field)
	require.Len(t, deps[0].Links, 1)

	status, body := call(t, app, "GET", "/api/_admin/dependencies", "")
	require.Equal(t, 200, status)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	require.Equal(t, []any{"meeting"}, list[0].(map[string]any)["links"])

	status, _ = call(t, app, "DELETE", "/api/_admin/relations/meeting", "")
	require.Equal(t, 200, status)
	deps = reg.DependentsOf("api::meeting-participation-status.meeting-participation-status")
	require.Len(t, deps, 1)
	require.Empty(t, deps[0].Links)

	status, _ = call(t, app, "DELETE", "/api/_admin/entities/meeting-participation-status", "")
	require.Equal(t, 200, status)
	require.Empty(t, reg.DependentsOf("api::meeting-participation-status.meeting-participation-status"))
}

func TestCreateEntityValidation(t *testing.T) {
	app, _, _ := newTestAdmin(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing table", `{"name":"x","primary_key":{"field":"id"},"fields":[{"name":"id","type":"int"}]}`},
		{"unknown primary key", `{"name":"x","table":"xs","primary_key":{"field":"pk"},"fields":[{"name":"id","type":"int"}]}`},
		{"filter without target", `{"name":"x","table":"xs","primary_key":{"field":"id"},"fields":[{"name":"id","type":"int"},{"name":"f","kind":"filtered_relation","filter":{}}]}`},
		{"unknown kind", `{"name":"x","table":"xs","primary_key":{"field":"id"},"fields":[{"name":"id","type":"int"},{"name":"f","kind":"computed"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, app, "POST", "/api/_admin/entities", tt.body)
			require.Equal(t, 422, status)
			require.Equal(t, "VALIDATION_FAILED", body["error"].(map[string]any)["code"])
		})
	}
}

func TestCreateEntityConflict(t *testing.T) {
	app, _, _ := newTestAdmin(t)
	status, _ := call(t, app, "POST", "/api/_admin/entities", statusEntity)
	require.Equal(t, 201, status)
	status, body := call(t, app, "POST", "/api/_admin/entities", statusEntity)
	require.Equal(t, 409, status)
	require.Equal(t, "CONFLICT", body["error"].(map[string]any)["code"])
}

func TestStateMachineCRUD(t *testing.T) {
	app, reg, _ := newTestAdmin(t)
	status, _ := call(t, app, "POST", "/api/_admin/entities", statusEntity)
	require.Equal(t, 201, status)

	status, body := call(t, app, "POST", "/api/_admin/state-machines", `{
		"entity": "meeting-participation-status",
		"field": "participantStatus",
		"definition": {"initial": "Pending", "transitions": [{"from": "Pending", "to": "Accepted"}]}
	}`)
	require.Equal(t, 201, status)
	id := body["data"].(map[string]any)["id"].(string)

	sm := reg.GetStateMachine("meeting-participation-status", "participantStatus")
	require.NotNil(t, sm)
	require.NotNil(t, sm.FindTransition("Pending", "Accepted"))

	status, _ = call(t, app, "DELETE", "/api/_admin/state-machines/"+id, "")
	require.Equal(t, 200, status)
	require.Nil(t, reg.GetStateMachine("meeting-participation-status", "participantStatus"))

	status, _ = call(t, app, "POST", "/api/_admin/state-machines", `{"entity": "nope", "field": "x"}`)
	require.Equal(t, 422, status)
}
