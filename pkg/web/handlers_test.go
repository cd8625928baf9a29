package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soshogle/drip/pkg/abtest"
	"github.com/soshogle/drip/pkg/enrollment"
	"github.com/soshogle/drip/pkg/log"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/persistence/memory"
	"github.com/soshogle/drip/pkg/scheduler"
	"github.com/soshogle/drip/pkg/services"
	"github.com/soshogle/drip/pkg/web"
)

func setupTestApp(t *testing.T) (*fiber.App, persistence.Persistence) {
	t.Helper()

	p := memory.NewPersistence()
	logger := log.WithModule("test")

	workflowService := services.NewWorkflow(p)
	abTestService := services.NewABTest(p)
	conversionService := services.NewConversion(p, logger)
	enrollmentManager := enrollment.NewManager(p, nil, nil, logger)
	analyzer := abtest.NewAnalyzer(p, nil, logger, abtest.AnalyzerConfig{})

	delegate := func(_ context.Context, _ string, _ map[string]any) (*scheduler.SendResult, error) {
		return &scheduler.SendResult{Success: true}, nil
	}

	sched, err := scheduler.NewScheduler(p, nil, delegate, scheduler.Config{
		FailurePolicy: scheduler.FailurePolicyRetry,
	}, logger)
	require.NoError(t, err)

	handlers := web.NewAPIHandlers(
		workflowService,
		abTestService,
		conversionService,
		enrollmentManager,
		sched,
		analyzer,
		p,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Patch("/:id", handlers.UpdateWorkflow)
	w.Delete("/:id", handlers.DeleteWorkflow)
	w.Post("/:id/archive", handlers.ArchiveWorkflow)
	w.Post("/:id/enroll", handlers.EnrollEntities)
	w.Get("/:id/enrollments", handlers.GetEnrollments)

	e := app.Group("/enrollments")
	e.Post("/:id/cancel", handlers.CancelEnrollment)
	e.Post("/:id/pause", handlers.PauseEnrollment)
	e.Post("/:id/resume", handlers.ResumeEnrollment)
	e.Post("/:id/success", handlers.RecordSuccess)

	ts := app.Group("/tests")
	ts.Post("/", handlers.CreateTest)
	ts.Get("/:id", handlers.GetTest)
	ts.Post("/:id/analyze", handlers.AnalyzeTest)

	app.Post("/tick", handlers.Tick)

	return app, p
}

func doJSON(t *testing.T, app *fiber.App, method, target string, payload any) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader

	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)

		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, raw
}

func validWorkflowRequest() web.CreateWorkflowRequest {
	return web.CreateWorkflowRequest{
		Name:  "Welcome Series",
		Owner: "test-user",
		Steps: []web.StepRequest{
			{
				Name:      "welcome sms",
				DelayUnit: "minutes",
				Content:   map[string]any{"channel": "sms", "body": "welcome!"},
			},
		},
	}
}

func createWorkflow(t *testing.T, app *fiber.App, req web.CreateWorkflowRequest) models.Workflow {
	t.Helper()

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var workflow models.Workflow
	require.NoError(t, json.Unmarshal(body, &workflow))

	return workflow
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	app, _ := setupTestApp(t)

	workflow := createWorkflow(t, app, validWorkflowRequest())
	assert.NotEmpty(t, workflow.ID)
	assert.Equal(t, "Welcome Series", workflow.Name)
	assert.Equal(t, models.WorkflowStatusActive, workflow.Status)
	require.Len(t, workflow.Steps, 1)
	assert.NotEmpty(t, workflow.Steps[0].ID)
}

func TestAPIHandlers_CreateWorkflow_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*web.CreateWorkflowRequest)
		rawBody string
	}{
		{
			name:   "missing name",
			mutate: func(r *web.CreateWorkflowRequest) { r.Name = "" },
		},
		{
			name:   "missing steps",
			mutate: func(r *web.CreateWorkflowRequest) { r.Steps = nil },
		},
		{
			name:   "bad delay unit",
			mutate: func(r *web.CreateWorkflowRequest) { r.Steps[0].DelayUnit = "fortnights" },
		},
		{
			name: "content fails the schema",
			mutate: func(r *web.CreateWorkflowRequest) {
				r.Steps[0].Content = map[string]any{"channel": "pigeon"}
			},
		},
		{
			name: "single variant",
			mutate: func(r *web.CreateWorkflowRequest) {
				r.Steps[0].Variants = []web.VariantRequest{{Label: "A"}}
			},
		},
		{
			name:    "invalid JSON",
			rawBody: "{not json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupTestApp(t)

			var (
				resp *http.Response
				body []byte
			)

			if tt.rawBody != "" {
				req := httptest.NewRequest(http.MethodPost, "/workflows/", bytes.NewReader([]byte(tt.rawBody)))
				req.Header.Set("Content-Type", "application/json")

				var err error
				resp, err = app.Test(req)
				require.NoError(t, err)
			} else {
				payload := validWorkflowRequest()
				tt.mutate(&payload)
				resp, body = doJSON(t, app, http.MethodPost, "/workflows/", payload)
			}

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestAPIHandlers_GetWorkflow_NotFound(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_UpdateWorkflow_StepsLockedWhileInUse(t *testing.T) {
	app, _ := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// Metadata edits pass.
	name := "Renamed Series"
	resp, body = doJSON(t, app, http.MethodPatch, "/workflows/"+workflow.ID,
		web.UpdateWorkflowRequest{Name: &name})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Step edits conflict.
	resp, _ = doJSON(t, app, http.MethodPatch, "/workflows/"+workflow.ID,
		web.UpdateWorkflowRequest{Steps: []web.StepRequest{
			{Name: "step one", DelayUnit: "minutes", Content: map[string]any{"channel": "sms", "body": "a"}},
			{Name: "step two", DelayUnit: "days", DelayValue: 1, Content: map[string]any{"channel": "sms", "body": "b"}},
		}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPIHandlers_EnrollAndList(t *testing.T) {
	app, _ := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1", "lead-2"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var result enrollment.BatchResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.Enrolled)
	assert.Zero(t, result.Skipped)

	// Enrolling again only skips.
	resp, body = doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1", "lead-2"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.Enrolled)
	assert.Equal(t, 2, result.Skipped)

	resp, body = doJSON(t, app, http.MethodGet, "/workflows/"+workflow.ID+"/enrollments?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Enrollments []*models.Enrollment `json:"enrollments"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Len(t, listing.Enrollments, 2)
}

func TestAPIHandlers_Enroll_EmptyBatchRejected(t *testing.T) {
	app, _ := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, _ := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_EnrollmentLifecycle(t *testing.T) {
	app, p := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	stored, err := p.EnrollmentRepository().FindCurrent(t.Context(), workflow.ID, "lead-1")
	require.NoError(t, err)

	resp, body = doJSON(t, app, http.MethodPost, "/enrollments/"+stored.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var paused models.Enrollment
	require.NoError(t, json.Unmarshal(body, &paused))
	assert.Equal(t, models.EnrollmentStatusPaused, paused.Status)

	resp, body = doJSON(t, app, http.MethodPost, "/enrollments/"+stored.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var resumed models.Enrollment
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Equal(t, models.EnrollmentStatusActive, resumed.Status)

	resp, body = doJSON(t, app, http.MethodPost, "/enrollments/"+stored.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var cancelled models.Enrollment
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.EnrollmentStatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.NextSendAt)

	resp, _ = doJSON(t, app, http.MethodPost, "/enrollments/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_Tick(t *testing.T) {
	app, _ := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	// The single step has no delay, so a tick pinned slightly in the
	// future must send and complete it.
	at := time.Now().UTC().Add(time.Second).Format(time.RFC3339)
	resp, body = doJSON(t, app, http.MethodPost, "/tick", web.TickRequest{At: &at})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Completed)

	bad := "not-a-timestamp"
	resp, _ = doJSON(t, app, http.MethodPost, "/tick", web.TickRequest{At: &bad})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_RecordSuccess(t *testing.T) {
	app, p := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	stored, err := p.EnrollmentRepository().FindCurrent(t.Context(), workflow.ID, "lead-1")
	require.NoError(t, err)

	resp, _ = doJSON(t, app, http.MethodPost, "/enrollments/"+stored.ID+"/success", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/enrollments/missing/success", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_ABTests(t *testing.T) {
	app, _ := setupTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/tests/", web.CreateTestRequest{
		Name:        "subject line test",
		SplitPolicy: "least_sends",
		Variants: []web.VariantRequest{
			{Label: "A", Weight: 50},
			{Label: "B", Weight: 50},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var test models.ABTest
	require.NoError(t, json.Unmarshal(body, &test))
	assert.NotEmpty(t, test.ID)

	resp, body = doJSON(t, app, http.MethodGet, "/tests/"+test.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched models.ABTest
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Len(t, fetched.Variants, 2)

	// Fresh variants have no data yet.
	resp, body = doJSON(t, app, http.MethodPost, "/tests/"+test.ID+"/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result abtest.AnalysisResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, abtest.OutcomeInsufficientData, result.Outcome)

	resp, _ = doJSON(t, app, http.MethodPost, "/tests/missing/analyze", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/tests/", web.CreateTestRequest{
		Name:     "one armed",
		Variants: []web.VariantRequest{{Label: "A"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHandlers_DeleteWorkflow(t *testing.T) {
	app, _ := setupTestApp(t)
	workflow := createWorkflow(t, app, validWorkflowRequest())

	resp, body := doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/enroll",
		web.EnrollRequest{EntityIDs: []string{"lead-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = doJSON(t, app, http.MethodDelete, "/workflows/"+workflow.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/workflows/"+workflow.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var archived models.Workflow
	_, body = doJSON(t, app, http.MethodGet, "/workflows/"+workflow.ID, nil)
	require.NoError(t, json.Unmarshal(body, &archived))
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)
}
