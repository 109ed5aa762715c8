package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/knowledge"
	"github.com/medical-dx-engine/internal/metrics"
	"github.com/medical-dx-engine/internal/middleware"
	"github.com/medical-dx-engine/internal/service"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Analyze(ctx context.Context, symptoms string) (*domain.DiagnosisResult, error) {
	args := m.Called(ctx, symptoms)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DiagnosisResult), args.Error(1)
}

func (m *MockService) Train(ctx context.Context, examples []domain.TrainingExample) (*domain.ModelArtifact, error) {
	args := m.Called(ctx, examples)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ModelArtifact), args.Error(1)
}

func (m *MockService) CheckInteractions(ctx context.Context, medications []string) (*domain.InteractionReport, error) {
	args := m.Called(ctx, medications)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.InteractionReport), args.Error(1)
}

func (m *MockService) Condition(name string) (domain.ConditionRecord, error) {
	args := m.Called(name)
	return args.Get(0).(domain.ConditionRecord), args.Error(1)
}

func (m *MockService) ActiveModel() (*service.ModelInfo, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ModelInfo), args.Error(1)
}

func (m *MockService) AddExample(ctx context.Context, ex domain.TrainingExample) (*domain.TrainingExample, error) {
	args := m.Called(ctx, ex)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TrainingExample), args.Error(1)
}

func (m *MockService) Examples(ctx context.Context, limit, offset int) ([]*domain.TrainingExample, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.TrainingExample), args.Error(1)
}

func (m *MockService) Enrich(ctx context.Context, names ...string) (*knowledge.EnrichReport, error) {
	args := m.Called(ctx, names)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*knowledge.EnrichReport), args.Error(1)
}

func (m *MockService) Health() map[string]interface{} {
	return map[string]interface{}{"model_loaded": true, "conditions": 22}
}

func testConfig() *domain.Config {
	return &domain.Config{
		Mode:    domain.ModeCurated,
		Logging: domain.LoggingConfig{Level: "error"},
		Metrics: domain.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestServer(svc DiagnosticService, m *metrics.Metrics) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	gin.SetMode(gin.TestMode)
	return NewServer(testConfig(), svc, m, logger)
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) domain.DxError {
	t.Helper()
	var dxErr domain.DxError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dxErr))
	return dxErr
}

func TestHealth(t *testing.T) {
	s := newTestServer(new(MockService), nil)

	w := do(s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "curated", body["mode"])
	assert.NotEmpty(t, w.Header().Get(middleware.CorrelationHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(new(MockService), metrics.New())

	do(s, http.MethodGet, "/health", "")
	w := do(s, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `meddx_http_requests_total`)
}

func TestAnalyze(t *testing.T) {
	t.Run("Successful_Analysis", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Analyze", mock.Anything, "cough, runny nose").Return(&domain.DiagnosisResult{
			Input:  "cough, runny nose",
			Status: domain.StatusFastPath,
			Candidates: []domain.Candidate{
				{Condition: "Common Cold", Confidence: 0.7},
			},
		}, nil)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/analyze", `{"symptoms":"cough, runny nose"}`)

		assert.Equal(t, http.StatusOK, w.Code)
		var res domain.DiagnosisResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, domain.StatusFastPath, res.Status)
		assert.Equal(t, "Common Cold", res.Candidates[0].Condition)
		svc.AssertExpectations(t)
	})

	t.Run("Malformed_Body", func(t *testing.T) {
		s := newTestServer(new(MockService), nil)

		w := do(s, http.MethodPost, "/api/v1/analyze", `{"symptoms":`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		dxErr := decodeError(t, w)
		assert.Equal(t, domain.CodeInvalidInput, dxErr.Code)
		assert.Equal(t, w.Header().Get(middleware.CorrelationHeader), dxErr.RequestID)
	})

	t.Run("Model_Not_Ready", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Analyze", mock.Anything, "excessive thirst").Return(nil, domain.ErrModelNotReady)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/analyze", `{"symptoms":"excessive thirst"}`)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, domain.CodeModelNotReady, decodeError(t, w).Code)
	})
}

func TestInteractions(t *testing.T) {
	svc := new(MockService)
	svc.On("CheckInteractions", mock.Anything, []string{"warfarin", "aspirin"}).Return(&domain.InteractionReport{
		Medications: []string{"warfarin", "aspirin"},
		RiskLevel:   domain.RiskSevere,
	}, nil)
	svc.On("CheckInteractions", mock.Anything, []string(nil)).Return(nil,
		fmt.Errorf("%w: no medications", domain.ErrInvalidInput))
	s := newTestServer(svc, nil)

	w := do(s, http.MethodPost, "/api/v1/interactions", `{"medications":["warfarin","aspirin"]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(domain.RiskSevere))

	w = do(s, http.MethodPost, "/api/v1/interactions", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrain(t *testing.T) {
	t.Run("Default_Corpus", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Train", mock.Anything, []domain.TrainingExample(nil)).Return(&domain.ModelArtifact{
			Version:          "20260101T000000Z-abc",
			ClassifierFamily: "logistic_regression",
			HeldOutAccuracy:  0.91,
			LabelSet:         []string{"Malaria", "Influenza"},
			ClassifierState:  json.RawMessage(`{"weights":[1,2,3]}`),
		}, nil)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/train", "")

		assert.Equal(t, http.StatusCreated, w.Code)
		var summary domain.ModelSummary
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
		assert.Equal(t, 2, summary.Labels)
		assert.NotContains(t, w.Body.String(), "weights")
	})

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"In_Progress", domain.ErrTrainingInProgress, http.StatusConflict, domain.CodeTrainingInProgress},
		{"Insufficient_Data", fmt.Errorf("only 3 examples: %w", domain.ErrTrainingDataInsufficient), http.StatusUnprocessableEntity, domain.CodeInsufficientData},
		{"Failed", domain.ErrTrainingFailed, http.StatusInternalServerError, domain.CodeTrainingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			svc.On("Train", mock.Anything, mock.Anything).Return(nil, tt.err)
			s := newTestServer(svc, nil)

			w := do(s, http.MethodPost, "/api/v1/train", `{"examples":[{"text":"chills","label":"Malaria"}]}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
		})
	}
}

func TestModel(t *testing.T) {
	svc := new(MockService)
	svc.On("ActiveModel").Return(&service.ModelInfo{Version: "v7", Family: "random_forest"}, nil).Once()
	svc.On("ActiveModel").Return(nil, domain.ErrModelNotReady)
	s := newTestServer(svc, nil)

	w := do(s, http.MethodGet, "/api/v1/model", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"v7"`)

	w = do(s, http.MethodGet, "/api/v1/model", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCondition(t *testing.T) {
	svc := new(MockService)
	svc.On("Condition", "flu").Return(domain.ConditionRecord{CanonicalName: "Influenza"}, nil)
	svc.On("Condition", "nothing").Return(domain.ConditionRecord{}, fmt.Errorf("condition %q: %w", "nothing", domain.ErrNotFound))
	s := newTestServer(svc, nil)

	w := do(s, http.MethodGet, "/api/v1/conditions/flu", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Influenza")

	w = do(s, http.MethodGet, "/api/v1/conditions/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.CodeNotFound, decodeError(t, w).Code)
}

func TestExamples(t *testing.T) {
	t.Run("Add_Example", func(t *testing.T) {
		svc := new(MockService)
		svc.On("AddExample", mock.Anything, domain.TrainingExample{Text: "fever and chills", Label: "malaria"}).
			Return(&domain.TrainingExample{ID: 1, Text: "fever and chills", Label: "Malaria", Source: domain.ExampleSourceClinician}, nil)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/examples", `{"text":"fever and chills","label":"malaria"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), `"label":"Malaria"`)
	})

	t.Run("Unknown_Label", func(t *testing.T) {
		svc := new(MockService)
		svc.On("AddExample", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("%w: %q", domain.ErrUnknownLabel, "x"))
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/examples", `{"text":"itch","label":"x"}`)

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, domain.CodeUnknownLabel, decodeError(t, w).Code)
	})

	t.Run("Store_Disabled", func(t *testing.T) {
		svc := new(MockService)
		svc.On("AddExample", mock.Anything, mock.Anything).Return(nil, service.ErrExamplesDisabled)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodPost, "/api/v1/examples", `{"text":"itch","label":"Dermatitis"}`)

		assert.Equal(t, http.StatusNotImplemented, w.Code)
	})

	t.Run("List_Examples", func(t *testing.T) {
		svc := new(MockService)
		svc.On("Examples", mock.Anything, 10, 5).Return([]*domain.TrainingExample{{ID: 2, Text: "wheezing", Label: "Asthma"}}, nil)
		s := newTestServer(svc, nil)

		w := do(s, http.MethodGet, "/api/v1/examples?limit=10&offset=5", "")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
	})

	t.Run("Invalid_Limit", func(t *testing.T) {
		s := newTestServer(new(MockService), nil)

		w := do(s, http.MethodGet, "/api/v1/examples?limit=-1", "")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEnrich(t *testing.T) {
	svc := new(MockService)
	svc.On("Enrich", mock.Anything, []string{"Malaria"}).Return(&knowledge.EnrichReport{Updated: []string{"Malaria"}}, nil)
	s := newTestServer(svc, nil)

	w := do(s, http.MethodPost, "/api/v1/enrich", `{"conditions":["Malaria"]}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Malaria")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"Invalid_Input", domain.ErrInvalidInput, http.StatusBadRequest},
		{"Validation_Error", domain.NewValidationError("limit", "bad", -1), http.StatusBadRequest},
		{"Not_Found", domain.ErrNotFound, http.StatusNotFound},
		{"Unknown_Label", domain.ErrUnknownLabel, http.StatusUnprocessableEntity},
		{"Model_Not_Ready", domain.ErrModelNotReady, http.StatusServiceUnavailable},
		{"Upstream_Unavailable", domain.NewUpstreamError("openfda", 503, nil), http.StatusServiceUnavailable},
		{"Enrichment_Disabled", service.ErrEnrichmentDisabled, http.StatusNotImplemented},
		{"Deadline", fmt.Errorf("analyze: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"Unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := StatusFor(tt.err)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
