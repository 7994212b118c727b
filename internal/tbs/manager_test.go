package tbs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// fakeFHIRClient records the FHIR interactions the manager performs.
type fakeFHIRClient struct {
	createResponse json.RawMessage
	createErr      error
	deleteErrs     map[string]error

	creates []interface{}
	deletes []string
}

func (f *fakeFHIRClient) SearchBundle(ctx context.Context, resourceType string, params url.Values) (json.RawMessage, error) {
	return json.RawMessage(`{"resourceType":"Bundle","type":"searchset"}`), nil
}

func (f *fakeFHIRClient) Create(ctx context.Context, resourceType string, resource interface{}) (json.RawMessage, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates = append(f.creates, resource)
	if f.createResponse != nil {
		return f.createResponse, nil
	}
	return json.RawMessage(`{"resourceType":"Subscription","id":"created-1","status":"requested"}`), nil
}

func (f *fakeFHIRClient) Delete(ctx context.Context, resourceType, id string) error {
	f.deletes = append(f.deletes, id)
	if err, ok := f.deleteErrs[id]; ok {
		return err
	}
	return nil
}

func (f *fakeFHIRClient) Operation(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return json.RawMessage(`{"resourceType":"Bundle"}`), nil
}

func testDefinition(handler Handler) SubscriptionDefinition {
	return SubscriptionDefinition{
		Topic:     "https://example.com/SubscriptionTopic/new-appointment",
		WebhookID: "new-appointment-hook",
		FilterBy: []FilterBy{
			{ResourceType: "Appointment", FilterParameter: "status", Value: "booked"},
		},
		Handler: handler,
	}
}

func noopHandler(ctx context.Context, event SubscriptionEvent) error { return nil }

func managedConfig(client *fakeFHIRClient) SetupConfig {
	return SetupConfig{
		AppBaseURL:          "https://app.example.com",
		WebhookPathPrefix:   "webhook",
		ManageSubscriptions: true,
		Client:              client,
	}
}

func TestManager_Setup_CreatesSubscriptionAndRoute(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{}
	m := NewManager(protocol, []SubscriptionDefinition{testDefinition(noopHandler)})

	e := echo.New()
	if err := m.Setup(context.Background(), e, managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if protocol.buildCalls != 1 {
		t.Errorf("expected 1 build, got %d", protocol.buildCalls)
	}
	if len(client.creates) != 1 {
		t.Errorf("expected 1 create, got %d", len(client.creates))
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/new-appointment-hook", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected webhook route to answer 200, got %d", rec.Code)
	}
}

func TestManager_Setup_IdempotentWithActiveSubscription(t *testing.T) {
	protocol := &fakeProtocol{
		fetched: &RemoteSubscription{ID: "sub-1", Payload: []byte(`{}`)},
		info:    SubscriptionInfo{Status: "active", Token: "remote-token"},
	}
	client := &fakeFHIRClient{}
	m := NewManager(protocol, []SubscriptionDefinition{testDefinition(noopHandler)})

	for run := 0; run < 2; run++ {
		e := echo.New()
		if err := m.Setup(context.Background(), e, managedConfig(client)); err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}

		// The route must authenticate against the token embedded in the
		// existing subscription.
		req := httptest.NewRequest(http.MethodPost, "/webhook/new-appointment-hook", strings.NewReader(`{}`))
		req.Header.Set(WebhookTokenHeader, "remote-token")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("run %d: expected 200 with reused token, got %d", run, rec.Code)
		}

		req = httptest.NewRequest(http.MethodPost, "/webhook/new-appointment-hook", strings.NewReader(`{}`))
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("run %d: expected 401 without token, got %d", run, rec.Code)
		}
	}

	if protocol.buildCalls != 0 {
		t.Errorf("expected zero builds for active subscription, got %d", protocol.buildCalls)
	}
	if len(client.creates) != 0 {
		t.Errorf("expected zero creates for active subscription, got %d", len(client.creates))
	}
	if len(client.deletes) != 0 {
		t.Errorf("expected zero deletes for active subscription, got %v", client.deletes)
	}
}

func TestManager_Setup_ReplacesNonActiveSubscription(t *testing.T) {
	protocol := &fakeProtocol{
		fetched: &RemoteSubscription{ID: "sub-err", Payload: []byte(`{}`)},
		info:    SubscriptionInfo{Status: "error"},
	}
	client := &fakeFHIRClient{}
	m := NewManager(protocol, []SubscriptionDefinition{testDefinition(noopHandler)})

	if err := m.Setup(context.Background(), echo.New(), managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.deletes) != 1 || client.deletes[0] != "sub-err" {
		t.Errorf("expected exactly one delete of sub-err, got %v", client.deletes)
	}
	if len(client.creates) != 1 {
		t.Errorf("expected exactly one create, got %d", len(client.creates))
	}
}

func TestManager_Setup_UnmanagedRequiresWebhookID(t *testing.T) {
	definition := testDefinition(noopHandler)
	definition.WebhookID = ""
	m := NewManager(&fakeProtocol{}, []SubscriptionDefinition{definition})

	err := m.Setup(context.Background(), echo.New(), SetupConfig{WebhookPathPrefix: "webhook"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestManager_Setup_ManagedDerivesWebhookIDFromTopic(t *testing.T) {
	definition := testDefinition(noopHandler)
	definition.WebhookID = ""
	client := &fakeFHIRClient{}
	m := NewManager(&fakeProtocol{}, []SubscriptionDefinition{definition})

	e := echo.New()
	if err := m.Setup(context.Background(), e, managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/new-appointment", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected route derived from topic segment, got %d for /webhook/new-appointment", rec.Code)
	}
}

func TestManager_Setup_ManagementRequiresClientAndBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  SetupConfig
	}{
		{"manage without client", SetupConfig{ManageSubscriptions: true, AppBaseURL: "https://app.example.com"}},
		{"manage without base url", SetupConfig{ManageSubscriptions: true, Client: &fakeFHIRClient{}}},
		{"delivery errors without client", SetupConfig{HandleDeliveryErrors: true, AppBaseURL: "https://app.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&fakeProtocol{}, []SubscriptionDefinition{testDefinition(noopHandler)})
			err := m.Setup(context.Background(), echo.New(), tt.cfg)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestManager_Setup_DeliveryErrorFlagIsInert(t *testing.T) {
	client := &fakeFHIRClient{}
	cfg := managedConfig(client)
	cfg.HandleDeliveryErrors = true
	m := NewManager(&fakeProtocol{}, []SubscriptionDefinition{testDefinition(noopHandler)})

	if err := m.Setup(context.Background(), echo.New(), cfg); err != nil {
		t.Fatalf("expected flag to be accepted, got %v", err)
	}
}

func TestManager_Setup_GeneratesTokenWhenRequested(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{}
	cfg := managedConfig(client)
	cfg.GenerateTokens = true
	m := NewManager(protocol, []SubscriptionDefinition{testDefinition(noopHandler)})

	if err := m.Setup(context.Background(), echo.New(), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protocol.lastToken == "" {
		t.Error("expected a generated token to reach the builder")
	}
}

func TestManager_Setup_FixedTokenWinsOverGeneration(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{}
	cfg := managedConfig(client)
	cfg.WebhookToken = "fixed-token"
	cfg.GenerateTokens = true
	m := NewManager(protocol, []SubscriptionDefinition{testDefinition(noopHandler)})

	if err := m.Setup(context.Background(), echo.New(), cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if protocol.lastToken != "fixed-token" {
		t.Errorf("expected fixed token, got %q", protocol.lastToken)
	}
}

func TestManager_Setup_DefaultPrecedence(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{}
	definition := testDefinition(noopHandler)
	definition.Timeout = 90 // definition override wins

	m := NewManager(protocol, []SubscriptionDefinition{definition},
		WithDefaults(SubscriptionDefaults{HeartbeatPeriod: 45}))

	if err := m.Setup(context.Background(), echo.New(), managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if protocol.lastDef.Timeout != 90 {
		t.Errorf("expected definition timeout 90, got %d", protocol.lastDef.Timeout)
	}
	if protocol.lastDef.HeartbeatPeriod != 45 {
		t.Errorf("expected defaults heartbeat 45, got %d", protocol.lastDef.HeartbeatPeriod)
	}
	if protocol.lastDef.PayloadContent != DefaultPayloadContent {
		t.Errorf("expected built-in payload content %q, got %q", DefaultPayloadContent, protocol.lastDef.PayloadContent)
	}
}

func TestManager_Setup_MixedFilterTypesFatal(t *testing.T) {
	definition := testDefinition(noopHandler)
	definition.FilterBy = []FilterBy{
		{ResourceType: "Appointment", FilterParameter: "status", Value: "booked"},
		{ResourceType: "Patient", FilterParameter: "active", Value: "true"},
	}
	m := NewManager(&fakeProtocol{}, []SubscriptionDefinition{definition})

	err := m.Setup(context.Background(), echo.New(), managedConfig(&fakeFHIRClient{}))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for mixed filter types, got %v", err)
	}
}

func TestManager_Teardown_DeletesCreatedSubscriptions(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{createResponse: json.RawMessage(`{"resourceType":"Subscription","id":"created-a"}`)}

	first := testDefinition(noopHandler)
	second := testDefinition(noopHandler)
	second.WebhookID = "second-hook"
	m := NewManager(protocol, []SubscriptionDefinition{first, second})

	if err := m.Setup(context.Background(), echo.New(), managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.deletes = nil

	if err := m.Teardown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.deletes) != 2 {
		t.Fatalf("expected 2 deletes, got %v", client.deletes)
	}

	// Teardown is one-shot; a second call has nothing left to delete.
	client.deletes = nil
	if err := m.Teardown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.deletes) != 0 {
		t.Errorf("expected no deletes on second teardown, got %v", client.deletes)
	}
}

func TestManager_Teardown_BestEffortOnFailure(t *testing.T) {
	protocol := &fakeProtocol{}
	client := &fakeFHIRClient{
		createResponse: json.RawMessage(`{"resourceType":"Subscription","id":"created-a"}`),
		deleteErrs:     map[string]error{"created-a": errors.New("boom")},
	}

	first := testDefinition(noopHandler)
	second := testDefinition(noopHandler)
	second.WebhookID = "second-hook"
	m := NewManager(protocol, []SubscriptionDefinition{first, second})

	if err := m.Setup(context.Background(), echo.New(), managedConfig(client)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.deletes = nil

	err := m.Teardown(context.Background())
	if err == nil {
		t.Fatal("expected teardown to report the failed delete")
	}
	if len(client.deletes) != 2 {
		t.Errorf("expected remaining deletions to still run, got %v", client.deletes)
	}
}
