// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/verilocate/verilocate/internal/auth"
	"github.com/verilocate/verilocate/internal/config"
	"github.com/verilocate/verilocate/internal/logline"
	"github.com/verilocate/verilocate/internal/models"
	"github.com/verilocate/verilocate/internal/pairing"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/websocket"
)

type fakeIngest struct {
	err      error
	lastRaw  string
	lastID   string
	lastTokn string
}

func (f *fakeIngest) Submit(ctx context.Context, deviceID, token, raw string) error {
	f.lastID, f.lastTokn, f.lastRaw = deviceID, token, raw
	return f.err
}

type fakePairer struct {
	mu          sync.Mutex
	beginErr    error
	callbackErr error
	offline     []string
}

func (f *fakePairer) BeginSession(ctx context.Context, deviceID, stateToken, logFileURI string) (string, string, error) {
	if f.beginErr != nil {
		return "", "", f.beginErr
	}
	if stateToken == "" {
		stateToken = "state-1"
	}
	return stateToken, "data:image/png;base64,QUJD", nil
}

func (f *fakePairer) HandleCallback(ctx context.Context, stateToken, code string) error {
	return f.callbackErr
}

func (f *fakePairer) MarkOffline(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, deviceID)
	return nil
}

type fakeDir struct {
	records map[string]*models.DeviceRecord
	scores  map[string]float64
}

func newFakeDir(recs ...*models.DeviceRecord) *fakeDir {
	d := &fakeDir{records: map[string]*models.DeviceRecord{}, scores: map[string]float64{}}
	for _, r := range recs {
		d.records[r.DeviceID] = r
	}
	return d
}

func (d *fakeDir) List(ctx context.Context) ([]*models.DeviceRecord, error) {
	var out []*models.DeviceRecord
	for _, r := range d.records {
		out = append(out, r)
	}
	return out, nil
}

func (d *fakeDir) Partition(ctx context.Context) (online, offline []*models.DeviceRecord, err error) {
	for _, r := range d.records {
		if r.Presence == models.PresenceOnline {
			online = append(online, r)
		} else {
			offline = append(offline, r)
		}
	}
	return online, offline, nil
}

func (d *fakeDir) FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	r, ok := d.records[deviceID]
	if !ok {
		return nil, registry.ErrDeviceNotFound
	}
	return r, nil
}

func (d *fakeDir) FindByDID(ctx context.Context, did string) (*models.DeviceRecord, error) {
	for _, r := range d.records {
		if r.DID == did {
			return r, nil
		}
	}
	return nil, registry.ErrDeviceNotFound
}

func (d *fakeDir) UpdateScore(ctx context.Context, deviceID string, score float64) error {
	if _, ok := d.records[deviceID]; !ok {
		return registry.ErrDeviceNotFound
	}
	d.scores[deviceID] = score
	return nil
}

func (d *fakeDir) UpdateCoordinatesByDID(ctx context.Context, did string, c models.Coordinates) error {
	for _, r := range d.records {
		if r.DID == did {
			r.LastCoordinates = c
			return nil
		}
	}
	return registry.ErrDeviceNotFound
}

type testEnv struct {
	server *httptest.Server
	ingest *fakeIngest
	pairer *fakePairer
	dir    *fakeDir
	jwt    *auth.JWTManager
}

func newTestEnv(t *testing.T, dir *fakeDir) *testEnv {
	t.Helper()

	passwordHash, err := auth.HashPassword("operator-password")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	cfg := &config.Config{
		Security: config.SecurityConfig{
			JWTSecret:             strings.Repeat("s", 32),
			SessionTimeout:        time.Hour,
			DashboardUsername:     "operator",
			DashboardPasswordHash: passwordHash,
			RateLimitRequests:     1000,
			RateLimitWindow:       time.Minute,
			CORSOrigins:           []string{"*"},
		},
	}
	manager, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	ing := &fakeIngest{}
	pair := &fakePairer{}
	hub := websocket.NewHub()
	handler := NewHandler(ing, pair, dir, hub, manager, cfg)

	srv := httptest.NewServer(NewRouter(handler).Setup())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, ingest: ing, pairer: pair, dir: dir, jwt: manager}
}

func (e *testEnv) post(t *testing.T, path, token string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func deviceToken(t *testing.T, did string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":                  "subject-1",
		"exp":                  exp.Unix(),
		"verifiableCredential": map[string]any{"id": did},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("verifier-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestDeviceLogin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	resp := env.post(t, "/api/v1/devices/login", "", map[string]string{
		"device_id": "device-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["state_token"] != "state-1" || data["qr"] == "" {
		t.Errorf("unexpected payload %v", data)
	}
}

func TestDeviceLoginKeepsSuppliedStateToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	resp := env.post(t, "/api/v1/devices/login", "", map[string]string{
		"device_id":   "device-1",
		"state_token": "nonce-from-device",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["state_token"] != "nonce-from-device" {
		t.Errorf("expected device nonce echoed back, got %v", data)
	}
}

func TestDeviceLoginVerifierDown(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	env.pairer.beginErr = errors.New("verifier down")
	resp := env.post(t, "/api/v1/devices/login", "", map[string]string{"device_id": "device-1"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestAuthCallbackExpired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	env.pairer.callbackErr = pairing.ErrSessionExpired
	resp := env.get(t, "/api/v1/auth/callback?state=s&code=c", "")
	if resp.StatusCode != http.StatusGone {
		t.Errorf("expected 410, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestSubmitLogs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	token := deviceToken(t, "did:a", time.Now().Add(time.Hour))

	resp := env.post(t, "/api/v1/devices/logs", token, map[string]string{
		"device_id": "device-1",
		"logs":      "01-02 10:30:45.123  1  2  I  Tag: msg",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if env.ingest.lastID != "device-1" || env.ingest.lastTokn != token {
		t.Errorf("submit not forwarded: %+v", env.ingest)
	}
}

func TestSubmitLogsMissingToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	resp := env.post(t, "/api/v1/devices/logs", "", map[string]string{
		"device_id": "device-1",
		"logs":      "x",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestSubmitLogsMalformed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())
	env.ingest.err = logline.ErrMalformedLine
	token := deviceToken(t, "did:a", time.Now().Add(time.Hour))

	resp := env.post(t, "/api/v1/devices/logs", token, map[string]string{
		"device_id": "device-1",
		"logs":      "garbage",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.Error == nil || out.Error.Code != ErrCodeMalformedTelemetry {
		t.Errorf("unexpected error %+v", out.Error)
	}
}

func TestListDevicesRequiresAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "a", Presence: models.PresenceOnline}))

	resp := env.get(t, "/api/v1/devices/", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	token, err := env.jwt.GenerateToken("operator", auth.RoleDashboard)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	resp = env.get(t, "/api/v1/devices/", token)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with dashboard token, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestOnlineOfflinePartition(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(
		&models.DeviceRecord{DeviceID: "on", Presence: models.PresenceOnline},
		&models.DeviceRecord{DeviceID: "off", Presence: models.PresenceOffline},
	))
	token, _ := env.jwt.GenerateToken("svc", auth.RoleService)

	resp := env.get(t, "/api/v1/devices/online", token)
	out := decodeResponse(t, resp)
	devices := out.Data.([]interface{})
	if len(devices) != 1 {
		t.Errorf("expected 1 online device, got %d", len(devices))
	}

	resp = env.get(t, "/api/v1/devices/offline", token)
	out = decodeResponse(t, resp)
	devices = out.Data.([]interface{})
	if len(devices) != 1 {
		t.Errorf("expected 1 offline device, got %d", len(devices))
	}
}

func TestDeviceLogout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "device-1", DID: "did:a"}))
	token := deviceToken(t, "did:a", time.Now().Add(time.Hour))

	resp := env.post(t, "/api/v1/devices/logout", token, map[string]string{"device_id": "device-1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if len(env.pairer.offline) != 1 || env.pairer.offline[0] != "device-1" {
		t.Errorf("expected device marked offline, got %v", env.pairer.offline)
	}

	// A token for a different DID cannot log the device out.
	wrong := deviceToken(t, "did:other", time.Now().Add(time.Hour))
	resp = env.post(t, "/api/v1/devices/logout", wrong, map[string]string{"device_id": "device-1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for mismatched DID, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestValidateDeviceTokenExpiredMarksOffline(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "device-1", DID: "did:a"}))

	// The expired token alone identifies the device; clients send nothing
	// but the bearer token.
	expired := deviceToken(t, "did:a", time.Now().Add(-time.Minute))
	resp := env.get(t, "/api/v1/auth/validate", expired)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if len(env.pairer.offline) != 1 || env.pairer.offline[0] != "device-1" {
		t.Errorf("expected device-1 marked offline, got %v", env.pairer.offline)
	}

	valid := deviceToken(t, "did:a", time.Now().Add(time.Hour))
	resp = env.get(t, "/api/v1/auth/validate", valid)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for live token, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestValidateDeviceTokenExpiredUnknownDID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "device-1", DID: "did:a"}))

	expired := deviceToken(t, "did:never-paired", time.Now().Add(-time.Minute))
	resp := env.get(t, "/api/v1/auth/validate", expired)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if len(env.pairer.offline) != 0 {
		t.Errorf("no device should be marked offline, got %v", env.pairer.offline)
	}
}

func TestUpdateScoreValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "device-1"}))
	token, _ := env.jwt.GenerateToken("svc", auth.RoleService)

	resp := env.post(t, "/api/v1/devices/score", token, map[string]interface{}{
		"device_id": "device-1",
		"score":     1.5,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range score, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = env.post(t, "/api/v1/devices/score", token, map[string]interface{}{
		"device_id": "device-1",
		"score":     0.4,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if env.dir.scores["device-1"] != 0.4 {
		t.Errorf("score not stored: %v", env.dir.scores)
	}
}

func TestUpdateLocation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "device-1", DID: "did:a"}))
	token, _ := env.jwt.GenerateToken("svc", auth.RoleService)

	resp := env.post(t, "/api/v1/devices/location", token, map[string]interface{}{
		"did": "did:a", "lat": 48.1, "lon": 11.5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if env.dir.records["device-1"].LastCoordinates.Lat != 48.1 {
		t.Error("coordinates not stored")
	}

	resp = env.post(t, "/api/v1/devices/location", token, map[string]interface{}{
		"did": "did:unknown", "lat": 1, "lon": 2,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown DID, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestFetchScore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{
		DeviceID:         "device-1",
		DID:              "did:a",
		BehaviouralScore: 0.7,
	}))
	token, _ := env.jwt.GenerateToken("svc", auth.RoleService)

	resp := env.get(t, "/api/v1/devices/score?did=did:a", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["did"] != "did:a" || data["score"].(float64) != 0.7 {
		t.Errorf("unexpected payload %v", data)
	}

	resp = env.get(t, "/api/v1/devices/score?did=did:unknown", token)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown DID, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestFetchLocation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{
		DeviceID:        "device-1",
		DID:             "did:a",
		LastCoordinates: models.Coordinates{Lat: 48.1, Lon: 11.5},
	}))
	token, _ := env.jwt.GenerateToken("svc", auth.RoleService)

	resp := env.get(t, "/api/v1/devices/location?did=did:a", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["lat"].(float64) != 48.1 || data["lon"].(float64) != 11.5 {
		t.Errorf("unexpected payload %v", data)
	}

	resp = env.get(t, "/api/v1/devices/location", token)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without did, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestDashboardLogin(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir())

	resp := env.post(t, "/api/v1/dashboard/login", "", map[string]string{
		"username": "operator",
		"password": "operator-password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	tok, _ := data["token"].(string)
	if tok == "" {
		t.Fatal("expected a token")
	}
	claims, err := env.jwt.ValidateToken(tok)
	if err != nil || claims.Role != auth.RoleDashboard {
		t.Errorf("issued token invalid: %v %+v", err, claims)
	}

	resp = env.post(t, "/api/v1/dashboard/login", "", map[string]string{
		"username": "operator",
		"password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad password, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, newFakeDir(&models.DeviceRecord{DeviceID: "a", Presence: models.PresenceOnline}))
	resp := env.get(t, "/api/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	data := out.Data.(map[string]interface{})
	if data["status"] != "ok" || data["devices_online"].(float64) != 1 {
		t.Errorf("unexpected status payload %v", data)
	}
}
