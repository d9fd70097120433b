// Verilocate - Device Pairing and Telemetry Localization
// Copyright 2026 Verilocate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verilocate/verilocate

package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/verilocate/verilocate/internal/models"
	"github.com/verilocate/verilocate/internal/registry"
	"github.com/verilocate/verilocate/internal/session"
	"github.com/verilocate/verilocate/internal/websocket"
)

// fakeSessions is an in-memory SessionStore with supersede semantics.
type fakeSessions struct {
	mu      sync.Mutex
	byToken map[string]*models.PendingSession
	byDev   map[string]string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		byToken: make(map[string]*models.PendingSession),
		byDev:   make(map[string]string),
	}
}

func (f *fakeSessions) Create(ctx context.Context, sess *models.PendingSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.byDev[sess.DeviceID]; ok {
		delete(f.byToken, old)
	}
	f.byToken[sess.StateToken] = sess
	f.byDev[sess.DeviceID] = sess.StateToken
	return nil
}

func (f *fakeSessions) Take(ctx context.Context, stateToken string) (*models.PendingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.byToken[stateToken]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	delete(f.byToken, stateToken)
	delete(f.byDev, sess.DeviceID)
	return sess, nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	records map[string]*models.DeviceRecord
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{records: make(map[string]*models.DeviceRecord)}
}

func (d *fakeDirectory) FindByDeviceID(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[deviceID]
	if !ok {
		return nil, registry.ErrDeviceNotFound
	}
	cp := *rec
	return &cp, nil
}

func (d *fakeDirectory) Upsert(ctx context.Context, rec *models.DeviceRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *rec
	d.records[rec.DeviceID] = &cp
	return nil
}

func (d *fakeDirectory) Partition(ctx context.Context) (online, offline []*models.DeviceRecord, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range d.records {
		if rec.Presence == models.PresenceOnline {
			online = append(online, rec)
		} else {
			offline = append(offline, rec)
		}
	}
	return online, offline, nil
}

type fakeVerifier struct {
	qr       string
	qrErr    error
	token    string
	exchErr  error
	lastCode string
}

func (v *fakeVerifier) FetchLoginQR(ctx context.Context, stateToken, callbackURL string) (string, error) {
	if v.qrErr != nil {
		return "", v.qrErr
	}
	return v.qr, nil
}

func (v *fakeVerifier) ExchangeCode(ctx context.Context, code string) (string, error) {
	v.lastCode = code
	if v.exchErr != nil {
		return "", v.exchErr
	}
	return v.token, nil
}

type fakeNotifier struct {
	mu         sync.Mutex
	notified   map[string][]websocket.Message
	broadcasts int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notified: make(map[string][]websocket.Message)}
}

func (n *fakeNotifier) Notify(stateToken string, msg websocket.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notified[stateToken] = append(n.notified[stateToken], msg)
}

func (n *fakeNotifier) BroadcastDirectory(online, offline []*models.DeviceRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts++
}

func (n *fakeNotifier) last(stateToken string) (websocket.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.notified[stateToken]
	if len(msgs) == 0 {
		return websocket.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

func deviceToken(t *testing.T, did string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":                  "subject-1",
		"exp":                  time.Now().Add(time.Hour).Unix(),
		"verifiableCredential": map[string]any{"id": did},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("verifier-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func newService(sessions SessionStore, dir Directory, v Verifier, n Notifier) *Service {
	return NewService(sessions, dir, v, n, Options{
		CallbackURL: "http://127.0.0.1:8443/api/v1/auth/callback",
		DefaultLat:  10,
		DefaultLon:  20,
		Heatmap:     []byte(`[{"cell":"1"}]`),
	})
}

func TestBeginSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	v := &fakeVerifier{qr: "data:image/png;base64,QUJD"}
	svc := newService(sessions, newFakeDirectory(), v, newFakeNotifier())

	token, qr, err := svc.BeginSession(context.Background(), "device-1", "", "file:///log")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if token == "" || qr != "data:image/png;base64,QUJD" {
		t.Errorf("unexpected token=%q qr=%q", token, qr)
	}
	if sessions.byToken[token] == nil {
		t.Error("expected a pending session for the state token")
	}
}

func TestBeginSessionKeepsSuppliedStateToken(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	svc := newService(sessions, newFakeDirectory(), &fakeVerifier{qr: "qr"}, newFakeNotifier())

	token, _, err := svc.BeginSession(context.Background(), "device-1", "nonce-from-device", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if token != "nonce-from-device" {
		t.Errorf("expected supplied nonce kept, got %q", token)
	}
	if sessions.byToken["nonce-from-device"] == nil {
		t.Error("expected session keyed by the supplied nonce")
	}
}

func TestBeginSessionSupersedes(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	svc := newService(sessions, newFakeDirectory(), &fakeVerifier{qr: "qr"}, newFakeNotifier())
	ctx := context.Background()

	first, _, err := svc.BeginSession(ctx, "device-1", "", "")
	if err != nil {
		t.Fatalf("begin first: %v", err)
	}
	second, _, err := svc.BeginSession(ctx, "device-1", "", "")
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}

	if _, err := sessions.Take(ctx, first); !errors.Is(err, session.ErrSessionNotFound) {
		t.Error("expected first session to be superseded")
	}
	if _, err := sessions.Take(ctx, second); err != nil {
		t.Errorf("expected second session to be live, got %v", err)
	}
}

func TestBeginSessionQRFailureLeavesSession(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	v := &fakeVerifier{qrErr: errors.New("verifier down")}
	svc := newService(sessions, newFakeDirectory(), v, newFakeNotifier())

	_, _, err := svc.BeginSession(context.Background(), "device-1", "", "")
	if err == nil {
		t.Fatal("expected error")
	}
	// The pending session is not rolled back; it ages out via TTL.
	if len(sessions.byToken) != 1 {
		t.Errorf("expected 1 pending session, got %d", len(sessions.byToken))
	}
}

func TestHandleCallbackResolves(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	dir := newFakeDirectory()
	v := &fakeVerifier{qr: "qr", token: deviceToken(t, "did:example:abc")}
	n := newFakeNotifier()
	svc := newService(sessions, dir, v, n)
	ctx := context.Background()

	state, _, err := svc.BeginSession(ctx, "device-1", "", "file:///log")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	if err := svc.HandleCallback(ctx, state, "code-42"); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if v.lastCode != "code-42" {
		t.Errorf("expected code exchange, got %q", v.lastCode)
	}

	rec, err := dir.FindByDeviceID(ctx, "device-1")
	if err != nil {
		t.Fatalf("expected device record: %v", err)
	}
	if rec.DID != "did:example:abc" || rec.Presence != models.PresenceOnline {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.LastCoordinates.Lat != 10 || rec.LastCoordinates.Lon != 20 {
		t.Errorf("expected default coordinates, got %+v", rec.LastCoordinates)
	}
	if rec.BehaviouralScore != 1 {
		t.Errorf("expected initial score 1, got %v", rec.BehaviouralScore)
	}
	if len(rec.Heatmap) == 0 {
		t.Error("expected heatmap on new record")
	}

	msg, ok := n.last(state)
	if !ok || msg.Status != websocket.StatusAuthSuccess {
		t.Errorf("expected auth_success notification, got %+v ok=%v", msg, ok)
	}
	if msg.AuthToken == "" || msg.DeviceID != "device-1" || msg.DID != "did:example:abc" {
		t.Errorf("expected pairing outcome fields, got %+v", msg.AuthResult)
	}
	if n.broadcasts != 1 {
		t.Errorf("expected 1 directory broadcast, got %d", n.broadcasts)
	}
}

func TestHandleCallbackExistingDeviceComesBackOnline(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	dir := newFakeDirectory()
	_ = dir.Upsert(context.Background(), &models.DeviceRecord{
		DeviceID:         "device-1",
		DID:              "did:old",
		Presence:         models.PresenceOffline,
		BehaviouralScore: 0.7,
		LastCoordinates:  models.Coordinates{Lat: 48, Lon: 11},
	})
	v := &fakeVerifier{qr: "qr", token: deviceToken(t, "did:example:abc")}
	svc := newService(sessions, dir, v, newFakeNotifier())
	ctx := context.Background()

	state, _, err := svc.BeginSession(ctx, "device-1", "", "")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := svc.HandleCallback(ctx, state, "code"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	rec, _ := dir.FindByDeviceID(ctx, "device-1")
	if rec.Presence != models.PresenceOnline {
		t.Error("expected device back online")
	}
	if rec.DID != "did:example:abc" {
		t.Errorf("expected refreshed DID, got %q", rec.DID)
	}
	// Existing state survives re-pairing.
	if rec.BehaviouralScore != 0.7 || rec.LastCoordinates.Lat != 48 {
		t.Errorf("expected prior score and coordinates kept, got %+v", rec)
	}
}

func TestHandleCallbackExpiredSession(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	v := &fakeVerifier{token: deviceToken(t, "did:a")}
	n := newFakeNotifier()
	svc := newService(newFakeSessions(), dir, v, n)

	err := svc.HandleCallback(context.Background(), "stale-token", "code")
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	msg, ok := n.last("stale-token")
	if !ok || msg.Status != websocket.StatusAuthFailed {
		t.Errorf("expected auth_failed, got %+v", msg)
	}
	if len(dir.records) != 0 {
		t.Error("expired callback must not mutate the directory")
	}
}

func TestHandleCallbackReplayFails(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	dir := newFakeDirectory()
	v := &fakeVerifier{qr: "qr", token: deviceToken(t, "did:a")}
	svc := newService(sessions, dir, v, newFakeNotifier())
	ctx := context.Background()

	state, _, _ := svc.BeginSession(ctx, "device-1", "", "")
	if err := svc.HandleCallback(ctx, state, "code"); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	if err := svc.HandleCallback(ctx, state, "code"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("expected replay to hit expired branch, got %v", err)
	}
}

func TestHandleCallbackExchangeFailure(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	v := &fakeVerifier{qr: "qr", exchErr: errors.New("bad code")}
	n := newFakeNotifier()
	svc := newService(sessions, newFakeDirectory(), v, n)
	ctx := context.Background()

	state, _, _ := svc.BeginSession(ctx, "device-1", "", "")
	if err := svc.HandleCallback(ctx, state, "bad"); err == nil {
		t.Fatal("expected error")
	}
	msg, ok := n.last(state)
	if !ok || msg.Status != websocket.StatusAuthFailed {
		t.Errorf("expected auth_failed, got %+v", msg)
	}
}

func TestMarkOffline(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	_ = dir.Upsert(context.Background(), &models.DeviceRecord{
		DeviceID: "device-1",
		Presence: models.PresenceOnline,
	})
	n := newFakeNotifier()
	svc := newService(newFakeSessions(), dir, &fakeVerifier{}, n)

	if err := svc.MarkOffline(context.Background(), "device-1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	rec, _ := dir.FindByDeviceID(context.Background(), "device-1")
	if rec.Presence != models.PresenceOffline {
		t.Error("expected device offline")
	}
	if n.broadcasts != 1 {
		t.Errorf("expected directory broadcast, got %d", n.broadcasts)
	}
}
