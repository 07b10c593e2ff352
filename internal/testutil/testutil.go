// Package testutil provides common test doubles and helpers for AnonRelay tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/BTreeMap/AnonRelay/internal/models"
	"github.com/BTreeMap/AnonRelay/internal/store"
)

// MemoryBackend is an in-memory store.Backend. Setting one of the Fail*
// fields makes the matching operation return that error.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[models.SenderID]models.UserRecord

	FailGet    error
	FailPut    error
	FailUpdate error
	FailList   error
}

var _ store.Backend = (*MemoryBackend)(nil)

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[models.SenderID]models.UserRecord)}
}

func (m *MemoryBackend) Get(ctx context.Context, id models.SenderID) (*models.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGet != nil {
		return nil, m.FailGet
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryBackend) Put(ctx context.Context, rec models.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	m.records[rec.SenderID] = rec
	return nil
}

func (m *MemoryBackend) Update(ctx context.Context, id models.SenderID, upd models.UserUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, store.ErrNotFound)
	}
	upd.Apply(&rec)
	m.records[id] = rec
	return nil
}

func (m *MemoryBackend) ListAll(ctx context.Context) ([]models.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailList != nil {
		return nil, m.FailList
	}
	out := make([]models.UserRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out, nil
}

func (m *MemoryBackend) Close() error { return nil }

// Seed stores records directly, bypassing failure injection.
func (m *MemoryBackend) Seed(records ...models.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.SenderID] = rec
	}
}

// Delivery is one send recorded by FakeTransport.
type Delivery struct {
	To   models.SenderID
	Kind models.ContentKind // KindText for SendText, otherwise the media kind
	Text string             // text body or caption
	Ref  string             // media reference, empty for text
}

// FakeTransport records every send. Sends to ids present in Fail return the
// mapped error instead.
type FakeTransport struct {
	mu         sync.Mutex
	deliveries []Delivery
	Fail       map[models.SenderID]error
}

// NewFakeTransport returns a FakeTransport with no failures configured.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{Fail: make(map[models.SenderID]error)}
}

func (f *FakeTransport) record(to models.SenderID, kind models.ContentKind, text, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[to]; ok {
		return err
	}
	f.deliveries = append(f.deliveries, Delivery{To: to, Kind: kind, Text: text, Ref: ref})
	return nil
}

func (f *FakeTransport) SendText(ctx context.Context, to models.SenderID, text string) error {
	return f.record(to, models.KindText, text, "")
}

func (f *FakeTransport) SendPhoto(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindPhoto, caption, media.Ref)
}

func (f *FakeTransport) SendVideo(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindVideo, caption, media.Ref)
}

func (f *FakeTransport) SendDocument(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindDocument, caption, media.Ref)
}

func (f *FakeTransport) SendAnimation(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindAnimation, caption, media.Ref)
}

func (f *FakeTransport) SendVoice(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindVoice, caption, media.Ref)
}

func (f *FakeTransport) SendAudio(ctx context.Context, to models.SenderID, media models.Media, caption string) error {
	return f.record(to, models.KindAudio, caption, media.Ref)
}

func (f *FakeTransport) SendSticker(ctx context.Context, to models.SenderID, media models.Media) error {
	return f.record(to, models.KindSticker, "", media.Ref)
}

// Deliveries returns a copy of the recorded sends.
func (f *FakeTransport) Deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.deliveries...)
}

// DeliveriesTo returns the recorded sends addressed to id.
func (f *FakeTransport) DeliveriesTo(id models.SenderID) []Delivery {
	var out []Delivery
	for _, d := range f.Deliveries() {
		if d.To == id {
			out = append(out, d)
		}
	}
	return out
}

// Reset drops the recorded sends.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = nil
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
