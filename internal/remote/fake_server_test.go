package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// fakeService is an in-process document service with failure knobs.
type fakeService struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	nextID   int
	logins   int
	refreshs int
	creates  []createRequest
	uploads  map[string][]byte
	process  [][]string
	deleted  []string
	docs     map[string][]Document
	failed   []Document
	queries  []string
	authSeen []string

	// tokenTTL is the lifetime of issued access tokens.
	tokenTTL time.Duration
	// createFailures makes the next n creates fail with createStatus.
	createFailures int
	createStatus   int
	// putStatus, when set, is returned by every upload.
	putStatus int
	// unauthorizedOnce rejects the next API call with 401.
	unauthorizedOnce bool
	// processStatus, when set, is returned by the process endpoint.
	processStatus int
	// searchPageSize splits search results into pages.
	searchPageSize int
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()

	f := &fakeService{
		t:        t,
		nextID:   100,
		uploads:  make(map[string][]byte),
		docs:     make(map[string][]Document),
		tokenTTL: time.Hour,
	}

	r := chi.NewRouter()
	r.Post("/auth/token/", f.handleLogin)
	r.Post("/auth/refresh/", f.handleRefresh)
	r.Route("/api", func(r chi.Router) {
		r.Use(f.requireAuth)
		r.Post("/documents/", f.handleCreate)
		r.Post("/documents/process/", f.handleProcess)
		r.Get("/documents/search/", f.handleSearch)
		r.Delete("/documents/{id}/", f.handleDelete)
	})
	r.Put("/storage/{id}", f.handleUpload)

	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeService) config() ClientConfig {
	return ClientConfig{
		APIURL:     f.server.URL + "/api/",
		AuthURL:    f.server.URL + "/auth/",
		Username:   "uploader",
		Password:   "secret",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		HTTPClient: f.server.Client(),
	}
}

func (f *fakeService) issueToken() string {
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(f.tokenTTL))}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		f.t.Errorf("sign token: %v", err)
	}
	return signed
}

func (f *fakeService) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	if body["username"] != "uploader" || body["password"] != "secret" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.logins++
	f.writeJSON(w, http.StatusOK, map[string]string{"access": f.issueToken(), "refresh": "refresh-token"})
}

func (f *fakeService) handleRefresh(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshs++
	f.writeJSON(w, http.StatusOK, map[string]string{"access": f.issueToken()})
}

func (f *fakeService) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		header := r.Header.Get("Authorization")
		f.authSeen = append(f.authSeen, header)
		reject := f.unauthorizedOnce || !strings.HasPrefix(header, "Bearer ")
		f.unauthorizedOnce = false
		f.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *fakeService) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, body)
	if f.createFailures > 0 {
		f.createFailures--
		w.WriteHeader(f.createStatus)
		_, _ = io.WriteString(w, `{"detail":"create failed"}`)
		return
	}

	f.nextID++
	id := f.nextID
	f.writeJSON(w, http.StatusCreated, map[string]any{
		"id":            id,
		"presigned_url": fmt.Sprintf("%s/storage/%d?X-Amz-Signature=deadbeef", f.server.URL, id),
	})
}

func (f *fakeService) handleUpload(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putStatus != 0 {
		w.WriteHeader(f.putStatus)
		return
	}
	f.uploads[chi.URLParam(r, "id")] = data
	w.WriteHeader(http.StatusOK)
}

func (f *fakeService) handleProcess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.process = append(f.process, body.IDs)
	if f.processStatus != 0 {
		w.WriteHeader(f.processStatus)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeService) handleSearch(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q := r.URL.Query().Get("q")
	f.queries = append(f.queries, q)

	identifier := r.URL.Query().Get("data_document_number")
	matches := f.docs[identifier]
	if strings.Contains(q, "+status:") {
		matches = f.failed
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	size := f.searchPageSize
	if size == 0 {
		size = len(matches) + 1
	}

	end := min(offset+size, len(matches))
	results := make([]map[string]any, 0, end-offset)
	for _, d := range matches[offset:end] {
		id, _ := strconv.Atoi(d.ID)
		result := map[string]any{"id": id, "title": d.Title, "status": d.Status}
		if d.Identifier != "" {
			// Failed-document results carry a plain string, the others a list.
			if strings.Contains(q, "+status:") {
				result["data"] = map[string]any{"document_number": d.Identifier}
			} else {
				result["data"] = map[string]any{"document_number": []string{d.Identifier}}
			}
		}
		results = append(results, result)
	}

	next := ""
	if end < len(matches) {
		q := r.URL.Query()
		q.Set("offset", strconv.Itoa(end))
		next = f.server.URL + r.URL.Path + "?" + q.Encode()
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"next": next, "results": results})
}

func (f *fakeService) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "404" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	f.deleted = append(f.deleted, id)
	w.WriteHeader(http.StatusNoContent)
}
