// Package registrytest provides an in-memory extension registry for tests.
package registrytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/extforge/pkg/archive"
	"github.com/platinummonkey/extforge/pkg/httputil"
	"github.com/platinummonkey/extforge/pkg/manifest"
)

// QuotaMessage is the message the registry uses for the version limit
const QuotaMessage = "Extension versions quantity limit is exceeded"

// Calls counts requests per endpoint
type Calls struct {
	List      int
	Delete    int
	Validate  int
	Upload    int
	Activate  int
	Deleted   []string
	Activated []string
}

// Server is a fake registry. It enforces a version quota and supports
// failure injection per endpoint.
type Server struct {
	*httptest.Server

	Token string
	Quota int

	mu       sync.Mutex
	versions map[string][]string
	active   map[string]string
	calls    Calls

	failList      bool
	quotaFailures int
	uploadFailure *failure
	rejectMessage string
	undeletable   map[string]bool
	failActivate  bool
}

type failure struct {
	status  int
	message string
}

// New starts a fake registry that is closed when the test ends
func New(t testing.TB) *Server {
	s := &Server{
		Token:       "test-token",
		Quota:       10,
		versions:    make(map[string][]string),
		active:      make(map[string]string),
		undeletable: make(map[string]bool),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v2/extensions").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("", s.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/{name}", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{name}/environmentConfiguration", s.handleActivate).Methods(http.MethodPut)
	api.HandleFunc("/{name}/{version}", s.handleDelete).Methods(http.MethodDelete)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// SetVersions replaces the stored versions of name, oldest first
func (s *Server) SetVersions(name string, versions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[name] = append([]string(nil), versions...)
}

// Versions returns the stored versions of name, oldest first
func (s *Server) Versions(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.versions[name]...)
}

// Active returns the activated version of name
func (s *Server) Active(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[name]
}

// Calls returns a snapshot of the request counters
func (s *Server) Calls() Calls {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.calls
	c.Deleted = append([]string(nil), s.calls.Deleted...)
	c.Activated = append([]string(nil), s.calls.Activated...)
	return c
}

// FailList makes version listing return 500
func (s *Server) FailList(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = fail
}

// FailUploadsWithQuota makes the next n real uploads fail with the quota error
func (s *Server) FailUploadsWithQuota(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotaFailures = n
}

// FailUploads makes every real upload fail with status and message
func (s *Server) FailUploads(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadFailure = &failure{status: status, message: message}
}

// RejectValidation makes dry-run uploads fail with a constraint violation
func (s *Server) RejectValidation(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectMessage = message
}

// Undeletable makes deletion of the given versions fail
func (s *Server) Undeletable(versions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range versions {
		s.undeletable[v] = true
	}
}

// FailActivation makes environment configuration updates fail
func (s *Server) FailActivation(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failActivate = fail
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" && r.Header.Get("Authorization") != "Api-Token "+s.Token {
			writeError(w, http.StatusUnauthorized, "Missing or invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.mu.Lock()
	s.calls.List++
	fail := s.failList
	versions, ok := s.versions[name]
	versions = append([]string(nil), versions...)
	s.mu.Unlock()

	if fail {
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Extension %s not found", name), nil)
		return
	}

	// two entries per page so clients have to follow nextPageKey
	start := 0
	if key := r.URL.Query().Get("nextPageKey"); key != "" {
		fmt.Sscanf(key, "page-%d", &start)
	}
	end := start + 2
	if end > len(versions) {
		end = len(versions)
	}

	resp := map[string]interface{}{"totalCount": len(versions)}
	page := make([]map[string]string, 0, end-start)
	for _, v := range versions[start:end] {
		page = append(page, map[string]string{"extensionName": name, "version": v})
	}
	resp["extensions"] = page
	if end < len(versions) {
		resp["nextPageKey"] = fmt.Sprintf("page-%d", end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, version := vars["name"], vars["version"]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Delete++

	if s.undeletable[version] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Version %s is in use and cannot be deleted", version), nil)
		return
	}
	versions := s.versions[name]
	for i, v := range versions {
		if v == version {
			s.versions[name] = append(versions[:i:i], versions[i+1:]...)
			s.calls.Deleted = append(s.calls.Deleted, version)
			writeJSON(w, http.StatusOK, map[string]string{"extensionName": name, "version": version})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("Version %s not found", version), nil)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("validateOnly") == "true"

	m, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dryRun {
		s.calls.Validate++
		if s.rejectMessage != "" {
			writeError(w, http.StatusBadRequest, "Extension validation failed", []map[string]string{
				{"path": "extension.yaml", "message": s.rejectMessage},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"extensionName": m.Name, "version": m.Version.String()})
		return
	}

	s.calls.Upload++
	if s.uploadFailure != nil {
		writeError(w, s.uploadFailure.status, s.uploadFailure.message, nil)
		return
	}
	if s.quotaFailures > 0 {
		s.quotaFailures--
		writeError(w, http.StatusBadRequest, QuotaMessage, nil)
		return
	}
	if s.Quota > 0 && len(s.versions[m.Name]) >= s.Quota {
		writeError(w, http.StatusBadRequest, QuotaMessage, nil)
		return
	}
	for _, v := range s.versions[m.Name] {
		if v == m.Version.String() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Extension %s version %s already exists", m.Name, v), nil)
			return
		}
	}

	s.versions[m.Name] = append(s.versions[m.Name], m.Version.String())
	writeJSON(w, http.StatusCreated, map[string]string{"extensionName": m.Name, "version": m.Version.String()})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls.Activate++

	if s.failActivate {
		writeError(w, http.StatusInternalServerError, "Environment configuration could not be updated", nil)
		return
	}
	for _, v := range s.versions[name] {
		if v == body.Version {
			s.active[name] = v
			s.calls.Activated = append(s.calls.Activated, v)
			writeJSON(w, http.StatusOK, map[string]string{"version": v})
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Sprintf("Version %s not found", body.Version), nil)
}

// readUpload unpacks the uploaded outer archive far enough to learn the
// extension identity from its manifest.
func readUpload(r *http.Request) (*manifest.Manifest, error) {
	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("missing file: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	inner, _, err := archive.SplitOuter(data)
	if err != nil {
		return nil, err
	}
	entries, err := archive.Entries(inner)
	if err != nil {
		return nil, err
	}
	text, ok := entries[manifest.DefaultFileName]
	if !ok {
		return nil, fmt.Errorf("%s not found in extension.zip", manifest.DefaultFileName)
	}
	return manifest.Parse(text)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	_ = httputil.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, status int, message string, violations interface{}) {
	body := map[string]interface{}{"code": status, "message": message}
	if violations != nil {
		body["constraintViolations"] = violations
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// Archive builds an outer archive whose manifest carries name and version.
// The signature entry is a placeholder; the fake does not verify it.
func Archive(t testing.TB, name, version string) []byte {
	t.Helper()
	dir := t.TempDir()
	text := fmt.Sprintf("name: %s\nversion: %s\n", name, version)
	if err := os.WriteFile(filepath.Join(dir, manifest.DefaultFileName), []byte(text), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	inner, err := archive.AssembleInner(dir)
	if err != nil {
		t.Fatalf("assemble inner: %v", err)
	}
	outer, err := archive.AssembleOuter(inner, []byte("signature"))
	if err != nil {
		t.Fatalf("assemble outer: %v", err)
	}
	return outer
}
