// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

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

	"go.uber.org/zap/zaptest"

	"github.com/nogproject/nog/internal/testcontext"
	"github.com/nogproject/nog/pkg/auth"
	"github.com/nogproject/nog/pkg/canonical"
)

// fakeServer implements the wire contract of the nog HTTP API for tests:
// refs with compare-and-swap, stat, bulk with copy markers, commits, entry
// gets, and multi-part blob uploads via fake presigned URLs.  Entry and
// blob content is stored globally; membership is tracked per repo.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	// partSize > 0 splits uploads into parts of that many bytes.
	partSize int64

	mu          sync.Mutex
	refs        map[string]string
	entries     map[string]map[string]interface{}
	blobs       map[string][]byte
	repoEntries map[string]map[string]bool
	repoBlobs   map[string]map[string]bool
	uploads     map[string]*fakeUpload
	errata      map[string][]interface{}

	statCalls int
	bulkRows  int
	blobPuts  int
	entryGets int
}

type fakeUpload struct {
	repo   string
	sha1   string
	bounds [][2]int64
	parts  [][]byte
}

func newFakeServer(t *testing.T) *fakeServer {
	srv := &fakeServer{
		t:           t,
		refs:        make(map[string]string),
		entries:     make(map[string]map[string]interface{}),
		blobs:       make(map[string][]byte),
		repoEntries: make(map[string]map[string]bool),
		repoBlobs:   make(map[string]map[string]bool),
		uploads:     make(map[string]*fakeUpload),
		errata:      make(map[string][]interface{}),
	}
	srv.srv = httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(srv.srv.Close)
	return srv
}

func (srv *fakeServer) apiURL() string { return srv.srv.URL + "/api" }

func (srv *fakeServer) newSession(t *testing.T, ctx *testcontext.Context, mod func(*Config)) *Session {
	cfg := Config{
		APIURL:      srv.apiURL(),
		Username:    "alice",
		Credentials: auth.Credentials{KeyID: "testkey", Secret: "testsecret"},
		CachePath:   ctx.Dir("nogcache"),
	}
	if mod != nil {
		mod(&cfg)
	}
	session, err := NewSession(zaptest.NewLogger(t), cfg)
	if err != nil {
		t.Fatal(err)
	}
	return session
}

// addRepo registers a repo with master at the all-zero SHA-1.
func (srv *fakeServer) addRepo(name string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.initRepoLocked(name)
}

func (srv *fakeServer) initRepoLocked(name string) {
	if _, ok := srv.repoEntries[name]; ok {
		return
	}
	srv.refs[name+"/branches/master"] = NullSHA1
	srv.repoEntries[name] = make(map[string]bool)
	srv.repoBlobs[name] = make(map[string]bool)
}

func (srv *fakeServer) counts() (stat, bulk, puts int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.statCalls, srv.bulkRows, srv.blobPuts
}

func (srv *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/s3/"):
		srv.handleS3Put(w, r)
	case strings.HasPrefix(p, "/uploads/"):
		srv.handleUploadAux(w, r)
	case p == "/api/v1/repos" && r.Method == "POST":
		body := srv.readBody(r)
		srv.mu.Lock()
		srv.initRepoLocked(body["repoFullName"].(string))
		srv.mu.Unlock()
		writeData(w, 201, map[string]interface{}{})
	case strings.HasPrefix(p, "/api/v1/repos/"):
		srv.handleRepo(w, r, strings.TrimPrefix(p, "/api/v1/repos/"))
	default:
		http.NotFound(w, r)
	}
}

func (srv *fakeServer) handleRepo(w http.ResponseWriter, r *http.Request, p string) {
	parts := strings.SplitN(p, "/", 3)
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	repo := parts[0] + "/" + parts[1]
	rest := parts[2]

	srv.mu.Lock()
	_, known := srv.repoEntries[repo]
	srv.mu.Unlock()
	if !known {
		http.NotFound(w, r)
		return
	}

	switch {
	case strings.HasPrefix(rest, "db/refs/"):
		srv.handleRef(w, r, repo, strings.TrimPrefix(rest, "db/refs/"))
	case rest == "db/stat":
		srv.handleStat(w, r, repo)
	case rest == "db/bulk":
		srv.handleBulk(w, r, repo)
	case rest == "db/commits" && r.Method == "POST":
		srv.handlePostCommit(w, r, repo)
	case strings.HasPrefix(rest, "db/commits/"):
		srv.handleGetEntry(w, r, strings.TrimPrefix(rest, "db/commits/"))
	case strings.HasPrefix(rest, "db/trees/"):
		srv.handleGetTree(w, r, strings.TrimPrefix(rest, "db/trees/"))
	case strings.HasPrefix(rest, "db/objects/"):
		srv.handleGetEntry(w, r, strings.TrimPrefix(rest, "db/objects/"))
	case strings.HasPrefix(rest, "db/blobs/"):
		srv.handleBlob(w, r, repo, strings.TrimPrefix(rest, "db/blobs/"))
	default:
		http.NotFound(w, r)
	}
}

func (srv *fakeServer) handleRef(w http.ResponseWriter, r *http.Request, repo, refName string) {
	key := repo + "/" + refName
	var body map[string]interface{}
	if r.Method == "PATCH" {
		body = srv.readBody(r)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	current, ok := srv.refs[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case "GET":
		writeData(w, 200, map[string]interface{}{
			"entry": map[string]interface{}{"type": "commit", "sha1": current},
		})
	case "PATCH":
		if current != body["old"].(string) {
			writeData(w, 409, map[string]interface{}{})
			return
		}
		srv.refs[key] = body["new"].(string)
		writeData(w, 200, map[string]interface{}{
			"entry": map[string]interface{}{"type": "commit", "sha1": srv.refs[key]},
		})
	default:
		http.NotFound(w, r)
	}
}

func (srv *fakeServer) handleStat(w http.ResponseWriter, r *http.Request, repo string) {
	body := srv.readBody(r)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.statCalls++
	var rows []interface{}
	for _, e := range body["entries"].([]interface{}) {
		ref := e.(map[string]interface{})
		ty := ref["type"].(string)
		sha1 := ref["sha1"].(string)
		status := "missing"
		if ty == "blob" {
			if srv.repoBlobs[repo][sha1] {
				status = "exists"
			}
		} else if srv.repoEntries[repo][sha1] {
			status = "exists"
		}
		rows = append(rows, map[string]interface{}{
			"type": ty, "sha1": sha1, "status": status,
		})
	}
	if rows == nil {
		rows = []interface{}{}
	}
	writeData(w, 200, map[string]interface{}{"entries": rows})
}

func (srv *fakeServer) handleBulk(w http.ResponseWriter, r *http.Request, repo string) {
	body := srv.readBody(r)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	var rows []interface{}
	for _, e := range body["entries"].([]interface{}) {
		entry := e.(map[string]interface{})
		srv.bulkRows++
		if c, ok := entry["copy"].(map[string]interface{}); ok {
			ty := c["type"].(string)
			sha1 := c["sha1"].(string)
			if ty == "blob" {
				if _, ok := srv.blobs[sha1]; !ok {
					srv.t.Errorf("bulk copy of unknown blob %s", sha1)
				}
				srv.repoBlobs[repo][sha1] = true
			} else {
				if _, ok := srv.entries[sha1]; !ok {
					srv.t.Errorf("bulk copy of unknown %s %s", ty, sha1)
				}
				srv.repoEntries[repo][sha1] = true
			}
			rows = append(rows, map[string]interface{}{"type": ty, "sha1": sha1})
			continue
		}

		ty := "object"
		idv := int64(1)
		if _, ok := entry["entries"]; ok {
			ty = "tree"
			idv = 0
		} else if v, ok := asInt(entry["_idversion"]); ok {
			idv = v
		}
		content := canonical.DeepCopyMap(entry)
		delete(content, "_idversion")
		sha1, err := canonical.ContentID(content)
		if err != nil {
			srv.t.Error(err)
			continue
		}
		content["_id"] = sha1
		content["_idversion"] = idv
		srv.entries[sha1] = content
		srv.repoEntries[repo][sha1] = true
		rows = append(rows, map[string]interface{}{"type": ty, "sha1": sha1})
	}
	if rows == nil {
		rows = []interface{}{}
	}
	writeData(w, 201, map[string]interface{}{"entries": rows})
}

func (srv *fakeServer) handlePostCommit(w http.ResponseWriter, r *http.Request, repo string) {
	body := srv.readBody(r)
	content := canonical.DeepCopyMap(body)
	content["authors"] = []interface{}{"A U Thor <author@example.com>"}
	content["committer"] = "A U Thor <author@example.com>"
	content["authorDate"] = "2019-03-01T12:00:00+00:00"
	content["commitDate"] = "2019-03-01T12:00:00+00:00"
	sha1, err := canonical.ContentID(content)
	if err != nil {
		srv.t.Error(err)
		http.Error(w, err.Error(), 500)
		return
	}
	content["_id"] = sha1
	content["_idversion"] = int64(1)
	srv.mu.Lock()
	srv.entries[sha1] = content
	srv.repoEntries[repo][sha1] = true
	srv.mu.Unlock()
	writeData(w, 201, map[string]interface{}{"_id": sha1})
}

func (srv *fakeServer) handleGetEntry(w http.ResponseWriter, r *http.Request, sha1 string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.entryGets++
	content, ok := srv.entries[sha1]
	if !ok {
		http.NotFound(w, r)
		return
	}
	content = canonical.DeepCopyMap(content)
	if errata, ok := srv.errata[sha1]; ok {
		content["errata"] = errata
	}
	writeData(w, 200, content)
}

func (srv *fakeServer) handleGetTree(w http.ResponseWriter, r *http.Request, sha1 string) {
	if r.URL.Query().Get("expand") == "" {
		srv.handleGetEntry(w, r, sha1)
		return
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	content, ok := srv.entries[sha1]
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeData(w, 200, srv.expandLocked(content))
}

func (srv *fakeServer) expandLocked(content map[string]interface{}) map[string]interface{} {
	content = canonical.DeepCopyMap(content)
	children, _ := content["entries"].([]interface{})
	for i, c := range children {
		ref, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		child, ok := srv.entries[ref["sha1"].(string)]
		if !ok {
			continue
		}
		if ref["type"] == "tree" {
			children[i] = srv.expandLocked(child)
		} else {
			children[i] = canonical.DeepCopyMap(child)
		}
	}
	return content
}

func (srv *fakeServer) handleBlob(w http.ResponseWriter, r *http.Request, repo, rest string) {
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	sha1 := parts[0]
	switch parts[1] {
	case "content":
		srv.mu.Lock()
		data, ok := srv.blobs[sha1]
		inRepo := srv.repoBlobs[repo][sha1]
		srv.mu.Unlock()
		if !ok || !inRepo {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	case "uploads":
		srv.handleStartUpload(w, r, repo, sha1)
	default:
		http.NotFound(w, r)
	}
}

func (srv *fakeServer) handleStartUpload(w http.ResponseWriter, r *http.Request, repo, sha1 string) {
	body := srv.readBody(r)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.repoBlobs[repo][sha1] {
		writeData(w, 409, map[string]interface{}{})
		return
	}
	size, ok := asInt(body["size"])
	if !ok {
		http.Error(w, "bad size", 422)
		return
	}
	partSize := srv.partSize
	if partSize <= 0 {
		partSize = size
	}
	up := &fakeUpload{repo: repo, sha1: sha1}
	for start := int64(0); start < size || start == 0; start += partSize {
		end := start + partSize
		if end > size {
			end = size
		}
		up.bounds = append(up.bounds, [2]int64{start, end})
		if size == 0 {
			break
		}
	}
	up.parts = make([][]byte, len(up.bounds))
	id := fmt.Sprintf("up%d", len(srv.uploads))
	srv.uploads[id] = up

	writeData(w, 201, map[string]interface{}{
		"upload": map[string]interface{}{
			"href": srv.srv.URL + "/uploads/" + id + "/complete",
		},
		"parts": srv.partsPageLocked(id, 0),
	})
}

func (srv *fakeServer) partsPageLocked(id string, idx int) map[string]interface{} {
	up := srv.uploads[id]
	bounds := up.bounds[idx]
	var next interface{}
	if idx+1 < len(up.bounds) {
		next = srv.srv.URL + "/uploads/" + id + "/parts?index=" + strconv.Itoa(idx+1)
	}
	return map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"partNumber": idx + 1,
				"start":      bounds[0],
				"end":        bounds[1],
				"href":       srv.srv.URL + "/s3/" + id + "/" + strconv.Itoa(idx+1),
			},
		},
		"next": next,
	}
}

func (srv *fakeServer) handleS3Put(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/s3/"), "/")
	if len(parts) != 2 || r.Method != "PUT" {
		http.NotFound(w, r)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	up, ok := srv.uploads[parts[0]]
	if !ok {
		http.NotFound(w, r)
		return
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 || n > len(up.parts) {
		http.NotFound(w, r)
		return
	}
	up.parts[n-1] = data
	srv.blobPuts++
	w.Header().Set("ETag", `"`+md5Hex(data)+`"`)
	w.WriteHeader(200)
}

func (srv *fakeServer) handleUploadAux(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/uploads/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch parts[1] {
	case "parts":
		idx, err := strconv.Atoi(r.URL.Query().Get("index"))
		srv.mu.Lock()
		defer srv.mu.Unlock()
		up, ok := srv.uploads[id]
		if err != nil || !ok || idx < 0 || idx >= len(up.bounds) {
			http.NotFound(w, r)
			return
		}
		writeData(w, 200, srv.partsPageLocked(id, idx))
	case "complete":
		body := srv.readBody(r)
		s3Parts, _ := body["s3Parts"].([]interface{})
		srv.mu.Lock()
		defer srv.mu.Unlock()
		up, ok := srv.uploads[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if len(s3Parts) != len(up.bounds) {
			http.Error(w, "part count mismatch", 422)
			return
		}
		var blob []byte
		for _, p := range up.parts {
			blob = append(blob, p...)
		}
		if sha1Hex(blob) != up.sha1 {
			http.Error(w, "sha1 mismatch", 422)
			return
		}
		srv.blobs[up.sha1] = blob
		srv.repoBlobs[up.repo][up.sha1] = true
		writeData(w, 201, map[string]interface{}{})
	default:
		http.NotFound(w, r)
	}
}

func (srv *fakeServer) readBody(r *http.Request) map[string]interface{} {
	body, err := canonical.DecodeMap(r.Body)
	if err != nil {
		srv.t.Errorf("invalid request body: %v", err)
		return map[string]interface{}{}
	}
	return body
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}
