// Package testutil provides shared test helpers: encrypt-side counterparts of
// the decryption engine and an in-memory CouchDB stand-in.
package testutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/pbkdf2"
)

// saltOfPassphrase mirrors the sync client's key-widening suffix for path and
// eden encryption.
const saltOfPassphrase = "rHGMPtr6oWw7VSa3W3wpa8fT8U"

const (
	kdfIterations = 100000
	keyLen        = 32
)

func deriveKey(passphrase string, salt []byte) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return pbkdf2.Key(sum[:], salt, kdfIterations, keyLen, sha256.New)
}

func seal(t *testing.T, plaintext, passphrase string, ivLen, saltLen int) (iv, salt, ct []byte) {
	t.Helper()
	iv = make([]byte, ivLen)
	salt = make([]byte, saltLen)
	if _, err := rand.Read(iv); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		t.Fatal(err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		t.Fatal(err)
	}
	return iv, salt, gcm.Seal(nil, iv, []byte(plaintext), nil)
}

// EncryptV2 produces the "|%|" block format: base64(iv32 || salt32 || ct).
func EncryptV2(t *testing.T, plaintext, passphrase string) string {
	t.Helper()
	iv, salt, ct := seal(t, plaintext, passphrase, 32, 32)
	buf := make([]byte, 0, len(iv)+len(salt)+len(ct))
	buf = append(buf, iv...)
	buf = append(buf, salt...)
	buf = append(buf, ct...)
	return "|%|" + base64.StdEncoding.EncodeToString(buf)
}

// EncryptPercentHex produces the "%" format: hex iv (32 chars), hex salt
// (32 chars), base64 ciphertext.
func EncryptPercentHex(t *testing.T, plaintext, passphrase string) string {
	t.Helper()
	iv, salt, ct := seal(t, plaintext, passphrase, 16, 16)
	return "%" + hex.EncodeToString(iv) + hex.EncodeToString(salt) +
		base64.StdEncoding.EncodeToString(ct)
}

// EncryptV1 produces the oldest format: a JSON array
// [ciphertext_b64, iv_b64, salt_b64].
func EncryptV1(t *testing.T, plaintext, passphrase string) string {
	t.Helper()
	iv, salt, ct := seal(t, plaintext, passphrase, 16, 16)
	out, err := json.Marshal([]string{
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(salt),
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

// EncryptPath obfuscates a vault path the way the sync client does: the
// passphrase is widened with the fixed suffix before key derivation.
func EncryptPath(t *testing.T, path, passphrase string) string {
	t.Helper()
	return EncryptPercentHex(t, path, passphrase+saltOfPassphrase)
}

// EncryptEden wraps a JSON payload in the eden envelope format.
func EncryptEden(t *testing.T, payload map[string]any, passphrase string) map[string]json.RawMessage {
	t.Helper()
	inner, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	envelope, err := json.Marshal(map[string]string{
		"data": EncryptPercentHex(t, string(inner), passphrase+saltOfPassphrase),
	})
	if err != nil {
		t.Fatal(err)
	}
	return map[string]json.RawMessage{"h:++encrypted": envelope}
}

// NoteDoc builds a single-document note.
func NoteDoc(id, path, data string, mtime int64) map[string]any {
	return map[string]any{
		"_id":   id,
		"_rev":  "1-abc",
		"type":  "notes",
		"path":  path,
		"data":  data,
		"ctime": mtime,
		"mtime": mtime,
		"size":  len(data),
	}
}

// ChunkedDoc builds a chunked note pointing at leaf documents.
func ChunkedDoc(id, path string, children []string, mtime int64) map[string]any {
	return map[string]any{
		"_id":      id,
		"_rev":     "1-abc",
		"type":     "newnote",
		"path":     path,
		"children": children,
		"ctime":    mtime,
		"mtime":    mtime,
		"size":     0,
	}
}

// LeafDoc builds a chunk document.
func LeafDoc(id, data string) map[string]any {
	return map[string]any{
		"_id":  id,
		"_rev": "1-abc",
		"type": "leaf",
		"data": data,
	}
}

// FakeCouch is an httptest-backed CouchDB double. It answers the subset of
// the API the store client uses: database ping, document Get, _find with a
// small Mango evaluator, and paginated _all_docs.
type FakeCouch struct {
	Server *httptest.Server

	mu       sync.Mutex
	database string
	docs     map[string]map[string]any
	order    []string
	failFind bool
	findHits int
}

// NewFakeCouch starts a fake server for one database. The server is torn
// down with the test.
func NewFakeCouch(t *testing.T, database string) *FakeCouch {
	t.Helper()
	f := &FakeCouch{
		database: database,
		docs:     make(map[string]map[string]any),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the fake server's base URL.
func (f *FakeCouch) URL() string {
	return f.Server.URL
}

// Put stores a document; it must carry an "_id" field.
func (f *FakeCouch) Put(t *testing.T, doc map[string]any) {
	t.Helper()
	id, _ := doc["_id"].(string)
	if id == "" {
		t.Fatal("document missing _id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.docs[id]; !exists {
		f.order = append(f.order, id)
	}
	f.docs[id] = doc
}

// FailFind makes every _find request answer 500, forcing clients onto their
// fallback paths.
func (f *FakeCouch) FailFind(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFind = fail
}

// FindHits reports how many _find requests were served.
func (f *FakeCouch) FindHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findHits
}

func (f *FakeCouch) handle(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + f.database
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	switch {
	case rest == "" || rest == "/":
		writeJSON(w, http.StatusOK, map[string]any{"db_name": f.database})
	case rest == "/_find" && r.Method == http.MethodPost:
		f.handleFind(w, r)
	case rest == "/_all_docs":
		f.handleAllDocs(w, r)
	case r.Method == http.MethodGet:
		f.handleGet(w, rest)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeCouch) handleGet(w http.ResponseWriter, rest string) {
	// r.URL.Path arrives percent-decoded already.
	id := strings.TrimPrefix(rest, "/")
	f.mu.Lock()
	doc, ok := f.docs[id]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (f *FakeCouch) handleFind(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.findHits++
	fail := f.failFind
	f.mu.Unlock()
	if fail {
		http.Error(w, "no index", http.StatusInternalServerError)
		return
	}

	var q struct {
		Selector map[string]any      `json:"selector"`
		Limit    int                 `json:"limit"`
		Skip     int                 `json:"skip"`
		Sort     []map[string]string `json:"sort"`
	}
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "bad query", http.StatusBadRequest)
		return
	}

	var matched []map[string]any
	f.mu.Lock()
	for _, id := range f.order {
		if matchSelector(f.docs[id], q.Selector) {
			matched = append(matched, f.docs[id])
		}
	}
	f.mu.Unlock()

	for _, s := range q.Sort {
		for field, dir := range s {
			sortByField(matched, field, dir)
		}
	}
	if q.Skip > 0 {
		if q.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Skip:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"docs": matched})
}

func (f *FakeCouch) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))

	f.mu.Lock()
	ids := make([]string, len(f.order))
	copy(ids, f.order)
	f.mu.Unlock()
	sort.Strings(ids)

	if skip > len(ids) {
		skip = len(ids)
	}
	ids = ids[skip:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	rows := make([]map[string]any, 0, len(ids))
	f.mu.Lock()
	for _, id := range ids {
		rows = append(rows, map[string]any{"id": id, "doc": f.docs[id]})
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

// matchSelector evaluates the Mango subset the store client emits: $in, $ne,
// $exists, $regex, $or, and direct equality.
func matchSelector(doc, selector map[string]any) bool {
	for field, cond := range selector {
		if field == "$or" {
			alts, ok := cond.([]any)
			if !ok {
				return false
			}
			hit := false
			for _, alt := range alts {
				if sub, ok := alt.(map[string]any); ok && matchSelector(doc, sub) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
			continue
		}
		val, present := doc[field]
		ops, isOps := cond.(map[string]any)
		if !isOps {
			if !present || fmt.Sprint(val) != fmt.Sprint(cond) {
				return false
			}
			continue
		}
		for op, arg := range ops {
			switch op {
			case "$in":
				list, _ := arg.([]any)
				found := false
				for _, item := range list {
					if present && fmt.Sprint(val) == fmt.Sprint(item) {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			case "$ne":
				if present && fmt.Sprint(val) == fmt.Sprint(arg) {
					return false
				}
			case "$exists":
				want, _ := arg.(bool)
				if present != want {
					return false
				}
			case "$regex":
				pat, _ := arg.(string)
				re, err := regexp.Compile(pat)
				if err != nil || !present || !re.MatchString(fmt.Sprint(val)) {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sortByField(docs []map[string]any, field, dir string) {
	less := func(a, b map[string]any) bool {
		av, aok := numeric(a[field])
		bv, bok := numeric(b[field])
		if !aok || !bok || av == bv {
			return fmt.Sprint(a[field]) < fmt.Sprint(b[field])
		}
		return av < bv
	}
	sort.SliceStable(docs, func(i, j int) bool {
		if dir == "desc" {
			return less(docs[j], docs[i])
		}
		return less(docs[i], docs[j])
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
