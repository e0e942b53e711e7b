package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/labpresence/internal/ledger"
)

const validPayload = `{
  "cookies": [
    {"name": "laravel_session", "value": "abc", "domain": "deilabs.dei.unipd.it", "path": "/", "expires": -1, "httpOnly": true, "secure": true, "sameSite": "Lax"},
    {"name": "_shibsession", "value": "xyz", "domain": ".unipd.it", "path": "/", "expires": 1893456000.5}
  ],
  "origins": []
}`

type recordingRecorder struct {
	uploads []ledger.SessionUpload
	err     error
}

func (r *recordingRecorder) RecordSessionUpload(_ context.Context, upload ledger.SessionUpload) (int64, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.uploads = append(r.uploads, upload)
	return int64(len(r.uploads)), nil
}

func newTestStore(t *testing.T, recorder UploadRecorder) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Directory: filepath.Join(t.TempDir(), "sessions"),
		Domain:    "dei.unipd.it",
		Recorder:  recorder,
		Clock:     func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestParseValidatesPayload(t *testing.T) {
	state, err := Parse([]byte(validPayload), "dei.unipd.it")
	if err != nil {
		t.Fatalf("expected valid payload, got %v", err)
	}
	if len(state.Cookies) != 2 {
		t.Fatalf("expected two cookies, got %d", len(state.Cookies))
	}

	invalid := map[string]string{
		"not json":      `cookies`,
		"array":         `[{"name":"a"}]`,
		"no cookies":    `{"cookies": []}`,
		"wrong domain":  `{"cookies": [{"name": "a", "value": "b", "domain": "example.org"}]}`,
		"nameless":      `{"cookies": [{"name": "", "value": "b", "domain": "dei.unipd.it"}]}`,
		"wrong shape":   `{"cookies": "nope"}`,
		"missing array": `{"origins": []}`,
	}
	for name, payload := range invalid {
		if _, err := Parse([]byte(payload), "dei.unipd.it"); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("%s: expected invalid session, got %v", name, err)
		}
	}
}

func TestCookieHelpers(t *testing.T) {
	session := Cookie{Name: "a", Domain: "deilabs.dei.unipd.it", Expires: -1}
	if _, ok := session.ExpiresAt(); ok {
		t.Fatalf("session cookie must not report expiry")
	}
	if !session.HostOnly() || !session.Matches("dei.unipd.it") || session.Matches("unipd.it.evil") {
		t.Fatalf("unexpected domain matching for %+v", session)
	}
	persistent := Cookie{Name: "b", Domain: ".unipd.it", Expires: 1893456000}
	expiry, ok := persistent.ExpiresAt()
	if !ok || expiry.Unix() != 1893456000 {
		t.Fatalf("unexpected expiry %v ok=%v", expiry, ok)
	}
	if persistent.HostOnly() {
		t.Fatalf("leading dot cookie must not be host only")
	}
}

func TestSaveWritesFileAndRecordsUpload(t *testing.T) {
	recorder := &recordingRecorder{}
	store := newTestStore(t, recorder)
	ctx := context.Background()

	if ok, err := store.HasSession(ctx, "42"); err != nil || ok {
		t.Fatalf("expected no session before upload, ok=%v err=%v", ok, err)
	}

	upload, err := store.Save(ctx, "42", "alice", []byte(validPayload))
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if upload.ID != 1 || upload.SizeBytes != int64(len(validPayload)) || len(upload.SHA256) != 64 {
		t.Fatalf("unexpected upload %+v", upload)
	}
	if len(recorder.uploads) != 1 || recorder.uploads[0].Username != "alice" {
		t.Fatalf("expected recorded upload, got %+v", recorder.uploads)
	}
	if filepath.Base(upload.StoredPath) != "auth_42.json" {
		t.Fatalf("unexpected stored path %s", upload.StoredPath)
	}
	info, err := os.Stat(upload.StoredPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	if ok, err := store.HasSession(ctx, "42"); err != nil || !ok {
		t.Fatalf("expected session after upload, ok=%v err=%v", ok, err)
	}
	entries, err := os.ReadDir(filepath.Dir(upload.StoredPath))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", entry.Name())
		}
	}
}

func TestSaveRejectsInvalidPayloadWithoutTouchingExistingFile(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := store.Save(ctx, "u1", "", []byte(validPayload)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := store.Save(ctx, "u1", "", []byte(`{"cookies": []}`)); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
	state, err := store.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("expected original session to survive, got %v", err)
	}
	if len(state.Cookies) != 2 {
		t.Fatalf("unexpected cookies %+v", state.Cookies)
	}
}

func TestPathKeepsFileSafeUserIDs(t *testing.T) {
	store := newTestStore(t, nil)

	path, err := store.Path(" 174325172 ")
	if err != nil {
		t.Fatalf("path failed: %v", err)
	}
	if filepath.Dir(path) != store.directory || filepath.Base(path) != "auth_174325172.json" {
		t.Fatalf("unexpected path %s", path)
	}
	if _, err := store.Path("   "); err == nil {
		t.Fatalf("expected error for blank user id")
	}
}

func TestPathEncodesUnsafeUserIDs(t *testing.T) {
	store := newTestStore(t, nil)

	path, err := store.Path("../evil user")
	if err != nil {
		t.Fatalf("path failed: %v", err)
	}
	if filepath.Dir(path) != store.directory {
		t.Fatalf("expected path inside the sessions directory, got %s", path)
	}
	if base := filepath.Base(path); !strings.HasPrefix(base, "auth-sha256_") || strings.ContainsAny(base, "/ ") {
		t.Fatalf("expected digest file name, got %s", base)
	}
}

func TestPathIsDistinctPerUser(t *testing.T) {
	store := newTestStore(t, nil)

	userIDs := []string{"team/42", "team_42", "team 42", "team-42", "auth-sha256_x", "TEAM_42"}
	seen := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		path, err := store.Path(userID)
		if err != nil {
			t.Fatalf("path for %q failed: %v", userID, err)
		}
		if other, ok := seen[path]; ok {
			t.Fatalf("users %q and %q share session file %s", other, userID, path)
		}
		seen[path] = userID
	}
}

func TestSessionsAreIsolatedBetweenSimilarUserIDs(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	path, err := store.Path("team_42")
	if err != nil {
		t.Fatalf("path failed: %v", err)
	}
	if err := os.WriteFile(path, []byte(validPayload), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	has, err := store.HasSession(ctx, "team_42")
	if err != nil || !has {
		t.Fatalf("expected team_42 to have a session, got %v %v", has, err)
	}
	has, err = store.HasSession(ctx, "team/42")
	if err != nil {
		t.Fatalf("has session failed: %v", err)
	}
	if has {
		t.Fatalf("expected team/42 to have no session of its own")
	}
}

func TestCorruptSessionCountsAsAbsent(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	path, err := store.Path("u1")
	if err != nil {
		t.Fatalf("path failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if ok, err := store.HasSession(ctx, "u1"); err != nil || ok {
		t.Fatalf("expected corrupt session to be absent, ok=%v err=%v", ok, err)
	}
	if _, err := store.Load(ctx, "u1"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session from load, got %v", err)
	}
}

func TestRecorderFailureSurfaces(t *testing.T) {
	store := newTestStore(t, &recordingRecorder{err: ledger.ErrStorageFault})
	if _, err := store.Save(context.Background(), "u1", "", []byte(validPayload)); !errors.Is(err, ledger.ErrStorageFault) {
		t.Fatalf("expected storage fault, got %v", err)
	}
}
