package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/koanrun/koan/pkg/models"
)

func TestFileStoreSessionLifecycle(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session := &models.Session{AgentID: "agent", Channel: models.ChannelType("api"), ChannelID: "user", Key: "agent:api:user"}

	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if session.ID == "" {
		t.Fatalf("expected session id to be assigned")
	}

	loaded, err := store.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if loaded.Key != session.Key {
		t.Fatalf("expected key %q, got %q", session.Key, loaded.Key)
	}

	loaded.Title = "updated"
	if err := store.Update(context.Background(), loaded); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	updated, err := store.Get(context.Background(), loaded.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if updated.Title != "updated" {
		t.Fatalf("expected title to update")
	}

	if err := store.Delete(context.Background(), updated.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), updated.ID); err == nil {
		t.Fatalf("expected error after delete")
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	session, err := store.GetOrCreate(context.Background(), "agent:api:user", "agent", models.ChannelType("api"), "user")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	msg := &models.Message{SessionID: session.ID, Role: models.RoleUser, Content: "hello"}
	if err := store.AppendMessage(context.Background(), session.ID, msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	byKey, err := reopened.GetByKey(context.Background(), "agent:api:user")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if byKey.ID != session.ID {
		t.Fatalf("expected id %q, got %q", session.ID, byKey.ID)
	}

	history, err := reopened.GetHistory(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello" {
		t.Fatalf("expected persisted message, got %+v", history)
	}
}

func TestFileStoreGetOrCreateReturnsExisting(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	first, err := store.GetOrCreate(context.Background(), "k", "agent", models.ChannelType("api"), "user")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := store.GetOrCreate(context.Background(), "k", "agent", models.ChannelType("api"), "user")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session id, got %q and %q", first.ID, second.ID)
	}
}

func TestFileStorePrunesOldMessages(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	session, err := store.GetOrCreate(context.Background(), "k", "agent", models.ChannelType("api"), "user")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	for i := 0; i < MaxFileSessionMessages+10; i++ {
		msg := &models.Message{SessionID: session.ID, Role: models.RoleUser, Content: "msg"}
		if err := store.AppendMessage(context.Background(), session.ID, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	history, err := store.GetHistory(context.Background(), session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != MaxFileSessionMessages {
		t.Fatalf("expected %d messages after pruning, got %d", MaxFileSessionMessages, len(history))
	}
}

func TestFileStoreList(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := store.GetOrCreate(context.Background(), "a:api:1", "a", models.ChannelType("api"), "1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := store.GetOrCreate(context.Background(), "b:api:1", "b", models.ChannelType("api"), "1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	list, err := store.List(context.Background(), "a", ListOptions{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].AgentID != "a" {
		t.Fatalf("expected 1 session for agent a, got %+v", list)
	}
}

func TestSafeSessionFilename(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"agent:api:user", "agent_api_user"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"", "session"},
	}
	for _, tt := range tests {
		if got := safeSessionFilename(tt.key); got != tt.want {
			t.Errorf("safeSessionFilename(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestFileStoreRejectsEmptyKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := store.Create(context.Background(), &models.Session{}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestFileStoreFileLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if _, err := store.GetOrCreate(context.Background(), "agent:api:user", "agent", models.ChannelType("api"), "user"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	path := filepath.Join(dir, "agent_api_user.jsonl")
	if _, err := store.getOrLoad("agent:api:user"); err != nil {
		t.Fatalf("getOrLoad() error = %v", err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("expected session file at %s: %v", path, statErr)
	}
}
