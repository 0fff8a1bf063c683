package sessions

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koanrun/koan/pkg/models"
)

// MaxCachedFileSessions bounds how many sessions FileStore keeps warm in
// memory; the rest live on disk until touched again.
const MaxCachedFileSessions = 64

// MaxFileSessionMessages bounds how many messages a single session file
// carries. Older messages are pruned on write, same as the in-memory store.
const MaxFileSessionMessages = 200

// fileSessionMetaType marks the first line of a session file as metadata
// rather than a message, so a reader can distinguish the two without
// depending on line position alone.
const fileSessionMetaType = "metadata"

// fileSessionRecord is a session plus its message history, the unit a
// FileStore reads and writes as one JSONL file.
type fileSessionRecord struct {
	Session  *models.Session
	Messages []*models.Message
}

// FileStore is a JSONL file-backed Store implementation: one file per
// session key under dir, metadata on the first line and one message per
// line after it. A small in-process LRU keeps recently touched sessions
// out of the filesystem on the hot path.
type FileStore struct {
	dir string

	mu      sync.Mutex // guards cache, lru, idToKey
	cache   map[string]*list.Element
	lru     *list.List
	idToKey map[string]string
	scanned bool

	fileMu sync.Map // key (string) -> *sync.Mutex, one per session file
}

type fileStoreLRUEntry struct {
	key    string
	record *fileSessionRecord
}

// NewFileStore creates a JSONL-backed session store rooted at dir, creating
// the directory if it doesn't already exist.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{
		dir:     dir,
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		idToKey: make(map[string]string),
	}, nil
}

func (f *FileStore) lockFor(key string) *sync.Mutex {
	lock, _ := f.fileMu.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// safeSessionFilename turns a session key into a filesystem-safe basename:
// colons (the usual agentID:channel:channelID separator) become underscores,
// and anything else that isn't alphanumeric, dash, or underscore is dropped.
func safeSessionFilename(key string) string {
	replaced := strings.ReplaceAll(key, ":", "_")
	var b strings.Builder
	b.Grow(len(replaced))
	for _, r := range replaced {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := b.String()
	if name == "" {
		name = "session"
	}
	return name
}

func (f *FileStore) pathForKey(key string) string {
	return filepath.Join(f.dir, safeSessionFilename(key)+".jsonl")
}

// cacheGet returns the cached record for key, moving it to the front of the
// LRU list, or (nil, false) on a cache miss.
func (f *FileStore) cacheGet(key string) (*fileSessionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	elem, ok := f.cache[key]
	if !ok {
		return nil, false
	}
	f.lru.MoveToFront(elem)
	entry := elem.Value.(*fileStoreLRUEntry)
	return entry.record, true
}

// cachePut inserts or updates key's cached record, evicting the
// least-recently-used entry once MaxCachedFileSessions is exceeded.
func (f *FileStore) cachePut(key string, rec *fileSessionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if elem, ok := f.cache[key]; ok {
		elem.Value.(*fileStoreLRUEntry).record = rec
		f.lru.MoveToFront(elem)
		return
	}
	elem := f.lru.PushFront(&fileStoreLRUEntry{key: key, record: rec})
	f.cache[key] = elem
	if rec.Session != nil && rec.Session.ID != "" {
		f.idToKey[rec.Session.ID] = key
	}
	for f.lru.Len() > MaxCachedFileSessions {
		oldest := f.lru.Back()
		if oldest == nil {
			break
		}
		f.lru.Remove(oldest)
		delete(f.cache, oldest.Value.(*fileStoreLRUEntry).key)
	}
}

func (f *FileStore) cacheDelete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if elem, ok := f.cache[key]; ok {
		f.lru.Remove(elem)
		delete(f.cache, key)
	}
}

func (f *FileStore) rememberID(id, key string) {
	if id == "" {
		return
	}
	f.mu.Lock()
	f.idToKey[id] = key
	f.mu.Unlock()
}

func (f *FileStore) keyForID(id string) (string, bool) {
	f.mu.Lock()
	key, ok := f.idToKey[id]
	f.mu.Unlock()
	if ok {
		return key, true
	}
	f.scanIDsOnce()
	f.mu.Lock()
	key, ok = f.idToKey[id]
	f.mu.Unlock()
	return key, ok
}

// scanIDsOnce walks the session directory and records every file's ID->key
// mapping, so a cold Get(id) after a restart can still find its file.
func (f *FileStore) scanIDsOnce() {
	f.mu.Lock()
	if f.scanned {
		f.mu.Unlock()
		return
	}
	f.scanned = true
	f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		meta, ok := f.readMetaLine(filepath.Join(f.dir, entry.Name()))
		if !ok {
			continue
		}
		if meta.ID != "" && meta.Key != "" {
			f.rememberID(meta.ID, meta.Key)
		}
	}
}

// fileSessionMeta is the shape of a session file's first line.
type fileSessionMeta struct {
	Type      string         `json:"_type"`
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Channel   string         `json:"channel"`
	ChannelID string         `json:"channel_id"`
	Key       string         `json:"key"`
	Title     string         `json:"title,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (f *FileStore) readMetaLine(path string) (fileSessionMeta, bool) {
	file, err := os.Open(path)
	if err != nil {
		return fileSessionMeta{}, false
	}
	defer file.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := file.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
				buf = buf[:idx]
				break
			}
		}
		if err != nil {
			break
		}
	}
	var meta fileSessionMeta
	if err := json.Unmarshal(buf, &meta); err != nil || meta.Type != fileSessionMetaType {
		return fileSessionMeta{}, false
	}
	return meta, true
}

// loadFromDisk reads a session file by key, returning nil if it doesn't
// exist. Older messages beyond MaxFileSessionMessages are dropped on load,
// matching the pruning done on append.
func (f *FileStore) loadFromDisk(key string) (*fileSessionRecord, error) {
	path := f.pathForKey(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	rec := &fileSessionRecord{Session: &models.Session{Key: key}}
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		if probe.Type == fileSessionMetaType {
			var meta fileSessionMeta
			if err := json.Unmarshal([]byte(line), &meta); err != nil {
				continue
			}
			rec.Session = &models.Session{
				ID:        meta.ID,
				AgentID:   meta.AgentID,
				Channel:   models.ChannelType(meta.Channel),
				ChannelID: meta.ChannelID,
				Key:       meta.Key,
				Title:     meta.Title,
				Metadata:  meta.Metadata,
				CreatedAt: meta.CreatedAt,
				UpdatedAt: meta.UpdatedAt,
			}
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		rec.Messages = append(rec.Messages, &msg)
	}

	if len(rec.Messages) > MaxFileSessionMessages {
		rec.Messages = rec.Messages[len(rec.Messages)-MaxFileSessionMessages:]
	}
	return rec, nil
}

// writeToDisk overwrites key's session file with rec's current contents.
func (f *FileStore) writeToDisk(key string, rec *fileSessionRecord) error {
	if err := os.MkdirAll(f.dir, 0700); err != nil {
		return fmt.Errorf("ensure session directory: %w", err)
	}

	var b strings.Builder
	meta := fileSessionMeta{
		Type:      fileSessionMetaType,
		ID:        rec.Session.ID,
		AgentID:   rec.Session.AgentID,
		Channel:   string(rec.Session.Channel),
		ChannelID: rec.Session.ChannelID,
		Key:       rec.Session.Key,
		Title:     rec.Session.Title,
		Metadata:  rec.Session.Metadata,
		CreatedAt: rec.Session.CreatedAt,
		UpdatedAt: rec.Session.UpdatedAt,
	}
	metaLine, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	b.Write(metaLine)
	b.WriteByte('\n')

	for _, msg := range rec.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal session message: %w", err)
		}
		b.Write(line)
		b.WriteByte('\n')
	}

	path := f.pathForKey(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session file: %w", err)
	}
	return nil
}

// getOrLoad returns the cached record for key, loading it from disk (and
// caching the result) on a cache miss. Acquires key's file lock itself —
// callers that already hold it (inside Update/AppendMessage/GetOrCreate)
// must use getOrLoadLocked instead to avoid relocking a non-reentrant mutex.
func (f *FileStore) getOrLoad(key string) (*fileSessionRecord, error) {
	if rec, ok := f.cacheGet(key); ok {
		return rec, nil
	}

	lock := f.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	return f.getOrLoadLocked(key)
}

// getOrLoadLocked is getOrLoad's body, for callers that already hold key's
// file lock.
func (f *FileStore) getOrLoadLocked(key string) (*fileSessionRecord, error) {
	// Double-check: another goroutine may have loaded it while we waited.
	if rec, ok := f.cacheGet(key); ok {
		return rec, nil
	}

	rec, err := f.loadFromDisk(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	f.cachePut(key, rec)
	return rec, nil
}

func (f *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.Key == "" {
		return errors.New("session key is required")
	}

	lock := f.lockFor(session.Key)
	lock.Lock()
	defer lock.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt

	rec := &fileSessionRecord{Session: clone}
	if err := f.writeToDisk(session.Key, rec); err != nil {
		return err
	}
	f.cachePut(session.Key, rec)

	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	key, ok := f.keyForID(id)
	if !ok {
		return nil, errors.New("session not found")
	}
	rec, err := f.getOrLoad(key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Session == nil {
		return nil, errors.New("session not found")
	}
	return cloneSession(rec.Session), nil
}

func (f *FileStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.Key == "" {
		return errors.New("session key is required")
	}

	lock := f.lockFor(session.Key)
	lock.Lock()
	defer lock.Unlock()

	existing, err := f.getOrLoadLocked(session.Key)
	if err != nil {
		return err
	}
	if existing == nil || existing.Session == nil {
		return errors.New("session not found")
	}

	clone := cloneSession(session)
	clone.CreatedAt = existing.Session.CreatedAt
	clone.UpdatedAt = time.Now()

	rec := &fileSessionRecord{Session: clone, Messages: existing.Messages}
	if err := f.writeToDisk(session.Key, rec); err != nil {
		return err
	}
	f.cachePut(session.Key, rec)
	return nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	key, ok := f.keyForID(id)
	if !ok {
		return errors.New("session not found")
	}

	lock := f.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	f.cacheDelete(key)
	f.mu.Lock()
	delete(f.idToKey, id)
	f.mu.Unlock()

	if err := os.Remove(f.pathForKey(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func (f *FileStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	rec, err := f.getOrLoad(key)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Session == nil {
		return nil, errors.New("session not found")
	}
	return cloneSession(rec.Session), nil
}

func (f *FileStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if rec, err := f.getOrLoad(key); err == nil && rec != nil && rec.Session != nil {
		return cloneSession(rec.Session), nil
	}

	lock := f.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if rec, err := f.getOrLoadLocked(key); err == nil && rec != nil && rec.Session != nil {
		return cloneSession(rec.Session), nil
	}

	now := time.Now()
	session := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rec := &fileSessionRecord{Session: session}
	if err := f.writeToDisk(key, rec); err != nil {
		return nil, err
	}
	f.cachePut(key, rec)
	return cloneSession(session), nil
}

func (f *FileStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Session{}, nil
		}
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var out []*models.Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		meta, ok := f.readMetaLine(filepath.Join(f.dir, entry.Name()))
		if !ok {
			continue
		}
		if agentID != "" && meta.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && models.ChannelType(meta.Channel) != opts.Channel {
			continue
		}
		out = append(out, &models.Session{
			ID:        meta.ID,
			AgentID:   meta.AgentID,
			Channel:   models.ChannelType(meta.Channel),
			ChannelID: meta.ChannelID,
			Key:       meta.Key,
			Title:     meta.Title,
			Metadata:  meta.Metadata,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return out[start:end], nil
}

func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	key, ok := f.keyForID(sessionID)
	if !ok {
		return errors.New("session not found")
	}

	lock := f.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	rec, err := f.getOrLoadLocked(key)
	if err != nil {
		return err
	}
	if rec == nil || rec.Session == nil {
		return errors.New("session not found")
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	rec.Messages = append(rec.Messages, clone)
	if len(rec.Messages) > MaxFileSessionMessages {
		rec.Messages = rec.Messages[len(rec.Messages)-MaxFileSessionMessages:]
	}
	rec.Session.UpdatedAt = time.Now()

	if err := f.writeToDisk(key, rec); err != nil {
		return err
	}
	f.cachePut(key, rec)
	return nil
}

func (f *FileStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	key, ok := f.keyForID(sessionID)
	if !ok {
		return nil, errors.New("session not found")
	}
	rec, err := f.getOrLoad(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return []*models.Message{}, nil
	}

	messages := rec.Messages
	start := 0
	if limit > 0 && len(messages) > limit {
		start = len(messages) - limit
	}
	out := make([]*models.Message, 0, len(messages)-start)
	for _, msg := range messages[start:] {
		out = append(out, cloneMessage(msg))
	}
	return out, nil
}

var _ Store = (*FileStore)(nil)
