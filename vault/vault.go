// Package vault implements the folder-addressed JSON document store that
// backs the task lifecycle. Documents live as <id>.json files inside a
// fixed folder taxonomy under one root; a document's folder mirrors its
// lifecycle state. All writes go through a temp file and rename so no
// reader ever sees a partial document, and operations on the same id are
// serialised so a move is observed as a single step.
package vault

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// The fixed folder taxonomy. Operations reject anything else.
const (
	FolderPlans           = "Plans"
	FolderNeedsAction     = "Needs_Action"
	FolderDone            = "Done"
	FolderPendingApproval = "Pending_Approval"
	FolderApproved        = "Approved"
	FolderRejected        = "Rejected"
	FolderLogs            = "Logs"
)

// metadataKey prefixes every persisted document.
const metadataKey = "_vault_metadata"

// DocumentFolders lists the folders that hold task and approval documents,
// in taxonomy order. Logs is excluded: it holds JSONL day files, not
// documents.
func DocumentFolders() []string {
	return []string{
		FolderPlans,
		FolderNeedsAction,
		FolderDone,
		FolderPendingApproval,
		FolderApproved,
		FolderRejected,
	}
}

// Metadata is the bookkeeping prefix stamped into every document.
type Metadata struct {
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
	Folder     string    `json:"folder"`
}

// Document is a vault document with the metadata prefix stripped out into
// fields. Content never contains the metadata key.
type Document struct {
	ID         string
	Folder     string
	Content    map[string]any
	CreatedAt  time.Time
	ModifiedAt time.Time
}

const lockStripes = 32

// Vault is the store rooted at one directory. Safe for concurrent use;
// operations touching the same document id serialise on a stripe lock.
type Vault struct {
	root   string
	logger *slog.Logger
	locks  [lockStripes]sync.Mutex
}

// New creates the folder taxonomy under root and returns the store.
func New(root string, logger *slog.Logger) (*Vault, error) {
	if root == "" {
		return nil, fmt.Errorf("vault root must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	dirs := append(DocumentFolders(),
		FolderLogs,
		filepath.Join(FolderLogs, "agents"),
		filepath.Join(FolderLogs, "loop"),
		filepath.Join(FolderLogs, "system"),
	)
	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create vault folder %s: %w", dir, err)
		}
	}

	logger.Debug("vault initialized", "root", root)
	return &Vault{root: root, logger: logger}, nil
}

// Path returns the vault root directory.
func (v *Vault) Path() string {
	return v.root
}

// LogsPath returns the directory for JSONL activity logs.
func (v *Vault) LogsPath() string {
	return filepath.Join(v.root, FolderLogs)
}

// Create writes a new document. The caller's content map is not mutated;
// the stored copy gains the metadata prefix. Fails with ErrAlreadyExists
// when the id is already present in the folder.
func (v *Vault) Create(folder, id string, content map[string]any) (*Document, error) {
	dir, err := v.folderPath(folder)
	if err != nil {
		return nil, err
	}
	id = normalizeID(id)
	if id == "" {
		return nil, fmt.Errorf("document id must not be empty")
	}

	lock := v.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	target := filepath.Join(dir, id+".json")
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("create %s/%s: %w", folder, id, ErrAlreadyExists)
	}

	now := time.Now()
	doc := make(map[string]any, len(content)+1)
	for k, val := range content {
		doc[k] = val
	}
	doc[metadataKey] = Metadata{CreatedAt: now, ModifiedAt: now, Folder: folder}

	if err := writeAtomic(dir, id, doc); err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", folder, id, err)
	}
	v.logger.Debug("document created", "folder", folder, "id", id)
	return &Document{
		ID:         id,
		Folder:     folder,
		Content:    content,
		CreatedAt:  now,
		ModifiedAt: now,
	}, nil
}

// Read returns the document at (folder, id) with metadata split out.
func (v *Vault) Read(folder, id string) (*Document, error) {
	dir, err := v.folderPath(folder)
	if err != nil {
		return nil, err
	}
	id = normalizeID(id)

	lock := v.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return v.readLocked(dir, folder, id)
}

func (v *Vault) readLocked(dir, folder, id string) (*Document, error) {
	raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s/%s: %w", folder, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", folder, id, err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", folder, id, err)
	}

	meta := extractMetadata(content)
	return &Document{
		ID:         id,
		Folder:     folder,
		Content:    content,
		CreatedAt:  meta.CreatedAt,
		ModifiedAt: meta.ModifiedAt,
	}, nil
}

// Move relocates a document between folders, merging patch into its
// content and restamping the metadata. After a successful return exactly
// one copy exists, at the destination. A concurrent move of the same id
// leaves one winner; the loser reports ErrNotFound.
func (v *Vault) Move(id, from, to string, patch map[string]any) (*Document, error) {
	fromDir, err := v.folderPath(from)
	if err != nil {
		return nil, err
	}
	toDir, err := v.folderPath(to)
	if err != nil {
		return nil, err
	}
	id = normalizeID(id)

	lock := v.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	srcPath := filepath.Join(fromDir, id+".json")
	raw, err := os.ReadFile(srcPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("move %s/%s: %w", from, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("move %s/%s: decode: %w", from, id, err)
	}
	for k, val := range patch {
		content[k] = val
	}

	now := time.Now()
	meta := extractMetadata(content)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.ModifiedAt = now
	meta.Folder = to
	doc := make(map[string]any, len(content)+1)
	for k, val := range content {
		doc[k] = val
	}
	doc[metadataKey] = meta

	// Destination first, then unlink: a failure in between leaves both
	// copies rather than none.
	if err := writeAtomic(toDir, id, doc); err != nil {
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}
	if err := os.Remove(srcPath); err != nil {
		return nil, fmt.Errorf("move %s/%s: remove source: %w", from, id, err)
	}

	v.logger.Debug("document moved", "id", id, "from", from, "to", to)
	return &Document{
		ID:         id,
		Folder:     to,
		Content:    content,
		CreatedAt:  meta.CreatedAt,
		ModifiedAt: meta.ModifiedAt,
	}, nil
}

// Patch merges patch into a document in place and restamps modified_at.
// The folder does not change. ErrNotFound when the document is missing.
func (v *Vault) Patch(folder, id string, patch map[string]any) (*Document, error) {
	dir, err := v.folderPath(folder)
	if err != nil {
		return nil, err
	}
	id = normalizeID(id)

	lock := v.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	raw, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("patch %s/%s: %w", folder, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("patch %s/%s: %w", folder, id, err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("patch %s/%s: decode: %w", folder, id, err)
	}
	for k, val := range patch {
		content[k] = val
	}

	now := time.Now()
	meta := extractMetadata(content)
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.ModifiedAt = now
	meta.Folder = folder
	doc := make(map[string]any, len(content)+1)
	for k, val := range content {
		doc[k] = val
	}
	doc[metadataKey] = meta

	if err := writeAtomic(dir, id, doc); err != nil {
		return nil, fmt.Errorf("patch %s/%s: %w", folder, id, err)
	}

	v.logger.Debug("document patched", "folder", folder, "id", id)
	return &Document{
		ID:         id,
		Folder:     folder,
		Content:    content,
		CreatedAt:  meta.CreatedAt,
		ModifiedAt: meta.ModifiedAt,
	}, nil
}

// List returns the lexically sorted document ids in a folder.
func (v *Vault) List(folder string) ([]string, error) {
	dir, err := v.folderPath(folder)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a document. ErrNotFound when it does not exist.
func (v *Vault) Delete(folder, id string) error {
	dir, err := v.folderPath(folder)
	if err != nil {
		return err
	}
	id = normalizeID(id)

	lock := v.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	err = os.Remove(filepath.Join(dir, id+".json"))
	if os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", folder, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", folder, id, err)
	}
	v.logger.Debug("document deleted", "folder", folder, "id", id)
	return nil
}

func (v *Vault) folderPath(folder string) (string, error) {
	switch folder {
	case FolderPlans, FolderNeedsAction, FolderDone,
		FolderPendingApproval, FolderApproved, FolderRejected:
		return filepath.Join(v.root, folder), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFolder, folder)
}

func (v *Vault) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &v.locks[h.Sum32()%lockStripes]
}

func normalizeID(id string) string {
	return strings.TrimSuffix(id, ".json")
}

// extractMetadata removes the metadata prefix from content and decodes it.
// Malformed or missing metadata yields zero values; readers must tolerate
// documents written by other tools.
func extractMetadata(content map[string]any) Metadata {
	raw, ok := content[metadataKey]
	if !ok {
		return Metadata{}
	}
	delete(content, metadataKey)

	encoded, err := json.Marshal(raw)
	if err != nil {
		return Metadata{}
	}
	var meta Metadata
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return Metadata{}
	}
	return meta
}

// writeAtomic writes doc as pretty JSON to <dir>/<id>.json via a sibling
// temp file and rename. The temp suffix is never .json, so folder listings
// cannot enumerate half-written documents.
func writeAtomic(dir, id string, doc map[string]any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	tmp, err := os.CreateTemp(dir, id+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, id+".json")); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
