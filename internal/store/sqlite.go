package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/reposync/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes webhook workers and HTTP requests through the pool.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// withTx runs fn in a transaction, committing only if it returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		err = s.withTx(ctx, func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx, string(data)); err != nil {
				return fmt.Errorf("apply migration %s: %w", name, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

type projectRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	OwnerID         string    `db:"owner_id"`
	AppUUID         string    `db:"app_uuid"`
	ShortName       string    `db:"short_name"`
	LongName        string    `db:"long_name"`
	CompanyName     string    `db:"company_name"`
	VersionLabel    string    `db:"version_label"`
	Watchface       bool      `db:"watchface"`
	ProjectType     string    `db:"project_type"`
	Capabilities    string    `db:"capabilities"`
	TargetPlatforms string    `db:"target_platforms"`
	MessageKeys     string    `db:"message_keys"`
	LayoutVersion   int       `db:"layout_version"`
	RepoRoot        string    `db:"repo_root"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const projectColumns = `id, name, owner_id, app_uuid, short_name, long_name, company_name, version_label,
	watchface, project_type, capabilities, target_platforms, message_keys, layout_version, repo_root,
	created_at, updated_at`

func newProjectRow(p *models.Project) (*projectRow, error) {
	row := &projectRow{
		ID:            p.ID,
		Name:          p.Name,
		OwnerID:       p.OwnerID,
		AppUUID:       p.AppUUID,
		ShortName:     p.ShortName,
		LongName:      p.LongName,
		CompanyName:   p.CompanyName,
		VersionLabel:  p.VersionLabel,
		Watchface:     p.Watchface,
		ProjectType:   p.ProjectType,
		LayoutVersion: int(p.LayoutVersion),
		RepoRoot:      p.RepoRoot,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	var err error
	if row.Capabilities, err = encodeList(p.Capabilities); err != nil {
		return nil, err
	}
	if row.TargetPlatforms, err = encodeList(p.TargetPlatforms); err != nil {
		return nil, err
	}
	if row.MessageKeys, err = encodeList(p.MessageKeys); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *projectRow) model() (*models.Project, error) {
	p := &models.Project{
		ID:            r.ID,
		Name:          r.Name,
		OwnerID:       r.OwnerID,
		AppUUID:       r.AppUUID,
		ShortName:     r.ShortName,
		LongName:      r.LongName,
		CompanyName:   r.CompanyName,
		VersionLabel:  r.VersionLabel,
		Watchface:     r.Watchface,
		ProjectType:   r.ProjectType,
		LayoutVersion: models.LayoutVersion(r.LayoutVersion),
		RepoRoot:      r.RepoRoot,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	var err error
	if p.Capabilities, err = decodeList(r.Capabilities); err != nil {
		return nil, fmt.Errorf("project %s capabilities: %w", r.ID, err)
	}
	if p.TargetPlatforms, err = decodeList(r.TargetPlatforms); err != nil {
		return nil, fmt.Errorf("project %s target platforms: %w", r.ID, err)
	}
	if p.MessageKeys, err = decodeList(r.MessageKeys); err != nil {
		return nil, fmt.Errorf("project %s message keys: %w", r.ID, err)
	}
	return p, nil
}

func encodeList(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(data), nil
}

// decodeList returns nil for an empty list so records round-trip unchanged.
func decodeList(s string) ([]string, error) {
	var list []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = newULID()
	}
	if p.LayoutVersion == models.LayoutUnknown {
		p.LayoutVersion = models.LayoutV2
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	row, err := newProjectRow(p)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`)
		VALUES (:id, :name, :owner_id, :app_uuid, :short_name, :long_name, :company_name, :version_label,
			:watchface, :project_type, :capabilities, :target_platforms, :message_keys, :layout_version, :repo_root,
			:created_at, :updated_at)`, row)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getProject(ctx context.Context, q sqlx.QueryerContext, where, arg string) (*models.Project, error) {
	var row projectRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+projectColumns+` FROM projects WHERE `+where+` = ?`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return row.model()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.getProject(ctx, s.db, "id", id)
}

func (s *SQLiteStore) GetProjectByName(ctx context.Context, name string) (*models.Project, error) {
	return s.getProject(ctx, s.db, "name", name)
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects := make([]*models.Project, 0, len(rows))
	for i := range rows {
		p, err := rows[i].model()
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (s *SQLiteStore) UpdateProject(ctx context.Context, p *models.Project) error {
	return updateProject(ctx, s.db, p)
}

func updateProject(ctx context.Context, ext sqlx.ExtContext, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	row, err := newProjectRow(p)
	if err != nil {
		return err
	}
	result, err := sqlx.NamedExecContext(ctx, ext,
		`UPDATE projects SET name=:name, owner_id=:owner_id, app_uuid=:app_uuid, short_name=:short_name,
			long_name=:long_name, company_name=:company_name, version_label=:version_label, watchface=:watchface,
			project_type=:project_type, capabilities=:capabilities, target_platforms=:target_platforms,
			message_keys=:message_keys, layout_version=:layout_version, repo_root=:repo_root, updated_at=:updated_at
		WHERE id=:id`, row)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("project %s %w", id, ErrNotFound)
	}
	return nil
}

// --- Content ---

type sourceRow struct {
	ID        string    `db:"id"`
	ProjectID string    `db:"project_id"`
	Path      string    `db:"path"`
	Target    string    `db:"target"`
	Content   string    `db:"content"`
	UpdatedAt time.Time `db:"updated_at"`
}

type resourceRow struct {
	ID          string `db:"id"`
	ProjectID   string `db:"project_id"`
	FileName    string `db:"file_name"`
	Kind        string `db:"kind"`
	Content     []byte `db:"content"`
	Identifiers string `db:"identifiers"`
}

// identifierJSON is the stored form of a resource identifier.
type identifierJSON struct {
	ResourceID      string   `json:"resource_id"`
	CharacterRegex  string   `json:"character_regex,omitempty"`
	TrackingAdjust  *int     `json:"tracking_adjust,omitempty"`
	Compatibility   string   `json:"compatibility,omitempty"`
	MemoryFormat    string   `json:"memory_format,omitempty"`
	StorageFormat   string   `json:"storage_format,omitempty"`
	TargetPlatforms []string `json:"target_platforms,omitempty"`
}

func (s *SQLiteStore) ListSources(ctx context.Context, projectID string) ([]*models.SourceFile, error) {
	var rows []sourceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, project_id, path, target, content, updated_at FROM source_files
		WHERE project_id = ? ORDER BY target, path`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	out := make([]*models.SourceFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, &models.SourceFile{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Path:      r.Path,
			Target:    models.SourceTarget(r.Target),
			Content:   r.Content,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out, nil
}

func (s *SQLiteStore) PutSource(ctx context.Context, f *models.SourceFile) error {
	return putSource(ctx, s.db, f)
}

// putSource inserts f or replaces the file at the same target and path.
func putSource(ctx context.Context, ext sqlx.ExtContext, f *models.SourceFile) error {
	if f.ID == "" {
		f.ID = newULID()
	}
	if f.Target == "" {
		f.Target = models.SourceTargetApp
	}
	f.UpdatedAt = time.Now().UTC()
	row := sourceRow{
		ID:        f.ID,
		ProjectID: f.ProjectID,
		Path:      f.Path,
		Target:    string(f.Target),
		Content:   f.Content,
		UpdatedAt: f.UpdatedAt,
	}
	_, err := sqlx.NamedExecContext(ctx, ext,
		`INSERT INTO source_files (id, project_id, path, target, content, updated_at)
		VALUES (:id, :project_id, :path, :target, :content, :updated_at)
		ON CONFLICT (project_id, target, path) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		row)
	if err != nil {
		return fmt.Errorf("put source %s: %w", f.Path, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM source_files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("source %s %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ListResources(ctx context.Context, projectID string) ([]*models.ResourceFile, error) {
	var rows []resourceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, project_id, file_name, kind, content, identifiers FROM resource_files
		WHERE project_id = ? ORDER BY file_name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	out := make([]*models.ResourceFile, 0, len(rows))
	for _, r := range rows {
		var idents []identifierJSON
		if err := json.Unmarshal([]byte(r.Identifiers), &idents); err != nil {
			return nil, fmt.Errorf("resource %s identifiers: %w", r.FileName, err)
		}
		res := &models.ResourceFile{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			FileName:  r.FileName,
			Kind:      models.ResourceKind(r.Kind),
			Content:   r.Content,
		}
		for _, id := range idents {
			res.Identifiers = append(res.Identifiers, models.ResourceIdentifier(id))
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *SQLiteStore) PutResource(ctx context.Context, r *models.ResourceFile) error {
	return putResource(ctx, s.db, r)
}

// putResource inserts r or replaces the resource with the same file name.
func putResource(ctx context.Context, ext sqlx.ExtContext, r *models.ResourceFile) error {
	if r.ID == "" {
		r.ID = newULID()
	}
	if !models.ValidResourceKind(r.Kind) {
		return fmt.Errorf("put resource %s: unknown kind %q", r.FileName, r.Kind)
	}
	idents := make([]identifierJSON, 0, len(r.Identifiers))
	for _, id := range r.Identifiers {
		idents = append(idents, identifierJSON(id))
	}
	data, err := json.Marshal(idents)
	if err != nil {
		return fmt.Errorf("encode identifiers: %w", err)
	}
	content := r.Content
	if content == nil {
		content = []byte{}
	}
	row := resourceRow{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		FileName:    r.FileName,
		Kind:        string(r.Kind),
		Content:     content,
		Identifiers: string(data),
	}
	_, err = sqlx.NamedExecContext(ctx, ext,
		`INSERT INTO resource_files (id, project_id, file_name, kind, content, identifiers)
		VALUES (:id, :project_id, :file_name, :kind, :content, :identifiers)
		ON CONFLICT (project_id, file_name) DO UPDATE SET
			kind = excluded.kind, content = excluded.content, identifiers = excluded.identifiers`,
		row)
	if err != nil {
		return fmt.Errorf("put resource %s: %w", r.FileName, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM resource_files WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("resource %s %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceContent swaps every source and resource of a project for c in one
// transaction. When c.Commit is set the pending pull is finalized in the same
// transaction, so the sync state only advances if the replace commits.
func (s *SQLiteStore) ReplaceContent(ctx context.Context, projectID string, c *Content) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if c.Project != nil {
			p, err := s.getProject(ctx, tx, "id", projectID)
			if err != nil {
				return err
			}
			p.AppUUID = c.Project.AppUUID
			p.ShortName = c.Project.ShortName
			p.LongName = c.Project.LongName
			p.CompanyName = c.Project.CompanyName
			p.VersionLabel = c.Project.VersionLabel
			p.Watchface = c.Project.Watchface
			p.ProjectType = c.Project.ProjectType
			p.Capabilities = c.Project.Capabilities
			p.TargetPlatforms = c.Project.TargetPlatforms
			p.MessageKeys = c.Project.MessageKeys
			if c.Project.LayoutVersion.Valid() {
				p.LayoutVersion = c.Project.LayoutVersion
			}
			p.RepoRoot = c.Project.RepoRoot
			if err := updateProject(ctx, tx, p); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM source_files WHERE project_id = ?", projectID); err != nil {
			return fmt.Errorf("clear sources: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM resource_files WHERE project_id = ?", projectID); err != nil {
			return fmt.Errorf("clear resources: %w", err)
		}
		for _, f := range c.Sources {
			f.ID = ""
			f.ProjectID = projectID
			if err := putSource(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, r := range c.Resources {
			r.ID = ""
			r.ProjectID = projectID
			if err := putResource(ctx, tx, r); err != nil {
				return err
			}
		}

		if c.Commit == "" {
			return nil
		}
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx,
			`UPDATE sync_states SET last_synced_commit = ?, pending_commit = '', last_sync_at = ?, updated_at = ?
			WHERE project_id = ?`, c.Commit, now, now, projectID)
		if err != nil {
			return fmt.Errorf("finalize pull: %w", err)
		}
		return nil
	})
}

// --- Sync state ---

type syncStateRow struct {
	ProjectID        string       `db:"project_id"`
	Repo             string       `db:"repo"`
	Branch           string       `db:"branch"`
	LastSyncedCommit string       `db:"last_synced_commit"`
	PendingCommit    string       `db:"pending_commit"`
	LastSyncAt       sql.NullTime `db:"last_sync_at"`
	WebhookSecret    string       `db:"webhook_secret"`
	AutoPull         bool         `db:"auto_pull"`
	AutoBuild        bool         `db:"auto_build"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (s *SQLiteStore) GetSyncState(ctx context.Context, projectID string) (*models.SyncState, error) {
	var row syncStateRow
	err := s.db.GetContext(ctx, &row,
		`SELECT project_id, repo, branch, last_synced_commit, pending_commit, last_sync_at,
			webhook_secret, auto_pull, auto_build, updated_at
		FROM sync_states WHERE project_id = ?`, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state for project %s %w", projectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync state: %w", err)
	}
	st := &models.SyncState{
		ProjectID:        row.ProjectID,
		Repo:             row.Repo,
		Branch:           row.Branch,
		LastSyncedCommit: row.LastSyncedCommit,
		PendingCommit:    row.PendingCommit,
		WebhookSecret:    row.WebhookSecret,
		AutoPull:         row.AutoPull,
		AutoBuild:        row.AutoBuild,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.LastSyncAt.Valid {
		st.LastSyncAt = &row.LastSyncAt.Time
	}
	return st, nil
}

func (s *SQLiteStore) SaveSyncState(ctx context.Context, st *models.SyncState) error {
	st.UpdatedAt = time.Now().UTC()
	row := syncStateRow{
		ProjectID:        st.ProjectID,
		Repo:             st.Repo,
		Branch:           st.Branch,
		LastSyncedCommit: st.LastSyncedCommit,
		PendingCommit:    st.PendingCommit,
		WebhookSecret:    st.WebhookSecret,
		AutoPull:         st.AutoPull,
		AutoBuild:        st.AutoBuild,
		UpdatedAt:        st.UpdatedAt,
	}
	if st.LastSyncAt != nil {
		row.LastSyncAt = sql.NullTime{Time: *st.LastSyncAt, Valid: true}
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sync_states (project_id, repo, branch, last_synced_commit, pending_commit, last_sync_at,
			webhook_secret, auto_pull, auto_build, updated_at)
		VALUES (:project_id, :repo, :branch, :last_synced_commit, :pending_commit, :last_sync_at,
			:webhook_secret, :auto_pull, :auto_build, :updated_at)
		ON CONFLICT (project_id) DO UPDATE SET
			repo = excluded.repo, branch = excluded.branch, last_synced_commit = excluded.last_synced_commit,
			pending_commit = excluded.pending_commit, last_sync_at = excluded.last_sync_at,
			webhook_secret = excluded.webhook_secret, auto_pull = excluded.auto_pull,
			auto_build = excluded.auto_build, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSyncState(ctx context.Context, projectID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM sync_states WHERE project_id = ?", projectID)
	if err != nil {
		return fmt.Errorf("delete sync state: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync state for project %s %w", projectID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) updateSyncState(ctx context.Context, projectID, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sync state for project %s %w", projectID, ErrNotFound)
	}
	return nil
}

// BeginPull marks commit as the pull in progress. It is the first phase of
// advancing last_synced_commit; ReplaceContent or AbortPull ends it.
func (s *SQLiteStore) BeginPull(ctx context.Context, projectID, commit string) error {
	return s.updateSyncState(ctx, projectID, "begin pull",
		`UPDATE sync_states SET pending_commit = ?, updated_at = ? WHERE project_id = ?`,
		commit, time.Now().UTC(), projectID)
}

// AbortPull clears the pending marker if it still names commit.
func (s *SQLiteStore) AbortPull(ctx context.Context, projectID, commit string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_states SET pending_commit = '', updated_at = ? WHERE project_id = ? AND pending_commit = ?`,
		time.Now().UTC(), projectID, commit)
	if err != nil {
		return fmt.Errorf("abort pull: %w", err)
	}
	return nil
}

// RecordPush advances last_synced_commit after a successful push.
func (s *SQLiteStore) RecordPush(ctx context.Context, projectID, commit string, at time.Time) error {
	return s.updateSyncState(ctx, projectID, "record push",
		`UPDATE sync_states SET last_synced_commit = ?, last_sync_at = ?, updated_at = ? WHERE project_id = ?`,
		commit, at.UTC(), time.Now().UTC(), projectID)
}

// --- Credentials ---

type credentialRow struct {
	OwnerID   string    `db:"owner_id"`
	Token     string    `db:"token"`
	Username  string    `db:"username"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *SQLiteStore) GetCredential(ctx context.Context, ownerID string) (*models.Credential, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row,
		`SELECT owner_id, token, username, created_at FROM credentials WHERE owner_id = ?`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential for owner %q %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &models.Credential{OwnerID: row.OwnerID, Token: row.Token, Username: row.Username, CreatedAt: row.CreatedAt}, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, c *models.Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO credentials (owner_id, token, username, created_at)
		VALUES (:owner_id, :token, :username, :created_at)
		ON CONFLICT (owner_id) DO UPDATE SET token = excluded.token, username = excluded.username`,
		credentialRow{OwnerID: c.OwnerID, Token: c.Token, Username: c.Username, CreatedAt: c.CreatedAt})
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, ownerID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// --- Builds ---

type buildRow struct {
	ID           string       `db:"id"`
	ProjectID    string       `db:"project_id"`
	Trigger      string       `db:"trigger_kind"`
	State        string       `db:"state"`
	Commit       string       `db:"commit_sha"`
	Log          string       `db:"log"`
	ArtifactSize int64        `db:"artifact_size"`
	CreatedAt    time.Time    `db:"created_at"`
	FinishedAt   sql.NullTime `db:"finished_at"`
}

const buildColumns = `id, project_id, trigger_kind, state, commit_sha, log, artifact_size, created_at, finished_at`

func (r *buildRow) model() *models.BuildRequest {
	b := &models.BuildRequest{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Trigger:      models.BuildTrigger(r.Trigger),
		State:        models.BuildState(r.State),
		Commit:       r.Commit,
		Log:          r.Log,
		ArtifactSize: r.ArtifactSize,
		CreatedAt:    r.CreatedAt,
	}
	if r.FinishedAt.Valid {
		b.FinishedAt = &r.FinishedAt.Time
	}
	return b
}

func newBuildRow(b *models.BuildRequest) buildRow {
	row := buildRow{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		Trigger:      string(b.Trigger),
		State:        string(b.State),
		Commit:       b.Commit,
		Log:          b.Log,
		ArtifactSize: b.ArtifactSize,
		CreatedAt:    b.CreatedAt,
	}
	if b.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *b.FinishedAt, Valid: true}
	}
	return row
}

func (s *SQLiteStore) CreateBuild(ctx context.Context, b *models.BuildRequest) error {
	if b.ID == "" {
		b.ID = newULID()
	}
	if b.State == "" {
		b.State = models.BuildStatePending
	}
	b.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO builds (`+buildColumns+`)
		VALUES (:id, :project_id, :trigger_kind, :state, :commit_sha, :log, :artifact_size, :created_at, :finished_at)`,
		newBuildRow(b))
	if err != nil {
		return fmt.Errorf("create build: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*models.BuildRequest, error) {
	var row buildRow
	err := s.db.GetContext(ctx, &row, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}
	return row.model(), nil
}

func (s *SQLiteStore) ListBuilds(ctx context.Context, projectID string, limit int) ([]*models.BuildRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []buildRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+buildColumns+` FROM builds WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	out := make([]*models.BuildRequest, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *SQLiteStore) UpdateBuild(ctx context.Context, b *models.BuildRequest) error {
	result, err := s.db.NamedExecContext(ctx,
		`UPDATE builds SET state = :state, commit_sha = :commit_sha, log = :log,
			artifact_size = :artifact_size, finished_at = :finished_at
		WHERE id = :id`, newBuildRow(b))
	if err != nil {
		return fmt.Errorf("update build: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("build %s %w", b.ID, ErrNotFound)
	}
	return nil
}
