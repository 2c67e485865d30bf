// Package figma is the design adapter. It syncs a team's projects, their
// files and file comments over the Figma REST API, and receives v2 team
// webhooks for file updates and new comments.
package figma

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// DefaultURL is the public Figma API.
	DefaultURL = "https://api.figma.com"
	// TokenURL is Figma's OAuth2 token endpoint.
	TokenURL = "https://api.figma.com/v1/oauth/token"

	ConfigTeam            = "team_id"
	ConfigWebhookPasscode = "webhook_passcode"
)

var webhookEvents = []string{"FILE_UPDATE", "FILE_COMMENT"}

// Adapter syncs one Figma team.
type Adapter struct {
	*adapter.Base

	mu       sync.Mutex
	passcode string
	hookIDs  []string
}

// New is the adapter.Factory for the design platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: DefaultURL,
		Supported:  []model.EntityType{model.EntityProject, model.EntityFile, model.EntityComment},
	})
	passcode := b.Config(ConfigWebhookPasscode)
	if passcode == "" {
		passcode = uuid.NewString()
	}
	return &Adapter{Base: b, passcode: passcode}, nil
}

func (a *Adapter) Platform() model.Platform { return model.PlatformDesign }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RequireConfig(ConfigTeam); err != nil {
		return err
	}
	return a.ValidateCredentials(ctx)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	var me struct {
		ID     string `json:"id"`
		Handle string `json:"handle"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/v1/me", nil, &me); err != nil {
		return fmt.Errorf("validating figma credentials: %w", err)
	}
	a.Log().Debug("figma credentials valid", "handle", me.Handle)
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

// --- wire types --------------------------------------------------------------

type figmaProject struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type figmaFile struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	ThumbnailURL string    `json:"thumbnail_url"`
	LastModified time.Time `json:"last_modified"`
}

type figmaUser struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

type figmaComment struct {
	ID         string     `json:"id"`
	FileKey    string     `json:"file_key"`
	ParentID   string     `json:"parent_id"`
	Message    string     `json:"message"`
	User       figmaUser  `json:"user"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// --- fetch -------------------------------------------------------------------

// FetchExternalData walks team projects, their files and, when comments are
// synced, each file's comments.
func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	var out struct {
		Projects []figmaProject `json:"projects"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/v1/teams/"+a.Config(ConfigTeam)+"/projects", nil, &out); err != nil {
		return nil, fmt.Errorf("listing figma projects: %w", err)
	}

	var items []model.Item
	for _, p := range out.Projects {
		if a.Syncs(model.EntityProject) {
			items = append(items, projectItem(p))
		}
		if !a.Syncs(model.EntityFile) && !a.Syncs(model.EntityComment) {
			continue
		}
		files, err := a.files(ctx, p.ID.String())
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if a.Syncs(model.EntityFile) {
				items = append(items, fileItem(f, p.ID.String()))
			}
			if !a.Syncs(model.EntityComment) {
				continue
			}
			comments, err := a.comments(ctx, f.Key)
			if err != nil {
				return nil, err
			}
			items = append(items, comments...)
		}
	}
	return items, nil
}

func (a *Adapter) files(ctx context.Context, projectID string) ([]figmaFile, error) {
	var out struct {
		Files []figmaFile `json:"files"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/v1/projects/"+projectID+"/files", nil, &out); err != nil {
		return nil, fmt.Errorf("listing figma files of project %s: %w", projectID, err)
	}
	return out.Files, nil
}

func (a *Adapter) comments(ctx context.Context, fileKey string) ([]model.Item, error) {
	var out struct {
		Comments []figmaComment `json:"comments"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/v1/files/"+fileKey+"/comments", nil, &out); err != nil {
		return nil, fmt.Errorf("listing figma comments of %s: %w", fileKey, err)
	}
	items := make([]model.Item, 0, len(out.Comments))
	for _, c := range out.Comments {
		if c.FileKey == "" {
			c.FileKey = fileKey
		}
		items = append(items, commentItem(c))
	}
	return items, nil
}

func projectItem(p figmaProject) model.Item {
	return model.Item{
		ID:     p.ID.String(),
		Type:   model.EntityProject,
		URL:    "https://www.figma.com/files/project/" + p.ID.String(),
		Fields: map[string]any{"name": p.Name},
	}
}

func fileItem(f figmaFile, projectID string) model.Item {
	return model.Item{
		ID:   f.Key,
		Type: model.EntityFile,
		URL:  "https://www.figma.com/file/" + f.Key,
		Fields: map[string]any{
			"name":          f.Name,
			"project_id":    projectID,
			"thumbnail_url": f.ThumbnailURL,
		},
		UpdatedAt: f.LastModified,
	}
}

func commentItem(c figmaComment) model.Item {
	return model.Item{
		ID:   c.ID,
		Type: model.EntityComment,
		URL:  fmt.Sprintf("https://www.figma.com/file/%s#%s", c.FileKey, c.ID),
		Fields: map[string]any{
			"file_key":  c.FileKey,
			"parent_id": c.ParentID,
			"message":   c.Message,
			"author":    c.User.Handle,
			"resolved":  c.ResolvedAt != nil,
		},
		UpdatedAt: c.CreatedAt,
	}
}

// --- transform ---------------------------------------------------------------

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	rec := model.Record{Type: it.Type, ExternalURL: it.URL, UpdatedAt: it.UpdatedAt}
	switch it.Type {
	case model.EntityProject:
		rec.Title = it.String("name")
	case model.EntityFile:
		rec.Title = it.String("name")
		rec.Extra = map[string]string{"project_id": it.String("project_id"), "thumbnail_url": it.String("thumbnail_url")}
	case model.EntityComment:
		rec.Body = it.String("message")
		rec.Assignee = it.String("author")
		rec.Status = model.StatusOpen
		if it.Bool("resolved") {
			rec.Status = model.StatusDone
		}
		rec.Extra = map[string]string{"file_key": it.String("file_key"), "parent_id": it.String("parent_id")}
	default:
		return model.Record{}, model.UnsupportedType(model.PlatformDesign, it.Type)
	}
	return rec, nil
}

// TransformToExternal only shapes comments; projects and files are read-only
// through the public API.
func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	if rec.Type != model.EntityComment {
		return model.Item{}, model.UnsupportedType(model.PlatformDesign, rec.Type)
	}
	if strings.TrimSpace(rec.Body) == "" {
		return model.Item{}, model.TransformErrorf("figma comment has no message")
	}
	return model.Item{
		Type: model.EntityComment,
		Fields: map[string]any{
			"file_key":  rec.Extra["file_key"],
			"parent_id": rec.Extra["parent_id"],
			"message":   rec.Body,
		},
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// --- apply -------------------------------------------------------------------

func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, _ string, it model.Item) (model.Result, error) {
	if it.Type != model.EntityComment || op != model.OpCreate {
		return model.Result{}, model.ApplyErrorf("figma does not support %s of %s", op, it.Type)
	}
	key := it.String("file_key")
	if key == "" {
		return model.Result{}, model.ApplyErrorf("figma comment has no file key")
	}
	body := map[string]string{"message": it.String("message")}
	if parent := it.String("parent_id"); parent != "" {
		body["comment_id"] = parent
	}
	var created figmaComment
	if err := a.HTTP.Do(ctx, http.MethodPost, "/v1/files/"+key+"/comments", body, &created); err != nil {
		return model.Result{}, fmt.Errorf("%w: posting figma comment: %w", model.ErrApply, err)
	}
	created.FileKey = key
	item := commentItem(created)
	return model.Result{ID: item.ID, URL: item.URL}, nil
}

// --- webhooks ----------------------------------------------------------------

type figmaWebhook struct {
	ID       json.Number `json:"id"`
	Endpoint string      `json:"endpoint"`
}

// SetupWebhooks replaces any team webhooks that target this integration with
// fresh ones carrying the adapter's passcode.
func (a *Adapter) SetupWebhooks(ctx context.Context) error {
	target := a.WebhookURL()
	if target == "" {
		a.Log().Debug("no public webhook url, skipping figma webhooks")
		return nil
	}
	team := a.Config(ConfigTeam)

	var existing struct {
		Webhooks []figmaWebhook `json:"webhooks"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/v2/teams/"+team+"/webhooks", nil, &existing); err != nil {
		return fmt.Errorf("listing figma webhooks: %w", err)
	}
	for _, h := range existing.Webhooks {
		if h.Endpoint == target {
			if err := a.deleteHook(ctx, h.ID.String()); err != nil {
				return err
			}
		}
	}

	var ids []string
	for _, ev := range webhookEvents {
		req := map[string]string{
			"event_type":  ev,
			"team_id":     team,
			"endpoint":    target,
			"passcode":    a.passcode,
			"description": "platformsync " + a.IntegrationID(),
		}
		var created figmaWebhook
		if err := a.HTTP.Do(ctx, http.MethodPost, "/v2/webhooks", req, &created); err != nil {
			return fmt.Errorf("creating figma %s webhook: %w", ev, err)
		}
		ids = append(ids, created.ID.String())
	}
	a.mu.Lock()
	a.hookIDs = ids
	a.mu.Unlock()
	a.Log().Info("figma webhooks registered", "webhook_ids", ids)
	return nil
}

// Cleanup deletes the webhooks this adapter registered.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	ids := a.hookIDs
	a.hookIDs = nil
	a.mu.Unlock()
	var errs []error
	for _, id := range ids {
		errs = append(errs, a.deleteHook(ctx, id))
	}
	return errors.Join(errs...)
}

func (a *Adapter) deleteHook(ctx context.Context, id string) error {
	err := a.HTTP.Do(ctx, http.MethodDelete, "/v2/webhooks/"+id, nil, nil)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("deleting figma webhook %s: %w", id, err)
	}
	return nil
}

type delivery struct {
	EventType string    `json:"event_type"`
	Passcode  string    `json:"passcode"`
	Timestamp time.Time `json:"timestamp"`
	FileKey   string    `json:"file_key"`
	FileName  string    `json:"file_name"`
	CommentID string    `json:"comment_id"`
	Comment   []struct {
		Text string `json:"text"`
	} `json:"comment"`
	ParentID    string    `json:"parent_id"`
	TriggeredBy figmaUser `json:"triggered_by"`
}

// HandleWebhook checks the passcode echoed in the payload and emits the file
// or comment it describes.
func (a *Adapter) HandleWebhook(_ context.Context, _ http.Header, body []byte) ([]byte, error) {
	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, model.TransformErrorf("figma webhook body: %v", err)
	}
	if subtle.ConstantTimeCompare([]byte(d.Passcode), []byte(a.passcode)) != 1 {
		return nil, fmt.Errorf("%w: figma webhook passcode mismatch", model.ErrAuth)
	}

	switch d.EventType {
	case "FILE_UPDATE":
		a.Emit(model.OpUpdate, model.Item{
			ID:        d.FileKey,
			Type:      model.EntityFile,
			URL:       "https://www.figma.com/file/" + d.FileKey,
			Fields:    map[string]any{"name": d.FileName},
			UpdatedAt: d.Timestamp,
		})
	case "FILE_COMMENT":
		var text []string
		for _, c := range d.Comment {
			text = append(text, c.Text)
		}
		a.Emit(model.OpCreate, commentItem(figmaComment{
			ID:        d.CommentID,
			FileKey:   d.FileKey,
			ParentID:  d.ParentID,
			Message:   strings.Join(text, ""),
			User:      d.TriggeredBy,
			CreatedAt: d.Timestamp,
		}))
	}
	return nil, nil
}
