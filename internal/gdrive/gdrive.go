// Package gdrive is the office-suite adapter. It syncs Google Drive file
// metadata through the Drive v3 SDK, which runs over the shared platform
// transport, and follows the changes feed through a push channel.
package gdrive

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// DefaultURL is the Drive v3 API.
	DefaultURL = "https://www.googleapis.com/drive/v3"
	// TokenURL is Google's OAuth2 token endpoint.
	TokenURL = "https://oauth2.googleapis.com/token"

	// ConfigFolder restricts the sync to direct children of a folder.
	ConfigFolder = "folder_id"

	// DefaultMimeType is used for files created without a known type.
	DefaultMimeType = "application/vnd.google-apps.document"

	pageSize = 100
	maxPages = 50

	fileFields = "id,name,mimeType,description,webViewLink,modifiedTime,parents,trashed"
)

// Adapter syncs one Drive account.
type Adapter struct {
	*adapter.Base

	svc *drive.Service

	mu        sync.Mutex
	channel   *drive.Channel
	token     string
	pageToken string
}

// New is the adapter.Factory for the office-suite platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: DefaultURL,
		Supported:  []model.EntityType{model.EntityFile},
	})
	svc, err := drive.NewService(context.Background(),
		option.WithHTTPClient(b.HTTP.HTTPClient()),
		option.WithEndpoint(b.HTTP.BaseURL()+"/"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}
	return &Adapter{Base: b, svc: svc}, nil
}

func (a *Adapter) Platform() model.Platform { return model.PlatformOfficeSuite }

func (a *Adapter) Initialize(ctx context.Context) error {
	return a.ValidateCredentials(ctx)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	about, err := a.svc.About.Get().Fields("user").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("validating drive credentials: %w", classify(err))
	}
	if about.User != nil {
		a.Log().Debug("drive credentials valid", "user", about.User.EmailAddress)
	}
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

// classify maps Drive API errors onto the error taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", model.ErrAuth, err)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return err
}

// --- fetch -------------------------------------------------------------------

func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	if !a.Syncs(model.EntityFile) {
		return nil, nil
	}
	q := "trashed = false"
	if folder := a.Config(ConfigFolder); folder != "" {
		q += fmt.Sprintf(" and '%s' in parents", strings.ReplaceAll(folder, "'", `\'`))
	}

	var items []model.Item
	call := a.svc.Files.List().
		Q(q).
		PageSize(pageSize).
		Fields(googleapi.Field("nextPageToken,files(" + fileFields + ")"))
	for range maxPages {
		list, err := call.Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("listing drive files: %w", classify(err))
		}
		for _, f := range list.Files {
			items = append(items, fileItem(f))
		}
		if list.NextPageToken == "" {
			return items, nil
		}
		call.PageToken(list.NextPageToken)
	}
	a.Log().Warn("pagination limit reached", "pages", maxPages)
	return items, nil
}

func fileItem(f *drive.File) model.Item {
	var parent string
	if len(f.Parents) > 0 {
		parent = f.Parents[0]
	}
	updated, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return model.Item{
		ID:   f.Id,
		Type: model.EntityFile,
		URL:  f.WebViewLink,
		Fields: map[string]any{
			"name":        f.Name,
			"description": f.Description,
			"mime_type":   f.MimeType,
			"parent":      parent,
		},
		UpdatedAt: updated,
	}
}

// --- transform ---------------------------------------------------------------

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	if it.Type != model.EntityFile {
		return model.Record{}, model.UnsupportedType(model.PlatformOfficeSuite, it.Type)
	}
	if it.String("name") == "" {
		return model.Record{}, model.TransformErrorf("drive file %s has no name", it.ID)
	}
	return model.Record{
		Type:        model.EntityFile,
		Title:       it.String("name"),
		Body:        it.String("description"),
		ExternalURL: it.URL,
		Extra:       map[string]string{"mime_type": it.String("mime_type"), "parent": it.String("parent")},
		UpdatedAt:   it.UpdatedAt,
	}, nil
}

func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	if rec.Type != model.EntityFile {
		return model.Item{}, model.UnsupportedType(model.PlatformOfficeSuite, rec.Type)
	}
	mime := rec.Extra["mime_type"]
	if mime == "" {
		mime = rec.Extra["mimetype"]
	}
	if mime == "" {
		mime = DefaultMimeType
	}
	return model.Item{
		Type: model.EntityFile,
		Fields: map[string]any{
			"name":        rec.Title,
			"description": rec.Body,
			"mime_type":   mime,
		},
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// --- apply -------------------------------------------------------------------

// ApplyToExternal writes file metadata. Content is never uploaded.
func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, existingID string, it model.Item) (model.Result, error) {
	if it.Type != model.EntityFile {
		return model.Result{}, model.ApplyErrorf("drive does not support %s", it.Type)
	}
	meta := &drive.File{Name: it.String("name"), Description: it.String("description")}

	var (
		f   *drive.File
		err error
	)
	switch op {
	case model.OpCreate:
		meta.MimeType = it.String("mime_type")
		if folder := a.Config(ConfigFolder); folder != "" {
			meta.Parents = []string{folder}
		}
		f, err = a.svc.Files.Create(meta).Fields(fileFields).Context(ctx).Do()
	case model.OpUpdate:
		f, err = a.svc.Files.Update(existingID, meta).Fields(fileFields).Context(ctx).Do()
	default:
		return model.Result{}, model.ApplyErrorf("drive does not support %s of files", op)
	}
	if err != nil {
		return model.Result{}, fmt.Errorf("%w: writing drive file: %w", model.ErrApply, classify(err))
	}
	return model.Result{ID: f.Id, URL: f.WebViewLink}, nil
}

// --- push notifications ------------------------------------------------------

// SetupWebhooks opens a changes.watch channel from the current start page
// token. Notifications carry the channel token, which HandleWebhook checks.
func (a *Adapter) SetupWebhooks(ctx context.Context) error {
	target := a.WebhookURL()
	if target == "" {
		a.Log().Debug("no public webhook url, skipping drive channel")
		return nil
	}
	start, err := a.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("reading drive start page token: %w", classify(err))
	}

	token := uuid.NewString()
	ch, err := a.svc.Changes.Watch(start.StartPageToken, &drive.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: target,
		Token:   token,
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("opening drive change channel: %w", classify(err))
	}

	a.mu.Lock()
	a.channel = ch
	a.token = token
	a.pageToken = start.StartPageToken
	a.mu.Unlock()
	a.Log().Info("drive change channel opened", "channel_id", ch.Id, "expiration", ch.Expiration)
	return nil
}

// Cleanup stops the change channel.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	ch := a.channel
	a.channel = nil
	a.mu.Unlock()
	if ch == nil {
		return nil
	}
	err := a.svc.Channels.Stop(&drive.Channel{Id: ch.Id, ResourceId: ch.ResourceId}).Context(ctx).Do()
	if err = classify(err); err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("stopping drive channel %s: %w", ch.Id, err)
	}
	return nil
}

// HandleWebhook validates the channel headers and, on a change notification,
// reads the changes feed from the last page token and emits each file.
func (a *Adapter) HandleWebhook(ctx context.Context, header http.Header, _ []byte) ([]byte, error) {
	a.mu.Lock()
	ch, token, pageToken := a.channel, a.token, a.pageToken
	a.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("%w: no open drive channel", model.ErrAuth)
	}
	if header.Get("X-Goog-Channel-ID") != ch.Id ||
		subtle.ConstantTimeCompare([]byte(header.Get("X-Goog-Channel-Token")), []byte(token)) != 1 {
		return nil, fmt.Errorf("%w: unknown drive channel", model.ErrAuth)
	}
	if header.Get("X-Goog-Resource-State") == "sync" {
		return nil, nil
	}

	next, err := a.drainChanges(ctx, pageToken)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.pageToken = next
	a.mu.Unlock()
	return nil, nil
}

func (a *Adapter) drainChanges(ctx context.Context, pageToken string) (string, error) {
	fields := googleapi.Field("nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))")
	for range maxPages {
		list, err := a.svc.Changes.List(pageToken).Fields(fields).Context(ctx).Do()
		if err != nil {
			return "", fmt.Errorf("listing drive changes: %w", classify(err))
		}
		for _, c := range list.Changes {
			if c.Removed || c.File == nil || c.File.Trashed {
				a.Emit(model.OpDelete, model.Item{ID: c.FileId, Type: model.EntityFile})
				continue
			}
			a.Emit(model.OpUpdate, fileItem(c.File))
		}
		if list.NewStartPageToken != "" {
			return list.NewStartPageToken, nil
		}
		pageToken = list.NextPageToken
	}
	a.Log().Warn("drive change feed not drained", "pages", maxPages)
	return pageToken, nil
}
