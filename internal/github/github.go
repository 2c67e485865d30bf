// Package github is the issue-tracker adapter. It syncs the configured
// repository, its issues as tasks and their comments over the GitHub REST v3
// API, and receives repository webhooks.
package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// DefaultURL is the public GitHub API.
	DefaultURL = "https://api.github.com"
	// TokenURL is GitHub's OAuth2 token endpoint.
	TokenURL = "https://github.com/login/oauth/access_token"

	ConfigOwner         = "owner"
	ConfigRepo          = "repo"
	ConfigWebhookSecret = "webhook_secret"

	perPage  = 100
	maxPages = 50
)

// Adapter syncs one GitHub repository.
type Adapter struct {
	*adapter.Base

	mu     sync.Mutex
	hookID int64
}

// New is the adapter.Factory for the issue-tracker platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: DefaultURL,
		Supported:  []model.EntityType{model.EntityProject, model.EntityTask, model.EntityComment},
	})
	return &Adapter{Base: b}, nil
}

func (a *Adapter) Platform() model.Platform { return model.PlatformIssueTracker }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RequireConfig(ConfigOwner, ConfigRepo); err != nil {
		return err
	}
	return a.ValidateCredentials(ctx)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	var me struct {
		Login string `json:"login"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/user", nil, &me); err != nil {
		return fmt.Errorf("validating github credentials: %w", err)
	}
	a.Log().Debug("github credentials valid", "login", me.Login)
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

func (a *Adapter) repoPath() string {
	return "/repos/" + a.Config(ConfigOwner) + "/" + a.Config(ConfigRepo)
}

// --- wire types --------------------------------------------------------------

type ghUser struct {
	Login string `json:"login"`
}

type ghRepo struct {
	ID          int64     `json:"id"`
	FullName    string    `json:"full_name"`
	Description string    `json:"description"`
	HTMLURL     string    `json:"html_url"`
	Private     bool      `json:"private"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	ID          int64           `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	State       string          `json:"state"`
	HTMLURL     string          `json:"html_url"`
	Assignee    *ghUser         `json:"assignee"`
	Labels      []ghLabel       `json:"labels"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type ghComment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	IssueURL  string    `json:"issue_url"`
	User      *ghUser   `json:"user"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- fetch -------------------------------------------------------------------

func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	for _, t := range a.Types() {
		var (
			got []model.Item
			err error
		)
		switch t {
		case model.EntityProject:
			got, err = a.fetchRepo(ctx)
		case model.EntityTask:
			got, err = a.fetchIssues(ctx)
		case model.EntityComment:
			got, err = a.fetchComments(ctx)
		}
		if err != nil {
			return nil, err
		}
		items = append(items, got...)
	}
	return items, nil
}

func (a *Adapter) fetchRepo(ctx context.Context) ([]model.Item, error) {
	var r ghRepo
	if err := a.HTTP.Do(ctx, http.MethodGet, a.repoPath(), nil, &r); err != nil {
		return nil, fmt.Errorf("fetching github repository: %w", err)
	}
	return []model.Item{repoItem(r)}, nil
}

func (a *Adapter) fetchIssues(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	err := paginate(ctx, a, a.repoPath()+"/issues?state=all", func(page []ghIssue) {
		for _, is := range page {
			if len(is.PullRequest) > 0 {
				continue
			}
			items = append(items, issueItem(is))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetching github issues: %w", err)
	}
	return items, nil
}

func (a *Adapter) fetchComments(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	err := paginate(ctx, a, a.repoPath()+"/issues/comments", func(page []ghComment) {
		for _, c := range page {
			items = append(items, commentItem(c))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("fetching github comments: %w", err)
	}
	return items, nil
}

// paginate walks page-numbered results until a short page.
func paginate[T any](ctx context.Context, a *Adapter, path string, fn func([]T)) error {
	for page := 1; page <= maxPages; page++ {
		var batch []T
		url := fmt.Sprintf("%s&per_page=%d&page=%d", path, perPage, page)
		if !strings.Contains(path, "?") {
			url = fmt.Sprintf("%s?per_page=%d&page=%d", path, perPage, page)
		}
		if err := a.HTTP.Do(ctx, http.MethodGet, url, nil, &batch); err != nil {
			return err
		}
		fn(batch)
		if len(batch) < perPage {
			return nil
		}
	}
	a.Log().Warn("pagination limit reached", "path", path, "pages", maxPages)
	return nil
}

func repoItem(r ghRepo) model.Item {
	return model.Item{
		ID:   strconv.FormatInt(r.ID, 10),
		Type: model.EntityProject,
		URL:  r.HTMLURL,
		Fields: map[string]any{
			"full_name":   r.FullName,
			"description": r.Description,
			"private":     r.Private,
		},
		UpdatedAt: r.UpdatedAt,
	}
}

// issueItem keys issues by number, which the update endpoints address.
func issueItem(is ghIssue) model.Item {
	f := map[string]any{
		"title":  is.Title,
		"body":   is.Body,
		"state":  is.State,
		"number": strconv.Itoa(is.Number),
	}
	if is.Assignee != nil {
		f["assignee"] = is.Assignee.Login
	}
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}
	f["labels"] = strings.Join(labels, ",")
	return model.Item{
		ID:        strconv.Itoa(is.Number),
		Type:      model.EntityTask,
		URL:       is.HTMLURL,
		Fields:    f,
		UpdatedAt: is.UpdatedAt,
	}
}

func commentItem(c ghComment) model.Item {
	f := map[string]any{
		"body":         c.Body,
		"issue_number": c.IssueURL[strings.LastIndex(c.IssueURL, "/")+1:],
	}
	if c.User != nil {
		f["author"] = c.User.Login
	}
	return model.Item{
		ID:        strconv.FormatInt(c.ID, 10),
		Type:      model.EntityComment,
		URL:       c.HTMLURL,
		Fields:    f,
		UpdatedAt: c.UpdatedAt,
	}
}

// --- transform ---------------------------------------------------------------

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	rec := model.Record{Type: it.Type, ExternalURL: it.URL, UpdatedAt: it.UpdatedAt}
	switch it.Type {
	case model.EntityProject:
		rec.Title = it.String("full_name")
		rec.Body = it.String("description")
	case model.EntityTask:
		rec.Title = it.String("title")
		rec.Body = it.String("body")
		rec.Assignee = it.String("assignee")
		rec.Status = model.StatusOpen
		if it.String("state") == "closed" {
			rec.Status = model.StatusDone
		}
		rec.Extra = map[string]string{"number": it.String("number"), "labels": it.String("labels")}
	case model.EntityComment:
		rec.Body = it.String("body")
		rec.Extra = map[string]string{"issue_number": it.String("issue_number"), "author": it.String("author")}
	default:
		return model.Record{}, model.UnsupportedType(model.PlatformIssueTracker, it.Type)
	}
	if rec.Type == model.EntityTask && rec.Title == "" {
		return model.Record{}, model.TransformErrorf("github issue %s has no title", it.ID)
	}
	return rec, nil
}

func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	switch rec.Type {
	case model.EntityTask:
		state := "open"
		if rec.Status == model.StatusDone {
			state = "closed"
		}
		return model.Item{
			Type: model.EntityTask,
			Fields: map[string]any{
				"title": rec.Title,
				"body":  rec.Body,
				"state": state,
			},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	case model.EntityComment:
		return model.Item{
			Type: model.EntityComment,
			Fields: map[string]any{
				"body":         rec.Body,
				"issue_number": rec.Extra["issue_number"],
			},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	}
	return model.Item{}, model.UnsupportedType(model.PlatformIssueTracker, rec.Type)
}

// --- apply -------------------------------------------------------------------

func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, existingID string, it model.Item) (model.Result, error) {
	switch {
	case it.Type == model.EntityTask && op == model.OpCreate:
		var created ghIssue
		body := map[string]string{"title": it.String("title"), "body": it.String("body")}
		if err := a.HTTP.Do(ctx, http.MethodPost, a.repoPath()+"/issues", body, &created); err != nil {
			return model.Result{}, fmt.Errorf("%w: creating github issue: %w", model.ErrApply, err)
		}
		if it.String("state") == "closed" {
			patch := map[string]string{"state": "closed"}
			if err := a.HTTP.Do(ctx, http.MethodPatch, fmt.Sprintf("%s/issues/%d", a.repoPath(), created.Number), patch, nil); err != nil {
				return model.Result{}, fmt.Errorf("%w: closing github issue %d: %w", model.ErrApply, created.Number, err)
			}
		}
		return model.Result{ID: strconv.Itoa(created.Number), URL: created.HTMLURL}, nil

	case it.Type == model.EntityTask && op == model.OpUpdate:
		var updated ghIssue
		body := map[string]string{"title": it.String("title"), "body": it.String("body"), "state": it.String("state")}
		if err := a.HTTP.Do(ctx, http.MethodPatch, a.repoPath()+"/issues/"+existingID, body, &updated); err != nil {
			return model.Result{}, fmt.Errorf("%w: updating github issue %s: %w", model.ErrApply, existingID, err)
		}
		return model.Result{ID: strconv.Itoa(updated.Number), URL: updated.HTMLURL}, nil

	case it.Type == model.EntityComment && op == model.OpCreate:
		issue := it.String("issue_number")
		if issue == "" {
			return model.Result{}, model.ApplyErrorf("github comment has no issue number")
		}
		var created ghComment
		if err := a.HTTP.Do(ctx, http.MethodPost, a.repoPath()+"/issues/"+issue+"/comments",
			map[string]string{"body": it.String("body")}, &created); err != nil {
			return model.Result{}, fmt.Errorf("%w: creating github comment: %w", model.ErrApply, err)
		}
		return model.Result{ID: strconv.FormatInt(created.ID, 10), URL: created.HTMLURL}, nil

	case it.Type == model.EntityComment && op == model.OpUpdate:
		var updated ghComment
		if err := a.HTTP.Do(ctx, http.MethodPatch, a.repoPath()+"/issues/comments/"+existingID,
			map[string]string{"body": it.String("body")}, &updated); err != nil {
			return model.Result{}, fmt.Errorf("%w: updating github comment %s: %w", model.ErrApply, existingID, err)
		}
		return model.Result{ID: strconv.FormatInt(updated.ID, 10), URL: updated.HTMLURL}, nil
	}
	return model.Result{}, model.ApplyErrorf("github does not support %s of %s", op, it.Type)
}

// --- webhooks ----------------------------------------------------------------

type ghHook struct {
	ID     int64 `json:"id"`
	Config struct {
		URL string `json:"url"`
	} `json:"config"`
}

// SetupWebhooks registers a repository hook pointing at this integration,
// reusing one that already targets the same URL.
func (a *Adapter) SetupWebhooks(ctx context.Context) error {
	target := a.WebhookURL()
	if target == "" {
		a.Log().Debug("no public webhook url, skipping github hook")
		return nil
	}

	var hooks []ghHook
	if err := a.HTTP.Do(ctx, http.MethodGet, a.repoPath()+"/hooks", nil, &hooks); err != nil {
		return fmt.Errorf("listing github hooks: %w", err)
	}
	for _, h := range hooks {
		if h.Config.URL == target {
			a.setHook(h.ID)
			return nil
		}
	}

	req := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"issues", "issue_comment"},
		"config": map[string]string{
			"url":          target,
			"content_type": "json",
			"secret":       a.Config(ConfigWebhookSecret),
		},
	}
	var created ghHook
	if err := a.HTTP.Do(ctx, http.MethodPost, a.repoPath()+"/hooks", req, &created); err != nil {
		return fmt.Errorf("creating github hook: %w", err)
	}
	a.setHook(created.ID)
	a.Log().Info("github hook registered", "hook_id", created.ID)
	return nil
}

func (a *Adapter) setHook(id int64) {
	a.mu.Lock()
	a.hookID = id
	a.mu.Unlock()
}

// Cleanup deletes the repository hook this adapter registered.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	id := a.hookID
	a.hookID = 0
	a.mu.Unlock()
	if id == 0 {
		return nil
	}
	err := a.HTTP.Do(ctx, http.MethodDelete, fmt.Sprintf("%s/hooks/%d", a.repoPath(), id), nil, nil)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("deleting github hook %d: %w", id, err)
	}
	return nil
}

// HandleWebhook verifies X-Hub-Signature-256 when a secret is configured and
// emits the issue or comment carried by the delivery.
func (a *Adapter) HandleWebhook(_ context.Context, header http.Header, body []byte) ([]byte, error) {
	if secret := a.Config(ConfigWebhookSecret); secret != "" {
		if !validSignature(secret, header.Get("X-Hub-Signature-256"), body) {
			return nil, fmt.Errorf("%w: github webhook signature mismatch", model.ErrAuth)
		}
	}

	var ev struct {
		Action  string     `json:"action"`
		Issue   *ghIssue   `json:"issue"`
		Comment *ghComment `json:"comment"`
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, model.TransformErrorf("github webhook body: %v", err)
	}

	switch header.Get("X-GitHub-Event") {
	case "issues":
		if ev.Issue == nil || len(ev.Issue.PullRequest) > 0 {
			return nil, nil
		}
		a.Emit(operationFor(ev.Action), issueItem(*ev.Issue))
	case "issue_comment":
		if ev.Comment == nil {
			return nil, nil
		}
		a.Emit(operationFor(ev.Action), commentItem(*ev.Comment))
	}
	return nil, nil
}

func operationFor(action string) model.Operation {
	switch action {
	case "opened", "created":
		return model.OpCreate
	case "deleted":
		return model.OpDelete
	}
	return model.OpUpdate
}

func validSignature(secret, got string, body []byte) bool {
	sig, ok := strings.CutPrefix(got, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
