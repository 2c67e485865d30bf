// Package trello is the board adapter. Boards sync as projects, cards as tasks
// and card comments as comments. Requests authenticate with the app key and
// member token as query parameters.
package trello

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // Trello signs webhooks with HMAC-SHA1.
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// DefaultURL is the Trello REST API.
	DefaultURL = "https://api.trello.com/1"

	ConfigAPIKey      = "api_key"
	ConfigAPISecret   = "api_secret"
	ConfigBoards      = "boards"
	ConfigDefaultList = "default_list"

	// maxWebhookBoards caps the boards a single integration subscribes to.
	maxWebhookBoards = 5
)

// Adapter syncs the open boards of one Trello member.
type Adapter struct {
	*adapter.Base

	mu      sync.Mutex
	hookIDs []string
}

// New is the adapter.Factory for the board platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: DefaultURL,
		Supported:  []model.EntityType{model.EntityProject, model.EntityTask, model.EntityComment},
		Authorize:  authorize,
	})
	return &Adapter{Base: b}, nil
}

func authorize(b *adapter.Base, r *http.Request) error {
	tok := b.AccessToken()
	if tok == "" {
		return fmt.Errorf("%w: no trello token", model.ErrAuth)
	}
	q := r.URL.Query()
	q.Set("key", b.Config(ConfigAPIKey))
	q.Set("token", tok)
	r.URL.RawQuery = q.Encode()
	return nil
}

func (a *Adapter) Platform() model.Platform { return model.PlatformBoard }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RequireConfig(ConfigAPIKey); err != nil {
		return err
	}
	return a.ValidateCredentials(ctx)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/members/me?fields=username", nil, &me); err != nil {
		return fmt.Errorf("validating trello credentials: %w", err)
	}
	a.Log().Debug("trello credentials valid", "username", me.Username)
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

// --- wire types --------------------------------------------------------------

type trelloBoard struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Desc             string    `json:"desc"`
	URL              string    `json:"url"`
	Closed           bool      `json:"closed"`
	DateLastActivity time.Time `json:"dateLastActivity"`
}

type trelloCard struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Desc             string     `json:"desc"`
	URL              string     `json:"url"`
	Closed           bool       `json:"closed"`
	DueComplete      bool       `json:"dueComplete"`
	Due              *time.Time `json:"due"`
	IDList           string     `json:"idList"`
	IDBoard          string     `json:"idBoard"`
	DateLastActivity time.Time  `json:"dateLastActivity"`
}

type trelloAction struct {
	ID            string     `json:"id"`
	Type          string     `json:"type"`
	Date          time.Time  `json:"date"`
	Data          actionData `json:"data"`
	MemberCreator struct {
		Username string `json:"username"`
	} `json:"memberCreator"`
}

type actionData struct {
	Text  string       `json:"text"`
	Card  *trelloCard  `json:"card"`
	Board *trelloBoard `json:"board"`

	// Action is the comment an updateComment or deleteComment refers to.
	Action *struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"action"`
}

// --- fetch -------------------------------------------------------------------

func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	boards, err := a.boards(ctx)
	if err != nil {
		return nil, err
	}
	var items []model.Item
	for _, b := range boards {
		if a.Syncs(model.EntityProject) {
			items = append(items, boardItem(b))
		}
		if a.Syncs(model.EntityTask) {
			var cards []trelloCard
			if err := a.HTTP.Do(ctx, http.MethodGet, "/boards/"+b.ID+"/cards/all", nil, &cards); err != nil {
				return nil, fmt.Errorf("listing cards of trello board %s: %w", b.ID, err)
			}
			for _, c := range cards {
				items = append(items, cardItem(c))
			}
		}
		if a.Syncs(model.EntityComment) {
			var actions []trelloAction
			if err := a.HTTP.Do(ctx, http.MethodGet, "/boards/"+b.ID+"/actions?filter=commentCard&limit=1000", nil, &actions); err != nil {
				return nil, fmt.Errorf("listing comments of trello board %s: %w", b.ID, err)
			}
			for _, act := range actions {
				if it, ok := commentItem(act); ok {
					items = append(items, it)
				}
			}
		}
	}
	return items, nil
}

// boards returns the member's open boards, restricted to the configured ids
// when set.
func (a *Adapter) boards(ctx context.Context) ([]trelloBoard, error) {
	var all []trelloBoard
	if err := a.HTTP.Do(ctx, http.MethodGet, "/members/me/boards?filter=open", nil, &all); err != nil {
		return nil, fmt.Errorf("listing trello boards: %w", err)
	}
	only := map[string]bool{}
	for _, id := range strings.Split(a.Config(ConfigBoards), ",") {
		if id = strings.TrimSpace(id); id != "" {
			only[id] = true
		}
	}
	if len(only) == 0 {
		return all, nil
	}
	var out []trelloBoard
	for _, b := range all {
		if only[b.ID] {
			out = append(out, b)
		}
	}
	return out, nil
}

func boardItem(b trelloBoard) model.Item {
	return model.Item{
		ID:   b.ID,
		Type: model.EntityProject,
		URL:  b.URL,
		Fields: map[string]any{
			"name":   b.Name,
			"desc":   b.Desc,
			"closed": b.Closed,
		},
		UpdatedAt: b.DateLastActivity,
	}
}

func cardItem(c trelloCard) model.Item {
	f := map[string]any{
		"name":        c.Name,
		"desc":        c.Desc,
		"closed":      c.Closed,
		"dueComplete": c.DueComplete,
		"idList":      c.IDList,
		"idBoard":     c.IDBoard,
	}
	if c.Due != nil {
		f["due"] = c.Due.UTC().Format(time.RFC3339)
	}
	return model.Item{
		ID:        c.ID,
		Type:      model.EntityTask,
		URL:       c.URL,
		Fields:    f,
		UpdatedAt: c.DateLastActivity,
	}
}

func commentItem(act trelloAction) (model.Item, bool) {
	if act.Data.Card == nil {
		return model.Item{}, false
	}
	return model.Item{
		ID:   act.ID,
		Type: model.EntityComment,
		URL:  fmt.Sprintf("https://trello.com/c/%s#comment-%s", act.Data.Card.ID, act.ID),
		Fields: map[string]any{
			"text":    act.Data.Text,
			"card_id": act.Data.Card.ID,
			"author":  act.MemberCreator.Username,
		},
		UpdatedAt: act.Date,
	}, true
}

// --- transform ---------------------------------------------------------------

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	rec := model.Record{Type: it.Type, ExternalURL: it.URL, UpdatedAt: it.UpdatedAt}
	switch it.Type {
	case model.EntityProject:
		rec.Title = it.String("name")
		rec.Body = it.String("desc")
	case model.EntityTask:
		rec.Title = it.String("name")
		rec.Body = it.String("desc")
		rec.Status = model.StatusOpen
		if it.Bool("dueComplete") {
			rec.Status = model.StatusDone
		}
		if due := it.String("due"); due != "" {
			t, err := time.Parse(time.RFC3339, due)
			if err != nil {
				return model.Record{}, model.TransformErrorf("trello card %s due date %q: %v", it.ID, due, err)
			}
			rec.DueDate = &t
		}
		rec.Extra = map[string]string{"list_id": it.String("idList"), "board_id": it.String("idBoard")}
		if it.Bool("closed") {
			rec.Extra["archived"] = "true"
		}
	case model.EntityComment:
		rec.Body = it.String("text")
		rec.Extra = map[string]string{"card_id": it.String("card_id"), "author": it.String("author")}
	default:
		return model.Record{}, model.UnsupportedType(model.PlatformBoard, it.Type)
	}
	return rec, nil
}

func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	switch rec.Type {
	case model.EntityProject:
		return model.Item{
			Type:      model.EntityProject,
			Fields:    map[string]any{"name": rec.Title, "desc": rec.Body},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	case model.EntityTask:
		if rec.Title == "" {
			return model.Item{}, model.TransformErrorf("trello card needs a name")
		}
		list := rec.Extra["list_id"]
		if list == "" {
			list = a.Config(ConfigDefaultList)
		}
		f := map[string]any{
			"name":        rec.Title,
			"desc":        rec.Body,
			"dueComplete": rec.Status == model.StatusDone,
			"idList":      list,
		}
		if rec.DueDate != nil {
			f["due"] = rec.DueDate.UTC().Format(time.RFC3339)
		}
		return model.Item{Type: model.EntityTask, Fields: f, UpdatedAt: rec.UpdatedAt}, nil
	case model.EntityComment:
		return model.Item{
			Type:      model.EntityComment,
			Fields:    map[string]any{"text": rec.Body, "card_id": rec.Extra["card_id"]},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	}
	return model.Item{}, model.UnsupportedType(model.PlatformBoard, rec.Type)
}

// --- apply -------------------------------------------------------------------

func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, existingID string, it model.Item) (model.Result, error) {
	switch {
	case it.Type == model.EntityProject && (op == model.OpCreate || op == model.OpUpdate):
		method, path := http.MethodPost, "/boards"
		if op == model.OpUpdate {
			method, path = http.MethodPut, "/boards/"+existingID
		}
		var b trelloBoard
		if err := a.HTTP.Do(ctx, method, path, map[string]string{"name": it.String("name"), "desc": it.String("desc")}, &b); err != nil {
			return model.Result{}, fmt.Errorf("%w: writing trello board: %w", model.ErrApply, err)
		}
		return model.Result{ID: b.ID, URL: b.URL}, nil

	case it.Type == model.EntityTask && (op == model.OpCreate || op == model.OpUpdate):
		body := map[string]any{
			"name":        it.String("name"),
			"desc":        it.String("desc"),
			"dueComplete": it.Bool("dueComplete"),
		}
		if due := it.String("due"); due != "" {
			body["due"] = due
		}
		method, path := http.MethodPut, "/cards/"+existingID
		if op == model.OpCreate {
			list := it.String("idList")
			if list == "" {
				return model.Result{}, model.ApplyErrorf("trello card has no list; set %q", ConfigDefaultList)
			}
			body["idList"] = list
			method, path = http.MethodPost, "/cards"
		}
		var c trelloCard
		if err := a.HTTP.Do(ctx, method, path, body, &c); err != nil {
			return model.Result{}, fmt.Errorf("%w: writing trello card: %w", model.ErrApply, err)
		}
		return model.Result{ID: c.ID, URL: c.URL}, nil

	case it.Type == model.EntityComment && op == model.OpCreate:
		card := it.String("card_id")
		if card == "" {
			return model.Result{}, model.ApplyErrorf("trello comment has no card")
		}
		var act trelloAction
		if err := a.HTTP.Do(ctx, http.MethodPost, "/cards/"+card+"/actions/comments",
			map[string]string{"text": it.String("text")}, &act); err != nil {
			return model.Result{}, fmt.Errorf("%w: posting trello comment: %w", model.ErrApply, err)
		}
		act.Data.Card = &trelloCard{ID: card}
		item, _ := commentItem(act)
		return model.Result{ID: item.ID, URL: item.URL}, nil

	case it.Type == model.EntityComment && op == model.OpUpdate:
		card := it.String("card_id")
		if card == "" {
			return model.Result{}, model.ApplyErrorf("trello comment has no card")
		}
		path := "/cards/" + card + "/actions/" + existingID + "/comments"
		if err := a.HTTP.Do(ctx, http.MethodPut, path, map[string]string{"text": it.String("text")}, nil); err != nil {
			return model.Result{}, fmt.Errorf("%w: updating trello comment: %w", model.ErrApply, err)
		}
		item, _ := commentItem(trelloAction{ID: existingID, Data: actionData{Card: &trelloCard{ID: card}}})
		return model.Result{ID: item.ID, URL: item.URL}, nil
	}
	return model.Result{}, model.ApplyErrorf("trello does not support %s of %s", op, it.Type)
}

// --- webhooks ----------------------------------------------------------------

type trelloWebhook struct {
	ID          string `json:"id"`
	IDModel     string `json:"idModel"`
	CallbackURL string `json:"callbackURL"`
}

// SetupWebhooks subscribes up to maxWebhookBoards boards, reusing webhooks
// the token already holds for the same board and callback.
func (a *Adapter) SetupWebhooks(ctx context.Context) error {
	target := a.WebhookURL()
	if target == "" {
		a.Log().Debug("no public webhook url, skipping trello webhooks")
		return nil
	}
	boards, err := a.boards(ctx)
	if err != nil {
		return err
	}
	if len(boards) > maxWebhookBoards {
		a.Log().Warn("limiting trello webhooks", "boards", len(boards), "limit", maxWebhookBoards)
		boards = boards[:maxWebhookBoards]
	}

	var tokens []struct {
		Webhooks []trelloWebhook `json:"webhooks"`
	}
	if err := a.HTTP.Do(ctx, http.MethodGet, "/members/me/tokens?webhooks=true", nil, &tokens); err != nil {
		return fmt.Errorf("listing trello webhooks: %w", err)
	}
	existing := map[string]string{}
	for _, t := range tokens {
		for _, h := range t.Webhooks {
			if h.CallbackURL == target {
				existing[h.IDModel] = h.ID
			}
		}
	}

	var ids []string
	for _, b := range boards {
		if id, ok := existing[b.ID]; ok {
			ids = append(ids, id)
			continue
		}
		req := map[string]string{
			"callbackURL": target,
			"idModel":     b.ID,
			"description": "platformsync " + a.IntegrationID(),
		}
		var created trelloWebhook
		if err := a.HTTP.Do(ctx, http.MethodPost, "/webhooks", req, &created); err != nil {
			return fmt.Errorf("creating trello webhook for board %s: %w", b.ID, err)
		}
		ids = append(ids, created.ID)
	}
	a.mu.Lock()
	a.hookIDs = ids
	a.mu.Unlock()
	a.Log().Info("trello webhooks registered", "count", len(ids))
	return nil
}

// Cleanup deletes the board webhooks.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	ids := a.hookIDs
	a.hookIDs = nil
	a.mu.Unlock()
	var errs []error
	for _, id := range ids {
		err := a.HTTP.Do(ctx, http.MethodDelete, "/webhooks/"+id, nil, nil)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			errs = append(errs, fmt.Errorf("deleting trello webhook %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// HandleWebhook verifies X-Trello-Webhook when an app secret is configured,
// then emits the card, board or comment the action touched. Card actions carry
// partial cards, so the card is re-read.
func (a *Adapter) HandleWebhook(ctx context.Context, header http.Header, body []byte) ([]byte, error) {
	if secret := a.Config(ConfigAPISecret); secret != "" {
		if !validSignature(secret, a.WebhookURL(), header.Get("X-Trello-Webhook"), body) {
			return nil, fmt.Errorf("%w: trello webhook signature mismatch", model.ErrAuth)
		}
	}

	var d struct {
		Action trelloAction `json:"action"`
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, model.TransformErrorf("trello webhook body: %v", err)
	}
	act := d.Action

	switch act.Type {
	case "createCard", "updateCard":
		if act.Data.Card == nil {
			return nil, model.TransformErrorf("trello %s without card", act.Type)
		}
		var c trelloCard
		if err := a.HTTP.Do(ctx, http.MethodGet, "/cards/"+url.PathEscape(act.Data.Card.ID), nil, &c); err != nil {
			return nil, fmt.Errorf("reading trello card %s: %w", act.Data.Card.ID, err)
		}
		op := model.OpUpdate
		if act.Type == "createCard" {
			op = model.OpCreate
		}
		a.Emit(op, cardItem(c))
	case "deleteCard":
		if act.Data.Card != nil {
			a.Emit(model.OpDelete, model.Item{ID: act.Data.Card.ID, Type: model.EntityTask})
		}
	case "updateBoard":
		if act.Data.Board != nil {
			a.Emit(model.OpUpdate, boardItem(*act.Data.Board))
		}
	case "commentCard", "updateComment", "deleteComment":
		op := map[string]model.Operation{
			"commentCard":   model.OpCreate,
			"updateComment": model.OpUpdate,
			"deleteComment": model.OpDelete,
		}[act.Type]
		if ref := act.Data.Action; ref != nil {
			act.ID = ref.ID
			act.Data.Text = ref.Text
		}
		if it, ok := commentItem(act); ok {
			a.Emit(op, it)
		}
	}
	return nil, nil
}

// validSignature checks base64(hmac_sha1(secret, body+callbackURL)).
func validSignature(secret, callbackURL, got string, body []byte) bool {
	want, err := base64.StdEncoding.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(callbackURL))
	return hmac.Equal(mac.Sum(nil), want)
}
