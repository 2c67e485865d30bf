// Package slack is the chat adapter. Channels sync as projects alongside
// their messages, workspace members and shared files; inbound changes arrive
// through the Events API.
package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/platformsync/internal/adapter"
	"github.com/njoerd114/platformsync/internal/model"
)

const (
	// DefaultURL is the Slack Web API.
	DefaultURL = "https://slack.com/api"
	// TokenURL is Slack's OAuth v2 token endpoint.
	TokenURL = "https://slack.com/api/oauth.v2.access"

	ConfigTeam           = "team"
	ConfigChannels       = "channels"
	ConfigDefaultChannel = "default_channel"
	ConfigSigningSecret  = "signing_secret"

	pageLimit   = 200
	maxPages    = 50
	maxChannels = 10

	// signatureMaxAge bounds the replay window of signed Events API requests.
	signatureMaxAge = 5 * time.Minute
)

// Adapter syncs one Slack workspace.
type Adapter struct {
	*adapter.Base
	now func() time.Time
}

// New is the adapter.Factory for the chat platform.
func New(d adapter.Deps) (adapter.Adapter, error) {
	b := adapter.NewBase(d, adapter.BaseOptions{
		DefaultURL: DefaultURL,
		Supported:  []model.EntityType{model.EntityProject, model.EntityMessage, model.EntityUser, model.EntityFile},
	})
	return &Adapter{Base: b, now: time.Now}, nil
}

func (a *Adapter) Platform() model.Platform { return model.PlatformChat }

func (a *Adapter) Initialize(ctx context.Context) error {
	if err := a.RequireConfig(ConfigTeam); err != nil {
		return err
	}
	return a.ValidateCredentials(ctx)
}

func (a *Adapter) ValidateCredentials(ctx context.Context) error {
	var out struct {
		response
		TeamID string `json:"team_id"`
		UserID string `json:"user_id"`
	}
	if err := a.call(ctx, "auth.test", nil, &out); err != nil {
		return fmt.Errorf("validating slack credentials: %w", err)
	}
	a.Log().Debug("slack credentials valid", "team_id", out.TeamID)
	return nil
}

func (a *Adapter) CheckHealth(ctx context.Context) model.Health {
	return adapter.HealthOf(a.ValidateCredentials(ctx))
}

// Cleanup is a no-op: Events API subscriptions belong to the Slack app.
func (a *Adapter) Cleanup(context.Context) error { return nil }

// --- Web API -----------------------------------------------------------------

type response struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Metadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (r *response) result() *response { return r }

type resulter interface{ result() *response }

// call invokes a Web API method. Reads go as GET with query parameters,
// writes as POST with a JSON body.
func (a *Adapter) call(ctx context.Context, method string, params any, out resulter) error {
	var err error
	switch p := params.(type) {
	case nil:
		err = a.HTTP.Do(ctx, http.MethodGet, "/"+method, nil, out)
	case url.Values:
		err = a.HTTP.Do(ctx, http.MethodGet, "/"+method+"?"+p.Encode(), nil, out)
	default:
		err = a.HTTP.Do(ctx, http.MethodPost, "/"+method, p, out)
	}
	if err != nil {
		return err
	}
	if r := out.result(); !r.OK {
		return apiError(method, r.Error)
	}
	return nil
}

func apiError(method, code string) error {
	switch code {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return fmt.Errorf("%w: slack %s: %s", model.ErrAuth, method, code)
	case "ratelimited":
		return fmt.Errorf("%w: slack %s", model.ErrRateLimited, method)
	}
	return fmt.Errorf("slack %s: %s", method, code)
}

// --- wire types --------------------------------------------------------------

type slackChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
	Created   int64  `json:"created"`
	Purpose   struct {
		Value string `json:"value"`
	} `json:"purpose"`
}

type slackMessage struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
	User     string `json:"user"`
	Text     string `json:"text"`
	Edited   *struct {
		TS string `json:"ts"`
	} `json:"edited,omitempty"`
}

type slackUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RealName string `json:"real_name"`
	Deleted  bool   `json:"deleted"`
	IsBot    bool   `json:"is_bot"`
	TZ       string `json:"tz"`
	Updated  int64  `json:"updated"`
	Profile  struct {
		Email string `json:"email"`
	} `json:"profile"`
}

type slackFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Title      string `json:"title"`
	Mimetype   string `json:"mimetype"`
	URLPrivate string `json:"url_private"`
	User       string `json:"user"`
	Created    int64  `json:"created"`
}

// --- fetch -------------------------------------------------------------------

func (a *Adapter) FetchExternalData(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	want := a.Syncs

	if want(model.EntityProject) || want(model.EntityMessage) {
		channels, err := a.channels(ctx)
		if err != nil {
			return nil, err
		}
		if want(model.EntityProject) {
			for _, c := range channels {
				items = append(items, a.channelItem(c))
			}
		}
		if want(model.EntityMessage) {
			msgs, err := a.messages(ctx, channels)
			if err != nil {
				return nil, err
			}
			items = append(items, msgs...)
		}
	}
	if want(model.EntityUser) {
		users, err := a.users(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, users...)
	}
	if want(model.EntityFile) {
		files, err := a.files(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, files...)
	}
	return items, nil
}

// channels lists conversations, restricted to the configured channel ids
// when set.
func (a *Adapter) channels(ctx context.Context) ([]slackChannel, error) {
	only := map[string]bool{}
	for _, id := range strings.Split(a.Config(ConfigChannels), ",") {
		if id = strings.TrimSpace(id); id != "" {
			only[id] = true
		}
	}

	var out []slackChannel
	err := a.paginate(ctx, "conversations.list", url.Values{"types": {"public_channel,private_channel"}}, func(raw json.RawMessage) error {
		var page struct {
			Channels []slackChannel `json:"channels"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		for _, c := range page.Channels {
			if len(only) == 0 || only[c.ID] {
				out = append(out, c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing slack channels: %w", err)
	}
	return out, nil
}

// messages reads the history of at most maxChannels channels.
func (a *Adapter) messages(ctx context.Context, channels []slackChannel) ([]model.Item, error) {
	if len(channels) > maxChannels {
		a.Log().Warn("limiting message sync", "channels", len(channels), "limit", maxChannels)
		channels = channels[:maxChannels]
	}
	var items []model.Item
	for _, c := range channels {
		err := a.paginate(ctx, "conversations.history", url.Values{"channel": {c.ID}}, func(raw json.RawMessage) error {
			var page struct {
				Messages []slackMessage `json:"messages"`
			}
			if err := json.Unmarshal(raw, &page); err != nil {
				return err
			}
			for _, m := range page.Messages {
				if m.Subtype != "" && m.Subtype != "thread_broadcast" {
					continue
				}
				items = append(items, a.messageItem(c.ID, m))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reading slack channel %s: %w", c.ID, err)
		}
	}
	return items, nil
}

func (a *Adapter) users(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	err := a.paginate(ctx, "users.list", url.Values{}, func(raw json.RawMessage) error {
		var page struct {
			Members []slackUser `json:"members"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		for _, u := range page.Members {
			if u.Deleted || u.IsBot {
				continue
			}
			items = append(items, a.userItem(u))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing slack users: %w", err)
	}
	return items, nil
}

func (a *Adapter) files(ctx context.Context) ([]model.Item, error) {
	var items []model.Item
	for page := 1; page <= maxPages; page++ {
		var out struct {
			response
			Files  []slackFile `json:"files"`
			Paging struct {
				Pages int `json:"pages"`
			} `json:"paging"`
		}
		q := url.Values{"count": {"100"}, "page": {strconv.Itoa(page)}}
		if err := a.call(ctx, "files.list", q, &out); err != nil {
			return nil, fmt.Errorf("listing slack files: %w", err)
		}
		for _, f := range out.Files {
			items = append(items, fileItem(f))
		}
		if page >= out.Paging.Pages {
			break
		}
	}
	return items, nil
}

// paginate follows next_cursor, handing each raw page to fn.
func (a *Adapter) paginate(ctx context.Context, method string, q url.Values, fn func(json.RawMessage) error) error {
	q.Set("limit", strconv.Itoa(pageLimit))
	for range maxPages {
		var raw json.RawMessage
		if err := a.HTTP.Do(ctx, http.MethodGet, "/"+method+"?"+q.Encode(), nil, &raw); err != nil {
			return err
		}
		var meta response
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decoding slack %s: %w", method, err)
		}
		if !meta.OK {
			return apiError(method, meta.Error)
		}
		if err := fn(raw); err != nil {
			return fmt.Errorf("decoding slack %s: %w", method, err)
		}
		if meta.Metadata.NextCursor == "" {
			return nil
		}
		q.Set("cursor", meta.Metadata.NextCursor)
	}
	a.Log().Warn("pagination limit reached", "method", method, "pages", maxPages)
	return nil
}

func (a *Adapter) channelItem(c slackChannel) model.Item {
	return model.Item{
		ID:   c.ID,
		Type: model.EntityProject,
		URL:  fmt.Sprintf("https://%s.slack.com/archives/%s", a.Config(ConfigTeam), c.ID),
		Fields: map[string]any{
			"name":       c.Name,
			"purpose":    c.Purpose.Value,
			"is_private": c.IsPrivate,
		},
		UpdatedAt: time.Unix(c.Created, 0).UTC(),
	}
}

// messageItem keys messages by channel and ts, which chat.update needs.
func (a *Adapter) messageItem(channel string, m slackMessage) model.Item {
	updated := m.TS
	if m.Edited != nil {
		updated = m.Edited.TS
	}
	return model.Item{
		ID:   channel + ":" + m.TS,
		Type: model.EntityMessage,
		URL:  fmt.Sprintf("https://%s.slack.com/archives/%s/p%s", a.Config(ConfigTeam), channel, strings.ReplaceAll(m.TS, ".", "")),
		Fields: map[string]any{
			"channel":   channel,
			"text":      m.Text,
			"user":      m.User,
			"thread_ts": m.ThreadTS,
		},
		UpdatedAt: parseTS(updated),
	}
}

func (a *Adapter) userItem(u slackUser) model.Item {
	return model.Item{
		ID:   u.ID,
		Type: model.EntityUser,
		URL:  fmt.Sprintf("https://%s.slack.com/team/%s", a.Config(ConfigTeam), u.ID),
		Fields: map[string]any{
			"name":      u.Name,
			"real_name": u.RealName,
			"email":     u.Profile.Email,
			"tz":        u.TZ,
		},
		UpdatedAt: time.Unix(u.Updated, 0).UTC(),
	}
}

func fileItem(f slackFile) model.Item {
	return model.Item{
		ID:   f.ID,
		Type: model.EntityFile,
		URL:  f.URLPrivate,
		Fields: map[string]any{
			"name":     f.Name,
			"title":    f.Title,
			"mimetype": f.Mimetype,
			"user":     f.User,
		},
		UpdatedAt: time.Unix(f.Created, 0).UTC(),
	}
}

// parseTS converts a Slack "seconds.micros" timestamp.
func parseTS(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	us, _ := strconv.ParseInt((frac + "000000")[:6], 10, 64)
	return time.Unix(s, us*int64(time.Microsecond)).UTC()
}

// --- transform ---------------------------------------------------------------

func (a *Adapter) TransformFromExternal(it model.Item) (model.Record, error) {
	rec := model.Record{Type: it.Type, ExternalURL: it.URL, UpdatedAt: it.UpdatedAt}
	switch it.Type {
	case model.EntityProject:
		rec.Title = it.String("name")
		rec.Body = it.String("purpose")
	case model.EntityMessage:
		rec.Body = it.String("text")
		rec.Assignee = it.String("user")
		rec.Extra = map[string]string{"channel": it.String("channel"), "thread_ts": it.String("thread_ts")}
	case model.EntityUser:
		rec.Title = it.String("real_name")
		if rec.Title == "" {
			rec.Title = it.String("name")
		}
		rec.Extra = map[string]string{"email": it.String("email"), "username": it.String("name")}
	case model.EntityFile:
		rec.Title = it.String("title")
		if rec.Title == "" {
			rec.Title = it.String("name")
		}
		rec.Extra = map[string]string{"mimetype": it.String("mimetype")}
	default:
		return model.Record{}, model.UnsupportedType(model.PlatformChat, it.Type)
	}
	return rec, nil
}

var channelNameUnsafe = regexp.MustCompile(`[^a-z0-9_-]+`)

func (a *Adapter) TransformToExternal(rec model.Record) (model.Item, error) {
	switch rec.Type {
	case model.EntityProject:
		name := channelNameUnsafe.ReplaceAllString(strings.ToLower(rec.Title), "-")
		if name = strings.Trim(name, "-"); name == "" {
			return model.Item{}, model.TransformErrorf("project %q has no usable channel name", rec.Title)
		}
		if len(name) > 80 {
			name = name[:80]
		}
		return model.Item{
			Type:      model.EntityProject,
			Fields:    map[string]any{"name": name, "purpose": rec.Body},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	case model.EntityMessage:
		channel := rec.Extra["channel"]
		if channel == "" {
			channel = a.Config(ConfigDefaultChannel)
		}
		return model.Item{
			Type:      model.EntityMessage,
			Fields:    map[string]any{"channel": channel, "text": rec.Body, "thread_ts": rec.Extra["thread_ts"]},
			UpdatedAt: rec.UpdatedAt,
		}, nil
	}
	return model.Item{}, model.UnsupportedType(model.PlatformChat, rec.Type)
}

// --- apply -------------------------------------------------------------------

func (a *Adapter) ApplyToExternal(ctx context.Context, op model.Operation, existingID string, it model.Item) (model.Result, error) {
	switch {
	case it.Type == model.EntityMessage && op == model.OpCreate:
		channel := it.String("channel")
		if channel == "" {
			return model.Result{}, model.ApplyErrorf("slack message has no channel")
		}
		body := map[string]string{"channel": channel, "text": it.String("text")}
		if ts := it.String("thread_ts"); ts != "" {
			body["thread_ts"] = ts
		}
		var out struct {
			response
			Channel string `json:"channel"`
			TS      string `json:"ts"`
		}
		if err := a.call(ctx, "chat.postMessage", body, &out); err != nil {
			return model.Result{}, fmt.Errorf("%w: posting slack message: %w", model.ErrApply, err)
		}
		item := a.messageItem(out.Channel, slackMessage{TS: out.TS})
		return model.Result{ID: item.ID, URL: item.URL}, nil

	case it.Type == model.EntityMessage && op == model.OpUpdate:
		channel, ts, ok := strings.Cut(existingID, ":")
		if !ok {
			return model.Result{}, model.ApplyErrorf("malformed slack message id %q", existingID)
		}
		var out struct {
			response
		}
		body := map[string]string{"channel": channel, "ts": ts, "text": it.String("text")}
		if err := a.call(ctx, "chat.update", body, &out); err != nil {
			return model.Result{}, fmt.Errorf("%w: updating slack message: %w", model.ErrApply, err)
		}
		item := a.messageItem(channel, slackMessage{TS: ts})
		return model.Result{ID: item.ID, URL: item.URL}, nil

	case it.Type == model.EntityProject && op == model.OpCreate:
		var out struct {
			response
			Channel slackChannel `json:"channel"`
		}
		body := map[string]any{"name": it.String("name"), "is_private": false}
		if err := a.call(ctx, "conversations.create", body, &out); err != nil {
			return model.Result{}, fmt.Errorf("%w: creating slack channel: %w", model.ErrApply, err)
		}
		if purpose := it.String("purpose"); purpose != "" {
			var ack struct{ response }
			if err := a.call(ctx, "conversations.setPurpose",
				map[string]string{"channel": out.Channel.ID, "purpose": purpose}, &ack); err != nil {
				a.Log().Warn("setting slack channel purpose", "channel", out.Channel.ID, "error", err)
			}
		}
		item := a.channelItem(out.Channel)
		return model.Result{ID: item.ID, URL: item.URL}, nil
	}
	return model.Result{}, model.ApplyErrorf("slack does not support %s of %s", op, it.Type)
}

// --- Events API --------------------------------------------------------------

type envelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	Event     json.RawMessage `json:"event"`
}

type event struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype"`
	Channel   any           `json:"channel"`
	TS        string        `json:"ts"`
	Text      string        `json:"text"`
	User      string        `json:"user"`
	ThreadTS  string        `json:"thread_ts"`
	DeletedTS string        `json:"deleted_ts"`
	Message   *slackMessage `json:"message"`
}

// HandleWebhook verifies the Slack request signature when a signing secret is
// configured, answers url_verification challenges and emits message and
// channel events.
func (a *Adapter) HandleWebhook(_ context.Context, header http.Header, body []byte) ([]byte, error) {
	if secret := a.Config(ConfigSigningSecret); secret != "" {
		if err := a.verify(secret, header, body); err != nil {
			return nil, err
		}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, model.TransformErrorf("slack event body: %v", err)
	}
	switch env.Type {
	case "url_verification":
		reply, _ := json.Marshal(map[string]string{"challenge": env.Challenge})
		return reply, nil
	case "event_callback":
	default:
		return nil, nil
	}

	var ev event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, model.TransformErrorf("slack event: %v", err)
	}
	switch ev.Type {
	case "message":
		a.emitMessage(ev)
	case "channel_created", "channel_rename":
		raw, _ := json.Marshal(ev.Channel)
		var c slackChannel
		if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
			return nil, model.TransformErrorf("slack %s event without channel", ev.Type)
		}
		op := model.OpUpdate
		if ev.Type == "channel_created" {
			op = model.OpCreate
		}
		a.Emit(op, a.channelItem(c))
	}
	return nil, nil
}

func (a *Adapter) emitMessage(ev event) {
	channel, _ := ev.Channel.(string)
	switch ev.Subtype {
	case "":
		a.Emit(model.OpCreate, a.messageItem(channel, slackMessage{TS: ev.TS, Text: ev.Text, User: ev.User, ThreadTS: ev.ThreadTS}))
	case "message_changed":
		if ev.Message != nil {
			a.Emit(model.OpUpdate, a.messageItem(channel, *ev.Message))
		}
	case "message_deleted":
		a.Emit(model.OpDelete, a.messageItem(channel, slackMessage{TS: ev.DeletedTS}))
	}
}

// verify checks X-Slack-Signature: v0=hex(hmac_sha256(secret, "v0:"+ts+":"+body)).
func (a *Adapter) verify(secret string, header http.Header, body []byte) error {
	ts := header.Get("X-Slack-Request-Timestamp")
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: missing slack request timestamp", model.ErrAuth)
	}
	if age := a.now().Sub(time.Unix(sec, 0)); age > signatureMaxAge || age < -signatureMaxAge {
		return fmt.Errorf("%w: stale slack request timestamp", model.ErrAuth)
	}
	got, ok := strings.CutPrefix(header.Get("X-Slack-Signature"), "v0=")
	if !ok {
		return fmt.Errorf("%w: missing slack signature", model.ErrAuth)
	}
	want, err := hex.DecodeString(got)
	if err != nil {
		return fmt.Errorf("%w: malformed slack signature", model.ErrAuth)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return fmt.Errorf("%w: slack signature mismatch", model.ErrAuth)
	}
	return nil
}
