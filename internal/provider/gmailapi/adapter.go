package gmailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"flowdesk-sync/internal/credential"
	"flowdesk-sync/internal/provider"
)

// Adapter syncs a mailbox through the history API. The cursor is the
// last processed history id; the provider expires history after about
// a week, which surfaces as Page.Invalidated and sends the caller back
// through the empty-cursor bootstrap path.
type Adapter struct {
	svc       *gmail.Service
	pageSize  int
	relistCap int
}

func New(ctx context.Context, material *credential.Material, pageSize, relistCap int) (*Adapter, error) {
	if material.TokenSource == nil {
		return nil, &provider.CredentialError{Op: "build mail service", Err: errors.New("oauth credential required")}
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if relistCap <= 0 {
		relistCap = 500
	}

	client := oauth2.NewClient(ctx, material.TokenSource)
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create mail service: %w", err)
	}
	return &Adapter{svc: svc, pageSize: pageSize, relistCap: relistCap}, nil
}

// FetchPage lists history records after the cursor. An empty cursor
// runs the bounded bootstrap listing and seeds the cursor from the
// current profile history id; the same path recovers from expiry.
func (a *Adapter) FetchPage(ctx context.Context, cursor provider.Cursor) (provider.Page, error) {
	if cursor == "" {
		return a.bootstrap(ctx)
	}

	startID, err := strconv.ParseUint(string(cursor), 10, 64)
	if err != nil {
		// Unreadable cursor behaves like an expired one.
		return provider.Page{Invalidated: true}, nil
	}

	var messageIDs []string
	nextCursor := cursor
	pageToken := ""
	for {
		call := a.svc.Users.History.List("me").
			StartHistoryId(startID).
			HistoryTypes("messageAdded").
			MaxResults(int64(a.pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				return provider.Page{Invalidated: true}, nil
			}
			return provider.Page{}, provider.Classify("history list", err)
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil {
					messageIDs = append(messageIDs, added.Message.Id)
				}
			}
		}
		if resp.HistoryId > 0 {
			nextCursor = provider.Cursor(strconv.FormatUint(resp.HistoryId, 10))
		}

		pageToken = resp.NextPageToken
		if pageToken == "" || len(messageIDs) >= a.pageSize {
			break
		}
	}

	records, err := a.fetchMessages(ctx, dedupe(messageIDs))
	if err != nil {
		return provider.Page{}, err
	}
	return provider.Page{Records: records, NextCursor: nextCursor}, nil
}

// bootstrap lists the newest messages up to the relist cap and reseeds
// the cursor from the profile history id.
func (a *Adapter) bootstrap(ctx context.Context) (provider.Page, error) {
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return provider.Page{}, provider.Classify("get profile", err)
	}

	var messageIDs []string
	pageToken := ""
	for len(messageIDs) < a.relistCap {
		call := a.svc.Users.Messages.List("me").
			LabelIds("INBOX").
			MaxResults(int64(a.pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return provider.Page{}, provider.Classify("message list", err)
		}
		for _, m := range resp.Messages {
			messageIDs = append(messageIDs, m.Id)
			if len(messageIDs) >= a.relistCap {
				break
			}
		}
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	records, err := a.fetchMessages(ctx, messageIDs)
	if err != nil {
		return provider.Page{}, err
	}
	return provider.Page{
		Records:    records,
		NextCursor: provider.Cursor(strconv.FormatUint(profile.HistoryId, 10)),
	}, nil
}

func (a *Adapter) fetchMessages(ctx context.Context, ids []string) ([]provider.ChangeRecord, error) {
	records := make([]provider.ChangeRecord, 0, len(ids))
	for _, id := range ids {
		msg, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				// Deleted between history listing and fetch.
				continue
			}
			return nil, provider.Classify("message get", err)
		}
		records = append(records, extractMessage(msg))
	}
	return records, nil
}

// MarkRead clears the UNREAD label from one message.
func (a *Adapter) MarkRead(ctx context.Context, ref string) error {
	req := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}
	if _, err := a.svc.Users.Messages.Modify("me", ref, req).Context(ctx).Do(); err != nil {
		return provider.Classify("mark read", err)
	}
	return nil
}

// SendReply sends a plain-text reply threaded onto the original
// message.
func (a *Adapter) SendReply(ctx context.Context, reply provider.Reply) error {
	var msg bytes.Buffer
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(reply.To, ", ")))
	encodedSubject := fmt.Sprintf("=?utf-8?B?%s?=", base64.StdEncoding.EncodeToString([]byte(reply.Subject)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", encodedSubject))
	if reply.InReplyTo != "" {
		msg.WriteString(fmt.Sprintf("In-Reply-To: <%s>\r\n", strings.Trim(reply.InReplyTo, "<>")))
		msg.WriteString(fmt.Sprintf("References: <%s>\r\n", strings.Trim(reply.InReplyTo, "<>")))
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(reply.Body)

	gm := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(msg.Bytes()),
		ThreadId: reply.ThreadID,
	}
	if _, err := a.svc.Users.Messages.Send("me", gm).Context(ctx).Do(); err != nil {
		return provider.Classify("send reply", err)
	}
	return nil
}

// Watch registers push notifications on the inbox. Any existing watch
// is stopped first; the provider allows only one per mailbox.
func (a *Adapter) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	_ = a.svc.Users.Stop("me").Context(ctx).Do()

	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := a.svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return 0, time.Time{}, provider.Classify("watch", err)
	}
	return resp.HistoryId, time.UnixMilli(resp.Expiration), nil
}

func (a *Adapter) StopWatch(ctx context.Context) error {
	if err := a.svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return provider.Classify("stop watch", err)
	}
	return nil
}

func extractMessage(msg *gmail.Message) provider.ChangeRecord {
	rec := provider.ChangeRecord{
		Kind:        provider.RecordUpsert,
		Source:      "mail",
		Provider:    "gmail",
		ProtocolRef: msg.Id,
		Container:   "INBOX",
	}

	raw := map[string]interface{}{
		"id":         msg.Id,
		"thread_id":  msg.ThreadId,
		"label_ids":  msg.LabelIds,
		"history_id": msg.HistoryId,
	}

	if msg.Payload != nil {
		rec.Name = getHeader(msg.Payload.Headers, "Subject")
		rec.StableID = strings.Trim(getHeader(msg.Payload.Headers, "Message-ID"), "<>")
		if rec.StableID == "" {
			rec.StableID = strings.Trim(getHeader(msg.Payload.Headers, "Message-Id"), "<>")
		}
		if rec.StableID != "" {
			raw["message_id"] = "<" + rec.StableID + ">"
		}

		if from := getHeader(msg.Payload.Headers, "From"); from != "" {
			rec.Participants = append(rec.Participants, from)
		}
		if to := getHeader(msg.Payload.Headers, "To"); to != "" {
			rec.Participants = append(rec.Participants, to)
		}
		rec.Body = getBody(msg.Payload)
	}
	if rec.StableID == "" {
		rec.StableID = "gmail:" + msg.Id
	}

	if msg.InternalDate > 0 {
		d := time.UnixMilli(msg.InternalDate)
		rec.StartsAt = &d
	}

	rec.Raw = raw
	return rec
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// getBody walks the payload tree and returns the first text part,
// preferring text/plain over text/html.
func getBody(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}
	if payload.Body != nil && payload.Body.Data != "" && strings.HasPrefix(payload.MimeType, "text/") {
		if decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data); err == nil {
			return string(decoded)
		}
	}

	var html string
	for _, part := range payload.Parts {
		switch {
		case part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "":
			if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				return string(decoded)
			}
		case part.MimeType == "text/html" && part.Body != nil && part.Body.Data != "":
			if decoded, err := base64.URLEncoding.DecodeString(part.Body.Data); err == nil {
				html = string(decoded)
			}
		case len(part.Parts) > 0:
			if nested := getBody(part); nested != "" {
				return nested
			}
		}
	}
	return html
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
