package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"flowdesk-sync/internal/credential"
	"flowdesk-sync/internal/provider"
)

// Adapter syncs one IMAP mailbox incrementally by UID. The cursor is
// "<uidvalidity>:<last uid>"; a UIDVALIDITY change invalidates every
// stored UID, which surfaces as Page.Invalidated.
type Adapter struct {
	host     string
	identity string
	folder   string
	material *credential.Material
	pageSize int
}

func New(host, identity, folder string, material *credential.Material, pageSize int) *Adapter {
	if folder == "" {
		folder = "INBOX"
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Adapter{
		host:     host,
		identity: identity,
		folder:   folder,
		material: material,
		pageSize: pageSize,
	}
}

func (a *Adapter) FetchPage(ctx context.Context, cursor provider.Cursor) (provider.Page, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return provider.Page{}, err
	}
	defer c.Logout()

	mbox, err := c.Select(a.folder, true)
	if err != nil {
		return provider.Page{}, &provider.TransientError{Op: "select " + a.folder, Err: err}
	}

	validity, sinceUID, ok := splitCursor(cursor)
	if ok && validity != mbox.UidValidity {
		return provider.Page{Invalidated: true}, nil
	}

	if !ok {
		// First sync (or recovery): newest window by sequence number.
		return a.fetchRecent(c, mbox)
	}
	return a.fetchSince(c, mbox, sinceUID)
}

// fetchSince pulls UIDs strictly greater than sinceUID. The range
// n:* returns the highest message even when n exceeds the mailbox
// maximum, so results are post-filtered against the cursor.
func (a *Adapter) fetchSince(c *client.Client, mbox *imap.MailboxStatus, sinceUID uint32) (provider.Page, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(sinceUID+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, a.pageSize)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	page := provider.Page{NextCursor: joinCursor(mbox.UidValidity, sinceUID)}
	maxUID := sinceUID
	for msg := range messages {
		if msg.Uid <= sinceUID || len(page.Records) >= a.pageSize {
			continue
		}
		page.Records = append(page.Records, a.extract(msg, section))
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
	}
	if err := <-done; err != nil {
		return provider.Page{}, &provider.TransientError{Op: "uid fetch", Err: err}
	}

	page.NextCursor = joinCursor(mbox.UidValidity, maxUID)
	return page, nil
}

// fetchRecent lists the newest pageSize messages by sequence number and
// seeds the cursor at the highest UID seen.
func (a *Adapter) fetchRecent(c *client.Client, mbox *imap.MailboxStatus) (provider.Page, error) {
	if mbox.Messages == 0 {
		return provider.Page{NextCursor: joinCursor(mbox.UidValidity, 0)}, nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(a.pageSize) {
		from = mbox.Messages - uint32(a.pageSize) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, a.pageSize)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	page := provider.Page{}
	var maxUID uint32
	for msg := range messages {
		page.Records = append(page.Records, a.extract(msg, section))
		if msg.Uid > maxUID {
			maxUID = msg.Uid
		}
	}
	if err := <-done; err != nil {
		return provider.Page{}, &provider.TransientError{Op: "fetch recent", Err: err}
	}

	page.NextCursor = joinCursor(mbox.UidValidity, maxUID)
	return page, nil
}

// MarkRead sets \Seen on one message by UID.
func (a *Adapter) MarkRead(ctx context.Context, ref string) error {
	uid, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return fmt.Errorf("bad message ref %q: %w", ref, err)
	}

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(a.folder, false); err != nil {
		return &provider.TransientError{Op: "select " + a.folder, Err: err}
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.UidStore(seqset, item, flags, nil); err != nil {
		return &provider.TransientError{Op: "mark read", Err: err}
	}
	return nil
}

func (a *Adapter) SendReply(ctx context.Context, reply provider.Reply) error {
	return provider.ErrNotSupported
}

func (a *Adapter) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	return 0, time.Time{}, provider.ErrNotSupported
}

func (a *Adapter) StopWatch(ctx context.Context) error {
	return provider.ErrNotSupported
}

func (a *Adapter) connect(ctx context.Context) (*client.Client, error) {
	c, err := client.DialTLS(a.host, nil)
	if err != nil {
		return nil, &provider.TransientError{Op: "dial " + a.host, Err: err}
	}

	switch a.material.Kind {
	case credential.KindOAuth:
		token, err := a.material.TokenSource.Token()
		if err != nil {
			c.Logout()
			return nil, provider.Classify("refresh token", err)
		}
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: a.identity,
			Token:    token.AccessToken,
		})
		if err := c.Authenticate(auth); err != nil {
			c.Logout()
			return nil, &provider.CredentialError{Op: "oauthbearer login", Err: err}
		}
	default:
		if err := c.Login(a.material.Username, a.material.Password); err != nil {
			c.Logout()
			return nil, &provider.CredentialError{Op: "login", Err: err}
		}
	}
	return c, nil
}

func (a *Adapter) extract(msg *imap.Message, section *imap.BodySectionName) provider.ChangeRecord {
	rec := provider.ChangeRecord{
		Kind:        provider.RecordUpsert,
		Source:      "mail",
		Provider:    "imap",
		ProtocolRef: strconv.FormatUint(uint64(msg.Uid), 10),
		Container:   a.folder,
	}

	raw := map[string]interface{}{
		"uid":    msg.Uid,
		"folder": a.folder,
	}
	var flags []string
	for _, f := range msg.Flags {
		flags = append(flags, string(f))
	}
	raw["flags"] = flags

	if env := msg.Envelope; env != nil {
		rec.Name = env.Subject
		rec.StableID = strings.Trim(env.MessageId, "<>")
		if !env.Date.IsZero() {
			d := env.Date
			rec.StartsAt = &d
		}
		for _, from := range env.From {
			rec.Participants = append(rec.Participants, from.Address())
		}
		for _, to := range env.To {
			rec.Participants = append(rec.Participants, to.Address())
		}
		raw["message_id"] = env.MessageId
		raw["subject"] = env.Subject
		raw["date"] = env.Date
	}
	if rec.StableID == "" {
		rec.StableID = fmt.Sprintf("imap:%s:%s:%d", a.identity, a.folder, msg.Uid)
	}

	if body := msg.GetBody(section); body != nil {
		text, html := parseBody(body)
		if text != "" {
			rec.Body = text
		} else {
			rec.Body = html
		}
	}

	rec.Raw = raw
	return rec
}

func splitCursor(cursor provider.Cursor) (validity, uid uint32, ok bool) {
	parts := strings.SplitN(string(cursor), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint32(v), uint32(u), true
}

func joinCursor(validity, uid uint32) provider.Cursor {
	return provider.Cursor(fmt.Sprintf("%d:%d", validity, uid))
}
