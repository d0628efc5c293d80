package clients

import (
	"context"
	"fmt"
	"time"

	conndomain "flowdesk-sync/internal/connection/domain"
	"flowdesk-sync/internal/credential"
	"flowdesk-sync/internal/provider"
	"flowdesk-sync/internal/provider/gcal"
	"flowdesk-sync/internal/provider/gmailapi"
	"flowdesk-sync/internal/provider/mailbox"
)

// Factory resolves credentials and hands out provider facades per
// connection.
type Factory struct {
	resolver     credential.Resolver
	mailPageSize int
	relistCap    int
	backfillSpan time.Duration
}

func NewFactory(resolver credential.Resolver, mailPageSize, relistCap int, backfillSpan time.Duration) *Factory {
	return &Factory{
		resolver:     resolver,
		mailPageSize: mailPageSize,
		relistCap:    relistCap,
		backfillSpan: backfillSpan,
	}
}

func (f *Factory) Mail(ctx context.Context, conn *conndomain.Connection) (provider.MailClient, error) {
	material, err := f.resolver.Resolve(ctx, conn)
	if err != nil {
		return nil, err
	}

	switch conn.Provider {
	case conndomain.ProviderGmail:
		return gmailapi.New(ctx, material, f.mailPageSize, f.relistCap)
	case conndomain.ProviderIMAP:
		return mailbox.New(conn.ImapHost, conn.Identity, conn.MailFolder, material, f.mailPageSize), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", conn.Provider)
	}
}

func (f *Factory) Calendar(ctx context.Context, conn *conndomain.Connection) (provider.CalendarClient, error) {
	if conn.Provider != conndomain.ProviderGmail {
		return nil, provider.ErrNotSupported
	}

	material, err := f.resolver.Resolve(ctx, conn)
	if err != nil {
		return nil, err
	}
	return gcal.New(ctx, material, f.mailPageSize, f.backfillSpan)
}
