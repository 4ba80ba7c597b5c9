package manualmode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cochaviz/manualcapture/internal/phase"
)

var _ API = &LegacyClient{}

// LegacyClient talks to the standalone manualmode-web service. Every call
// after the first carries the ticket as its JSON body.
type LegacyClient struct {
	transport
}

// NewLegacyClient creates a client rooted at baseURL, for example
// http://factory/manualmode-web.
func NewLegacyClient(baseURL string, opts ...Option) *LegacyClient {
	return &LegacyClient{transport: newTransport(baseURL, "manualmode.legacy", opts)}
}

func (c *LegacyClient) RequestTicket(ctx context.Context, req TicketRequest) (Ticket, error) {
	body, err := c.do(ctx, "request ticket", http.MethodPost, "/manual/", req)
	if err != nil {
		return Ticket{}, err
	}
	ticket, err := ParseTicket(body)
	if err != nil {
		return Ticket{}, fmt.Errorf("request ticket: %w", err)
	}
	return ticket, nil
}

func (c *LegacyClient) Redeem(ctx context.Context, ticket Ticket) (RedeemStatus, error) {
	if ticket.IsZero() {
		return RedeemStatus{}, fmt.Errorf("redeem: %w", ErrEmptyTicket)
	}
	body, err := c.do(ctx, "redeem", http.MethodPost, "/manual/redeem", ticket)
	if err != nil {
		return RedeemStatus{}, err
	}
	return decodeStatus("redeem", body)
}

func (c *LegacyClient) Next(ctx context.Context, ticket Ticket, current phase.Phase) error {
	if ticket.IsZero() {
		return fmt.Errorf("next: %w", ErrEmptyTicket)
	}
	_, err := c.do(ctx, "next", http.MethodPost, "/manual/next/"+url.PathEscape(string(current)), ticket)
	return err
}

func (c *LegacyClient) Cancel(ctx context.Context, ticket Ticket) error {
	if ticket.IsZero() {
		return fmt.Errorf("cancel: %w", ErrEmptyTicket)
	}
	_, err := c.do(ctx, "cancel", http.MethodPost, "/manual/cancel", ticket)
	return err
}
