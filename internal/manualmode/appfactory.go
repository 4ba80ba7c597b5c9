package manualmode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cochaviz/manualcapture/internal/phase"
)

var _ API = &AppFactoryClient{}

// AppFactoryClient talks to the AppFactory REST API, which addresses
// tickets by id in the URL.
type AppFactoryClient struct {
	transport
}

// NewAppFactoryClient creates a client rooted at baseURL, for example
// http://factory. Paths are appended under /api/manualMode.
func NewAppFactoryClient(baseURL string, opts ...Option) *AppFactoryClient {
	return &AppFactoryClient{transport: newTransport(baseURL, "manualmode.appfactory", opts)}
}

func (c *AppFactoryClient) RequestTicket(ctx context.Context, req TicketRequest) (Ticket, error) {
	if req.ApplicationID == 0 {
		req.ApplicationID = c.appID
	}
	body, err := c.do(ctx, "request ticket", http.MethodPost, "/api/manualMode", req)
	if err != nil {
		return Ticket{}, err
	}
	ticket, err := ParseTicket(body)
	if err != nil {
		return Ticket{}, fmt.Errorf("request ticket: %w", err)
	}
	return ticket, nil
}

func (c *AppFactoryClient) Redeem(ctx context.Context, ticket Ticket) (RedeemStatus, error) {
	if ticket.IsZero() {
		return RedeemStatus{}, fmt.Errorf("redeem: %w", ErrEmptyTicket)
	}
	path := "/api/manualMode/" + url.PathEscape(ticket.ID())
	if c.appID != 0 {
		path += "?appId=" + strconv.FormatInt(c.appID, 10)
	}
	body, err := c.do(ctx, "redeem", http.MethodGet, path, nil)
	if err != nil {
		return RedeemStatus{}, err
	}
	return decodeStatus("redeem", body)
}

func (c *AppFactoryClient) Next(ctx context.Context, ticket Ticket, current phase.Phase) error {
	if ticket.IsZero() {
		return fmt.Errorf("next: %w", ErrEmptyTicket)
	}
	path := "/api/manualMode/" + url.PathEscape(ticket.ID()) + "/next/" + url.PathEscape(string(current))
	_, err := c.do(ctx, "next", http.MethodPost, path, nil)
	return err
}

func (c *AppFactoryClient) Cancel(ctx context.Context, ticket Ticket) error {
	if ticket.IsZero() {
		return fmt.Errorf("cancel: %w", ErrEmptyTicket)
	}
	query := url.Values{"ticketId": []string{ticket.ID()}}
	_, err := c.do(ctx, "cancel", http.MethodPut, "/api/manualMode/cancel?"+query.Encode(), nil)
	return err
}
