// internal/clients/engine_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rentalnexus/internal/booking"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/rental"

	"github.com/google/uuid"
)

// APIError is a non-2xx response from the engine. It unwraps to the rental
// error its code names, so errors.Is and errors.As work across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	cause      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}

type apiErrorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Windows   []rental.Window   `json:"windows"`
	Intervals []rental.Interval `json:"intervals"`
}

func (b apiErrorBody) cause() error {
	switch b.Error {
	case "not_found":
		return rental.ErrNotFound
	case "already_cancelled":
		return rental.ErrAlreadyCancelled
	case "invalid_request":
		return &rental.InvalidRequestError{Reason: strings.TrimPrefix(b.Message, "invalid request: ")}
	case "equipment_unavailable":
		return &rental.EquipmentUnavailableError{}
	case "insufficient_availability":
		return &rental.InsufficientAvailabilityError{Windows: b.Windows}
	case "has_active_commitments":
		return &rental.HasActiveCommitmentsError{Intervals: b.Intervals}
	case "illegal_transition":
		return &rental.IllegalTransitionError{}
	case "conflict":
		return &rental.ConflictError{}
	}
	return nil
}

// EngineClient talks to the engine HTTP API.
type EngineClient struct {
	baseURL    string
	httpClient *http.Client
	adminToken string
}

var _ booking.Service = (*EngineClient)(nil)

func NewEngineClient(baseURL string) *EngineClient {
	return &EngineClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// WithAdminToken sets the token sent with status overrides.
func (c *EngineClient) WithAdminToken(token string) *EngineClient {
	c.adminToken = token
	return c
}

func (c *EngineClient) do(ctx context.Context, method, path string, in, out any, header http.Header) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var b apiErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: b.Error, Message: b.Message, cause: b.cause()}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rangeQuery(start, end time.Time) string {
	q := url.Values{}
	q.Set("start", start.Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))
	return "?" + q.Encode()
}

func (c *EngineClient) RequestBooking(ctx context.Context, req booking.BookingRequest) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodPost, "/bookings", req, &iv, nil)
	return iv, err
}

func (c *EngineClient) BlockMaintenance(ctx context.Context, req booking.MaintenanceRequest) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodPost, "/maintenance-blocks", req, &iv, nil)
	return iv, err
}

func (c *EngineClient) ModifyQuantity(ctx context.Context, id uuid.UUID, quantity int) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodPatch, "/bookings/"+id.String(), map[string]int{"quantity": quantity}, &iv, nil)
	return iv, err
}

func (c *EngineClient) ExtendBooking(ctx context.Context, id uuid.UUID, end time.Time) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodPatch, "/bookings/"+id.String(), map[string]time.Time{"end": end}, &iv, nil)
	return iv, err
}

func (c *EngineClient) ConfirmBooking(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodPost, "/bookings/"+id.String()+"/confirm", nil, &iv, nil)
	return iv, err
}

func (c *EngineClient) CancelBooking(ctx context.Context, id uuid.UUID) (rental.Interval, error) {
	var iv rental.Interval
	err := c.do(ctx, http.MethodDelete, "/bookings/"+id.String(), nil, &iv, nil)
	return iv, err
}

func (c *EngineClient) ExpireHolds(ctx context.Context) ([]rental.Interval, error) {
	var out []rental.Interval
	err := c.do(ctx, http.MethodPost, "/holds/expire", nil, &out, nil)
	return out, err
}

func (c *EngineClient) Availability(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Window, error) {
	var out []rental.Window
	err := c.do(ctx, http.MethodGet, "/equipment/"+equipmentID.String()+"/availability"+rangeQuery(start, end), nil, &out, nil)
	return out, err
}

func (c *EngineClient) Bookings(ctx context.Context, equipmentID uuid.UUID, start, end time.Time) ([]rental.Interval, error) {
	var out []rental.Interval
	err := c.do(ctx, http.MethodGet, "/equipment/"+equipmentID.String()+"/bookings"+rangeQuery(start, end), nil, &out, nil)
	return out, err
}

func (c *EngineClient) History(ctx context.Context, intervalID uuid.UUID) ([]rental.Event, error) {
	var out []rental.Event
	err := c.do(ctx, http.MethodGet, "/bookings/"+intervalID.String()+"/history", nil, &out, nil)
	return out, err
}

func (c *EngineClient) RegisterEquipment(ctx context.Context, name string, totalQuantity int) (rental.Equipment, error) {
	req := struct {
		Name          string `json:"name"`
		TotalQuantity int    `json:"total_quantity"`
	}{
		Name:          name,
		TotalQuantity: totalQuantity,
	}
	var unit rental.Equipment
	err := c.do(ctx, http.MethodPost, "/equipment", req, &unit, nil)
	return unit, err
}

func (c *EngineClient) GetEquipment(ctx context.Context, id uuid.UUID) (rental.Equipment, error) {
	var unit rental.Equipment
	err := c.do(ctx, http.MethodGet, "/equipment/"+id.String(), nil, &unit, nil)
	return unit, err
}

func (c *EngineClient) SetStatus(ctx context.Context, id uuid.UUID, status rental.Status, override bool) (equipment.Transition, error) {
	req := struct {
		Status   rental.Status `json:"status"`
		Override bool          `json:"override"`
	}{
		Status:   status,
		Override: override,
	}
	var header http.Header
	if override && c.adminToken != "" {
		header = http.Header{booking.AdminTokenHeader: []string{c.adminToken}}
	}

	var change booking.StatusChange
	if err := c.do(ctx, http.MethodPut, "/equipment/"+id.String()+"/status", req, &change, header); err != nil {
		return equipment.Transition{}, err
	}
	return equipment.Transition{
		Equipment: change.Equipment,
		Previous:  change.Previous,
		Changed:   change.Changed,
		Cancelled: change.Cancelled,
	}, nil
}

func (c *EngineClient) SetTotalQuantity(ctx context.Context, id uuid.UUID, total int) (rental.Equipment, error) {
	var unit rental.Equipment
	err := c.do(ctx, http.MethodPut, "/equipment/"+id.String()+"/quantity", map[string]int{"total_quantity": total}, &unit, nil)
	return unit, err
}
