package manualmode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cochaviz/manualcapture/internal/phase"
)

// ErrEmptyTicket is returned when the server hands out an empty ticket.
var ErrEmptyTicket = errors.New("empty ticket")

// Ticket identifies one manual-capture job. The value is kept exactly as
// the server returned it and sent back unchanged.
type Ticket struct {
	raw json.RawMessage
}

// ParseTicket interprets a create response body. JSON values are kept as
// is; anything else is treated as a bare identifier.
func ParseTicket(body []byte) (Ticket, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Ticket{}, ErrEmptyTicket
	}
	if json.Valid(body) {
		if string(body) == "null" || string(body) == `""` {
			return Ticket{}, ErrEmptyTicket
		}
		return Ticket{raw: append(json.RawMessage(nil), body...)}, nil
	}
	return TicketFromID(string(body)), nil
}

// TicketFromID builds a ticket from a user supplied identifier. Numbers and
// JSON objects are kept in their JSON form, anything else becomes a string.
func TicketFromID(id string) Ticket {
	id = string(bytes.TrimSpace([]byte(id)))
	if id == "" {
		return Ticket{}
	}
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return Ticket{raw: json.RawMessage(id)}
	}
	if (id[0] == '{' || id[0] == '"') && json.Valid([]byte(id)) {
		return Ticket{raw: json.RawMessage(id)}
	}
	quoted, _ := json.Marshal(id)
	return Ticket{raw: quoted}
}

// IsZero reports whether no ticket is held.
func (t Ticket) IsZero() bool {
	return len(t.raw) == 0
}

// ID returns the ticket as a path or query parameter.
func (t Ticket) ID() string {
	if t.IsZero() {
		return ""
	}
	switch t.raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(t.raw, &s); err == nil {
			return s
		}
	case '{':
		var obj struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(t.raw, &obj); err == nil && len(obj.ID) > 0 {
			return TicketFromID(string(obj.ID)).ID()
		}
	}
	return string(t.raw)
}

func (t Ticket) String() string {
	return t.ID()
}

// MarshalJSON writes the ticket exactly as it was received.
func (t Ticket) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return t.raw, nil
}

func (t *Ticket) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		t.raw = nil
		return nil
	}
	t.raw = append(json.RawMessage(nil), data...)
	return nil
}

// TicketRequest carries the job parameters of a new manual capture.
type TicketRequest struct {
	InputURI        string `json:"inputUri"`
	OutputDatastore string `json:"outputDatastore"`
	CommandLine     string `json:"commandLine"`
	ApplicationID   int64  `json:"applicationId,omitempty"`
}

// Validate checks the fields the backend requires.
func (r TicketRequest) Validate() error {
	var errs []error
	if r.InputURI == "" {
		errs = append(errs, errors.New("input uri is required"))
	}
	if r.OutputDatastore == "" {
		errs = append(errs, errors.New("output datastore is required"))
	}
	return errors.Join(errs...)
}

// VCConfig is the vCenter half of a lease.
type VCConfig struct {
	Host           string `json:"host"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Datacenter     string `json:"datacenter,omitempty"`
	DatacenterMoid string `json:"datacenterMoid"`
}

// UnmarshalJSON accepts both the current field names and the vcHost/dcMoid
// spelling used by the older manual endpoints.
func (c *VCConfig) UnmarshalJSON(data []byte) error {
	var aux struct {
		Host           string `json:"host"`
		Username       string `json:"username"`
		Password       string `json:"password"`
		Datacenter     string `json:"datacenter"`
		DatacenterMoid string `json:"datacenterMoid"`
		VCHost         string `json:"vcHost"`
		VCUsername     string `json:"vcUsername"`
		VCPassword     string `json:"vcPassword"`
		DCMoid         string `json:"dcMoid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = VCConfig{
		Host:           firstNonEmpty(aux.Host, aux.VCHost),
		Username:       firstNonEmpty(aux.Username, aux.VCUsername),
		Password:       firstNonEmpty(aux.Password, aux.VCPassword),
		Datacenter:     aux.Datacenter,
		DatacenterMoid: firstNonEmpty(aux.DatacenterMoid, aux.DCMoid),
	}
	return nil
}

// VMInfo is the virtual machine half of a lease.
type VMInfo struct {
	ID            int64  `json:"id,omitempty"`
	Moid          string `json:"moid,omitempty"`
	VmxPath       string `json:"vmxPath"`
	GuestUsername string `json:"guestUsername,omitempty"`
	GuestPassword string `json:"guestPassword,omitempty"`
	Autologon     bool   `json:"autologon,omitempty"`
}

// Lease describes an acquired VM and how to reach it.
type Lease struct {
	ID int64    `json:"id,omitempty"`
	VC VCConfig `json:"vc"`
	VM VMInfo   `json:"vm"`
}

// LogValue keeps credentials out of the logs.
func (l Lease) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", l.VC.Host),
		slog.String("username", l.VC.Username),
		slog.String("datacenter_moid", l.VC.DatacenterMoid),
		slog.String("vm_moid", l.VM.Moid),
		slog.String("vmx_path", l.VM.VmxPath),
	)
}

// RedeemStatus is one poll response.
type RedeemStatus struct {
	States    []phase.Phase `json:"states"`
	Current   phase.Phase   `json:"currentState,omitempty"`
	Lease     *Lease        `json:"lease,omitempty"`
	ProjectID *int64        `json:"projectId,omitempty"`
}

// CurrentState returns the reported current phase, falling back to the last
// entry of States when the server did not send one.
func (s RedeemStatus) CurrentState() phase.Phase {
	if s.Current != "" {
		return s.Current
	}
	if len(s.States) == 0 {
		return ""
	}
	return s.States[len(s.States)-1]
}

// Has reports whether p appears in the phase history.
func (s RedeemStatus) Has(p phase.Phase) bool {
	return phase.Contains(s.States, p)
}

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
