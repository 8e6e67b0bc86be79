// internal/feed/view.go
package feed

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"github.com/tamzrod/pos-hal/internal/event"
	"github.com/tamzrod/pos-hal/internal/status"
)

// Stater is a device with a polled state (coin dispenser, scale).
type Stater interface {
	ID() string
	State() status.DeviceState
}

// Filer is a device holding files (hard totals).
type Filer interface {
	ID() string
	NumberOfFiles() int
	FreeData() int
	TotalsSize() int
}

// DeviceView is the JSON shape of one device.
type DeviceView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Owner string `json:"owner,omitempty"`

	Power   string     `json:"power,omitempty"`
	Cause   string     `json:"cause,omitempty"`
	Code    int        `json:"code,omitempty"`
	Text    string     `json:"text,omitempty"`
	Faulted bool       `json:"faulted,omitempty"`
	Seen    *time.Time `json:"last_seen,omitempty"`

	Counts    []int `json:"counts,omitempty"`
	Weight    int   `json:"weight,omitempty"`
	UnitPrice int64 `json:"unit_price,omitempty"`
	Price     int64 `json:"price,omitempty"`

	Files *FilesView `json:"files,omitempty"`
}

type FilesView struct {
	Count int `json:"count"`
	Free  int `json:"free"`
	Size  int `json:"size"`
}

func stateView(v *DeviceView, s status.DeviceState) {
	v.Power = s.Power.String()
	if s.Power == status.PowerOffline {
		v.Cause = s.Cause.String()
	}
	v.Code, v.Text, v.Faulted = s.Code, s.Text, s.Faulted
	if !s.At.IsZero() {
		at := s.At
		v.Seen = &at
	}
	v.Counts = s.Counts
	v.Weight, v.UnitPrice, v.Price = s.Weight, s.UnitPrice, s.Price
}

// EventView is the JSON shape of one event on the websocket.
type EventView struct {
	Device   string    `json:"device"`
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
	Online   *bool     `json:"online,omitempty"`
	Cause    string    `json:"cause,omitempty"`
	Code     int       `json:"code,omitempty"`
	Text     string    `json:"text,omitempty"`
	Faulted  bool      `json:"faulted,omitempty"`
	Resource string    `json:"resource,omitempty"`
}

func eventView(e event.Event) EventView {
	v := EventView{Device: e.Device, Kind: e.Kind.String(), At: e.At}
	switch e.Kind {
	case event.KindPower:
		online := e.Online
		v.Online = &online
		if !online {
			v.Cause = e.Cause.String()
		}
	case event.KindHealth:
		v.Code, v.Text, v.Faulted = e.Code, e.Text, e.Faulted
	case event.KindClaim:
		v.Resource = e.Resource
	}
	return v
}

// ---- ERRORS ----

// ErrResponse renders an API error.
type ErrResponse struct {
	Err            error `json:"-"`
	HTTPStatusCode int   `json:"-"`

	StatusText string `json:"status"`
	ErrorText  string `json:"error,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func ErrNotFound(err error) render.Renderer {
	return &ErrResponse{Err: err, HTTPStatusCode: http.StatusNotFound, StatusText: "not found", ErrorText: err.Error()}
}
