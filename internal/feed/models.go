package feed

import "encoding/json"

// Stop is a fixed boarding point, sourced from the upstream snapshot.
type Stop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// Route is an ordered sequence of stops served by one line.
type Route struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Stops []string `json:"stops"`
}

// ScheduleEntry is one planned departure, optionally re-timed by the
// upstream optimizer.
type ScheduleEntry struct {
	RouteID       string   `json:"route_id"`
	StopID        string   `json:"stop_id"`
	PlannedTime   float64  `json:"planned_time"`
	OptimizedTime *float64 `json:"optimized_time,omitempty"`
}

// Bus is the live position of one vehicle. The upstream broadcasts the
// full fleet on every buses event, so a Bus is never updated in place.
type Bus struct {
	ID           string  `json:"id"`
	RouteID      string  `json:"route_id"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	SpeedKMH     float64 `json:"speed_kmh"`
	NextStopID   *string `json:"next_stop_id"`
	ETANextStopS *int    `json:"eta_next_stop_s"`
}

// RidershipSample is one observed ticket count, timestamped in
// milliseconds. Forecast is set only when a later schedule_opt event
// annotates the sample.
type RidershipSample struct {
	TS       int64    `json:"ts"`
	Count    int      `json:"count"`
	Forecast *float64 `json:"forecast,omitempty"`
}

// Snapshot is the full static network state as of one point in time.
// It is replaced wholesale on every fetch, never merged.
type Snapshot struct {
	Stops    []Stop          `json:"stops"`
	Routes   []Route         `json:"routes"`
	Schedule []ScheduleEntry `json:"schedule"`
}

// Coordinate is a plain lat/lon pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// View is a read-only copy of all reconciled state slices, handed to
// the rendering layer. Center is the stop centroid, falling back to the
// default center while no stops are loaded.
type View struct {
	Stops     []Stop            `json:"stops"`
	Routes    []Route           `json:"routes"`
	Schedule  []ScheduleEntry   `json:"schedule"`
	Buses     []Bus             `json:"buses"`
	Ridership []RidershipSample `json:"ridership"`
	Alerts    []string          `json:"alerts"`
	Center    Coordinate        `json:"center"`
	ConnState string            `json:"conn_state"`
}

// Live event kinds pushed by the upstream.
const (
	KindBuses       = "buses"
	KindTicket      = "ticket"
	KindScheduleOpt = "schedule_opt"
)

// envelope is the discriminated wire form of every live event.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// busesPayload carries a full-fleet broadcast.
type busesPayload struct {
	TS    float64 `json:"ts"`
	Buses []Bus   `json:"buses"`
}

// ticketPayload carries one ticket-counter reading. Timestamps are in
// seconds upstream and converted to milliseconds on append.
type ticketPayload struct {
	TS      float64 `json:"ts"`
	RouteID string  `json:"route_id"`
	StopID  string  `json:"stop_id"`
	Count   int     `json:"count"`
}

// scheduleOptPayload announces a server-side schedule re-optimization.
type scheduleOptPayload struct {
	TS          float64 `json:"ts"`
	AvgForecast float64 `json:"avg_forecast"`
}

// ConnState tracks the live connection lifecycle.
type ConnState int

// Connection lifecycle states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateError
	StateClosed
)

// String returns the lowercase name of the state.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
