package proto

// Wire protocol (JSON over WebSocket)
//
// Server -> client: {"event": "<name>", "data": <payload>}
// Client -> server: {"type": "<name>", "data": <payload>}

// EventName tags an inbound envelope.
type EventName string

const (
	EventSensorUpdate  EventName = "sensor:update"
	EventSensorStatus  EventName = "sensor:status"
	EventSensorError   EventName = "sensor:error"
	EventSensorHistory EventName = "sensor:history"
	EventPong          EventName = "pong"
)

// CmdType tags an outbound envelope.
type CmdType string

const (
	CmdSubscribe      CmdType = "sensor:subscribe"
	CmdUnsubscribe    CmdType = "sensor:unsubscribe"
	CmdRequestHistory CmdType = "sensor:request-history"
	CmdPing           CmdType = "ping"
)

// Envelope wraps every server push
type Envelope struct {
	Event EventName   `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Command wraps every client request
type Command struct {
	Type CmdType     `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// SensorReading is one sample from the weather station.
type SensorReading struct {
	ID            int64   `json:"id,omitempty"`
	Timestamp     string  `json:"timestamp"` // ISO 8601
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	Pressure      float64 `json:"pressure"`
	Altitude      float64 `json:"altitude"`
	CO2           float64 `json:"co2"`
	Distance      float64 `json:"distance"`
	WindSpeed     float64 `json:"windSpeed"`
	WindDirection float64 `json:"windDirection"`
	Rainfall      float64 `json:"rainfall"`
	Voltage       float64 `json:"voltage"`
	BusVoltage    float64 `json:"busVoltage"`
	Current       float64 `json:"current"`
}

// TimeLayout is the timestamp format used on the wire.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SensorMetadata status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"
)

// SensorMetadata describes the station pushing readings.
type SensorMetadata struct {
	SensorID        string `json:"sensorId"`
	Location        string `json:"location"`
	CalibrationDate string `json:"calibrationDate"`
	Status          string `json:"status"` // online | offline | error
	LastUpdate      string `json:"lastUpdate,omitempty"`
}

// ErrorPayload is carried by sensor:error
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// HistoryPayload is carried by sensor:history
type HistoryPayload struct {
	Readings []SensorReading `json:"readings"`
	Start    string          `json:"start,omitempty"`
	End      string          `json:"end,omitempty"`
	Count    int             `json:"count,omitempty"`
}

// HistoryRequest is carried by sensor:request-history
type HistoryRequest struct {
	Start    string `json:"start"`              // ISO 8601
	End      string `json:"end"`                // ISO 8601
	Interval int    `json:"interval,omitempty"` // minutes
}
