// Package rosbridge speaks the rosbridge v2 JSON protocol to a robot over a
// websocket or a serial line, and converts the ROS messages the console
// uses into map engine inputs.
package rosbridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/operator.console/internal/mapview"
)

// rosbridge operations used by the console.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAdvertise   = "advertise"
	OpUnadvertise = "unadvertise"
	OpPublish     = "publish"
	OpStatus      = "status"
)

// Message types for the topics the console touches.
const (
	TypeOccupancyGrid = "nav_msgs/OccupancyGrid"
	TypeMapUpdate     = "map_msgs/OccupancyGridUpdate"
	TypeOdometry      = "nav_msgs/Odometry"
	TypePoseStamped   = "geometry_msgs/PoseStamped"
)

// GoalFrame is the frame id stamped on published goals.
const GoalFrame = "map"

// Envelope is one rosbridge protocol message.
type Envelope struct {
	Op    string          `json:"op"`
	ID    string          `json:"id,omitempty"`
	Topic string          `json:"topic,omitempty"`
	Type  string          `json:"type,omitempty"`
	Msg   json.RawMessage `json:"msg,omitempty"`

	// Level is set on status messages, whose msg is a plain string.
	Level string `json:"level,omitempty"`
}

// Time is a ROS timestamp. It decodes both the ROS 2 (sec, nanosec) and
// ROS 1 (secs, nsecs) spellings and encodes the ROS 2 one.
type Time struct {
	Sec     int64  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// UnmarshalJSON accepts either field spelling.
func (t *Time) UnmarshalJSON(b []byte) error {
	var raw struct {
		Sec     *int64  `json:"sec"`
		Nanosec *uint32 `json:"nanosec"`
		Secs    *int64  `json:"secs"`
		Nsecs   *uint32 `json:"nsecs"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = Time{}
	switch {
	case raw.Sec != nil:
		t.Sec = *raw.Sec
	case raw.Secs != nil:
		t.Sec = *raw.Secs
	}
	switch {
	case raw.Nanosec != nil:
		t.Nanosec = *raw.Nanosec
	case raw.Nsecs != nil:
		t.Nanosec = *raw.Nsecs
	}
	return nil
}

// NewTime converts a wall clock time.
func NewTime(ts time.Time) Time {
	return Time{Sec: ts.Unix(), Nanosec: uint32(ts.Nanosecond())}
}

// Time returns the timestamp as a time.Time.
func (t Time) Time() time.Time { return time.Unix(t.Sec, int64(t.Nanosec)) }

// Header is std_msgs/Header.
type Header struct {
	Stamp   Time   `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// Vector3 doubles as geometry_msgs/Point.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is geometry_msgs/Quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Pose is geometry_msgs/Pose.
type Pose struct {
	Position    Vector3    `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Sample converts the pose to a map engine pose sample.
func (p Pose) Sample() mapview.PoseSample {
	return mapview.PoseSample{
		Position: mapview.Point{X: p.Position.X, Y: p.Position.Y},
		Orientation: mapview.Quaternion{
			X: p.Orientation.X,
			Y: p.Orientation.Y,
			Z: p.Orientation.Z,
			W: p.Orientation.W,
		},
	}
}

// PoseWithCovariance is geometry_msgs/PoseWithCovariance.
type PoseWithCovariance struct {
	Pose       Pose      `json:"pose"`
	Covariance []float64 `json:"covariance,omitempty"`
}

// PoseWithCovarianceStamped is geometry_msgs/PoseWithCovarianceStamped.
type PoseWithCovarianceStamped struct {
	Header Header             `json:"header"`
	Pose   PoseWithCovariance `json:"pose"`
}

// Odometry is nav_msgs/Odometry. Twist is not used.
type Odometry struct {
	Header       Header             `json:"header"`
	ChildFrameID string             `json:"child_frame_id,omitempty"`
	Pose         PoseWithCovariance `json:"pose"`
}

// PoseStamped is geometry_msgs/PoseStamped.
type PoseStamped struct {
	Header Header `json:"header"`
	Pose   Pose   `json:"pose"`
}

// MapMetaData is nav_msgs/MapMetaData.
type MapMetaData struct {
	MapLoadTime Time    `json:"map_load_time"`
	Resolution  float64 `json:"resolution"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Origin      Pose    `json:"origin"`
}

// OccupancyGrid is nav_msgs/OccupancyGrid with an optional map version.
type OccupancyGrid struct {
	Header     Header      `json:"header"`
	Info       MapMetaData `json:"info"`
	Data       []int8      `json:"data"`
	MapVersion uint32      `json:"map_version,omitempty"`
}

// Valid reports whether the grid carries the fields a snapshot needs.
func (g OccupancyGrid) Valid() bool {
	return g.Data != nil && g.Info.Resolution != 0
}

// Snapshot converts the grid to a map engine snapshot. Sizes are checked by
// the engine, not here.
func (g OccupancyGrid) Snapshot() mapview.GridSnapshot {
	return mapview.GridSnapshot{
		Geometry: mapview.Geometry{
			Width:      g.Info.Width,
			Height:     g.Info.Height,
			Resolution: g.Info.Resolution,
			Origin:     mapview.Point{X: g.Info.Origin.Position.X, Y: g.Info.Origin.Position.Y},
			Version:    g.MapVersion,
		},
		Cells: g.Data,
	}
}

// GridFromSnapshot builds the grid message for a snapshot. It is the
// inverse of Snapshot and is used when replaying cached maps.
func GridFromSnapshot(s mapview.GridSnapshot) OccupancyGrid {
	return OccupancyGrid{
		Header: Header{FrameID: GoalFrame},
		Info: MapMetaData{
			Resolution: s.Resolution,
			Width:      s.Width,
			Height:     s.Height,
			Origin: Pose{
				Position:    Vector3{X: s.Origin.X, Y: s.Origin.Y},
				Orientation: Quaternion{W: 1},
			},
		},
		Data:       s.Cells,
		MapVersion: s.Version,
	}
}

// MapUpdate is an incremental, compressed map patch.
type MapUpdate struct {
	Header        Header `json:"header"`
	MapVersion    uint32 `json:"map_version"`
	X             int    `json:"x"`
	Y             int    `json:"y"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Encoding      string `json:"encoding"`
	Data          string `json:"data"`
	DecodedLength int    `json:"decoded_length"`
}

// Patch converts the update to a map engine patch. The base64 text is passed
// through untouched; the decoder unwraps it according to the encoding tag.
func (u MapUpdate) Patch() mapview.GridPatch {
	return mapview.GridPatch{
		X:                     u.X,
		Y:                     u.Y,
		Width:                 u.Width,
		Height:                u.Height,
		Encoding:              u.Encoding,
		Payload:               []byte(u.Data),
		ExpectedDecodedLength: u.DecodedLength,
		Version:               u.MapVersion,
	}
}

// UpdateFromPatch builds the wire message for an encoded patch. Payloads
// that are not already base64 text are wrapped so they survive JSON.
func UpdateFromPatch(p mapview.GridPatch) MapUpdate {
	enc, data := p.Encoding, string(p.Payload)
	if !strings.HasSuffix(strings.ToLower(enc), "+base64") {
		enc += "+base64"
		data = base64.StdEncoding.EncodeToString(p.Payload)
	}
	return MapUpdate{
		MapVersion:    p.Version,
		X:             p.X,
		Y:             p.Y,
		Width:         p.Width,
		Height:        p.Height,
		Encoding:      enc,
		Data:          data,
		DecodedLength: p.ExpectedDecodedLength,
	}
}

// PoseSampleFrom extracts a pose sample from an odometry or
// PoseWithCovarianceStamped message; both carry the pose under pose.pose.
func PoseSampleFrom(raw json.RawMessage) (mapview.PoseSample, error) {
	var msg struct {
		Pose *struct {
			Pose *Pose `json:"pose"`
		} `json:"pose"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return mapview.PoseSample{}, fmt.Errorf("failed to decode pose message: %w", err)
	}
	if msg.Pose == nil || msg.Pose.Pose == nil {
		return mapview.PoseSample{}, ErrMissingPose
	}
	return msg.Pose.Pose.Sample(), nil
}

// GoalPoseStamped builds the goal message for a finalized goal. The yaw is
// published unchanged.
func GoalPoseStamped(goal mapview.Goal, now time.Time) PoseStamped {
	q := mapview.YawToQuaternion(goal.Yaw)
	return PoseStamped{
		Header: Header{Stamp: NewTime(now), FrameID: GoalFrame},
		Pose: Pose{
			Position:    Vector3{X: goal.X, Y: goal.Y},
			Orientation: Quaternion{X: q.X, Y: q.Y, Z: q.Z, W: q.W},
		},
	}
}

// DecodeGrid decodes an OccupancyGrid payload.
func DecodeGrid(raw json.RawMessage) (OccupancyGrid, error) {
	var g OccupancyGrid
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, fmt.Errorf("failed to decode occupancy grid: %w", err)
	}
	if !g.Valid() {
		return g, ErrIncompleteGrid
	}
	return g, nil
}

// DecodeUpdate decodes a MapUpdate payload.
func DecodeUpdate(raw json.RawMessage) (MapUpdate, error) {
	var u MapUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("failed to decode map update: %w", err)
	}
	return u, nil
}
