// Package msgs holds the message kinds published by the bridge, shaped
// after the sensor_msgs interfaces so ROS tooling on the far side of a
// fabric gateway can map them one to one, and the codecs that encode
// them for the wire.
package msgs

import (
	"time"
)

// Message is implemented by every publishable message kind.
type Message interface {
	// TypeName is the fully qualified interface name, for example
	// "sensor_msgs/msg/Illuminance".
	TypeName() string
}

// Time is a ROS builtin_interfaces/Time stamp.
type Time struct {
	Sec     int32  `json:"sec" cbor:"sec"`
	Nanosec uint32 `json:"nanosec" cbor:"nanosec"`
}

// FromTime converts t to a [Time].
func FromTime(t time.Time) Time {
	return Time{
		Sec:     int32(t.Unix()),
		Nanosec: uint32(t.Nanosecond()),
	}
}

// Time converts the stamp back to a [time.Time] in UTC.
func (t Time) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nanosec)).UTC()
}

// Header is a std_msgs/Header.
type Header struct {
	Stamp   Time   `json:"stamp" cbor:"stamp"`
	FrameID string `json:"frame_id" cbor:"frame_id"`
}

// Illuminance is a sensor_msgs/Illuminance reading in lux.
type Illuminance struct {
	Header      Header  `json:"header" cbor:"header"`
	Illuminance float64 `json:"illuminance" cbor:"illuminance"`
	// Variance of 0 means unknown.
	Variance float64 `json:"variance" cbor:"variance"`
}

func (Illuminance) TypeName() string { return "sensor_msgs/msg/Illuminance" }

// Radiation types for [Range].
const (
	RadiationUltrasound uint8 = 0
	RadiationInfrared   uint8 = 1
)

// Range is a sensor_msgs/Range reading. Distances are in meters and the
// field of view in radians.
type Range struct {
	Header        Header  `json:"header" cbor:"header"`
	RadiationType uint8   `json:"radiation_type" cbor:"radiation_type"`
	FieldOfView   float32 `json:"field_of_view" cbor:"field_of_view"`
	MinRange      float32 `json:"min_range" cbor:"min_range"`
	MaxRange      float32 `json:"max_range" cbor:"max_range"`
	Range         float32 `json:"range" cbor:"range"`
	Variance      float32 `json:"variance" cbor:"variance"`
}

func (Range) TypeName() string { return "sensor_msgs/msg/Range" }
