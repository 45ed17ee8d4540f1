package contract

import "encoding/hex"

// A topic opcode is five bytes: the contract prefix followed by one degree
// byte per dimension, in the order size, duration, availability, speed. The
// publish/subscribe layer routes proposals by these opcodes, so a farmer
// subscribes only to the parameter ranges it is willing to serve.
const (
	// TopicPrefix tags an opcode as a contract publication.
	TopicPrefix byte = 0x0f

	// DegreeLow, DegreeMed and DegreeHigh grade a dimension. Values beyond
	// the high threshold still grade high.
	DegreeLow  byte = 0x01
	DegreeMed  byte = 0x02
	DegreeHigh byte = 0x03
)

// Degree thresholds per dimension. Sizes are bytes, durations epoch
// milliseconds, availability a ratio, speed megabits per second.
const (
	sizeLowBound = 8 << 20
	sizeMedBound = 64 << 20

	dayMilliseconds  = 24 * 60 * 60 * 1000
	durationLowBound = 30 * dayMilliseconds
	durationMedBound = 90 * dayMilliseconds

	availabilityLowBound = 0.7
	availabilityMedBound = 0.9

	speedLowBound = 6
	speedMedBound = 12
)

// Criteria carries the publish dimensions that are not contract fields. The
// zero value grades low on both.
type Criteria struct {
	// Availability is the uptime ratio sought of the farmer.
	Availability float64

	// Speed is the transfer bandwidth sought, in megabits per second.
	Speed float64
}

// SetCriteria attaches publish criteria to the contract. Criteria influence
// only the topic opcode and never serialize.
func (c *Contract) SetCriteria(criteria Criteria) {
	c.criteria = criteria
}

// Criteria returns the attached publish criteria.
func (c *Contract) Criteria() Criteria {
	return c.criteria
}

// TopicBytes computes the 5-byte topic opcode of the contract.
func (c *Contract) TopicBytes() []byte {
	return []byte{
		TopicPrefix,
		SizeDegree(c.DataSize),
		DurationDegree(c.StoreEnd - c.StoreBegin),
		AvailabilityDegree(c.criteria.Availability),
		SpeedDegree(c.criteria.Speed),
	}
}

// TopicString returns the topic opcode as a 10-character hex string.
func (c *Contract) TopicString() string {
	return hex.EncodeToString(c.TopicBytes())
}

// SizeDegree grades a shard size in bytes.
func SizeDegree(size int64) byte {
	switch {
	case size <= sizeLowBound:
		return DegreeLow
	case size <= sizeMedBound:
		return DegreeMed
	default:
		return DegreeHigh
	}
}

// DurationDegree grades a storage duration in milliseconds.
func DurationDegree(duration int64) byte {
	switch {
	case duration <= durationLowBound:
		return DegreeLow
	case duration <= durationMedBound:
		return DegreeMed
	default:
		return DegreeHigh
	}
}

// AvailabilityDegree grades an uptime ratio.
func AvailabilityDegree(availability float64) byte {
	switch {
	case availability <= availabilityLowBound:
		return DegreeLow
	case availability <= availabilityMedBound:
		return DegreeMed
	default:
		return DegreeHigh
	}
}

// SpeedDegree grades a bandwidth in megabits per second.
func SpeedDegree(speed float64) byte {
	switch {
	case speed <= speedLowBound:
		return DegreeLow
	case speed <= speedMedBound:
		return DegreeMed
	default:
		return DegreeHigh
	}
}
