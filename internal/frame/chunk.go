// Package frame reassembles JPEG frames that a camera publishes as a
// sequence of fixed-size chunks.
package frame

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedTopic is returned when a delivery's topic does not carry a
// usable device id, sequence index and chunk count.
var ErrMalformedTopic = errors.New("malformed chunk topic")

// Chunk describes one delivery: where it sits in its frame and its bytes.
// It only lives for the duration of one ingest callback.
type Chunk struct {
	DeviceID string
	Index    int
	Total    int
	Payload  []byte
}

// IsFirst reports whether the chunk starts a new frame.
func (c Chunk) IsFirst() bool { return c.Index == 0 }

// IsLast reports whether the chunk is the final one of its frame.
func (c Chunk) IsLast() bool { return c.Index == c.Total-1 }

// ParseTopic extracts the chunk position from a topic of the form
// <prefix>/<deviceId>/<sequenceIndex>/<totalCount>. The prefix may itself
// contain slashes.
func ParseTopic(prefix, topic string) (Chunk, error) {
	prefix = strings.Trim(prefix, "/")
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return Chunk{}, fmt.Errorf("%w: %q does not start with %q", ErrMalformedTopic, topic, prefix)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return Chunk{}, fmt.Errorf("%w: %q has %d segments after prefix, want 3", ErrMalformedTopic, topic, len(parts))
	}
	if parts[0] == "" {
		return Chunk{}, fmt.Errorf("%w: %q has an empty device id", ErrMalformedTopic, topic)
	}

	index, err := strconv.Atoi(parts[1])
	if err != nil || index < 0 {
		return Chunk{}, fmt.Errorf("%w: bad sequence index %q", ErrMalformedTopic, parts[1])
	}
	total, err := strconv.Atoi(parts[2])
	if err != nil || total <= 0 {
		return Chunk{}, fmt.Errorf("%w: bad chunk count %q", ErrMalformedTopic, parts[2])
	}
	if index >= total {
		return Chunk{}, fmt.Errorf("%w: index %d out of range for %d chunks", ErrMalformedTopic, index, total)
	}

	return Chunk{DeviceID: parts[0], Index: index, Total: total}, nil
}

// TopicFilter builds the MQTT subscription filter for one device (or every
// device when deviceID is "+" or empty).
func TopicFilter(prefix, deviceID string) string {
	if deviceID == "" {
		deviceID = "+"
	}
	return strings.Trim(prefix, "/") + "/" + deviceID + "/+/+"
}
