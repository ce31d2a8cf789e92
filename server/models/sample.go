package models

import "sort"

// Channel names as they appear on the wire and as feature-name prefixes.
const (
	ChannelAccX  = "AccX"
	ChannelAccY  = "AccY"
	ChannelAccZ  = "AccZ"
	ChannelGyroX = "GyroX"
	ChannelGyroY = "GyroY"
	ChannelGyroZ = "GyroZ"
)

// Channels lists the six motion channels in extraction order.
var Channels = []string{ChannelAccX, ChannelAccY, ChannelAccZ, ChannelGyroX, ChannelGyroY, ChannelGyroZ}

// Sample is one validated accelerometer/gyroscope reading. Timestamp is in
// milliseconds since the epoch.
type Sample struct {
	AccX      float64 `json:"AccX"`
	AccY      float64 `json:"AccY"`
	AccZ      float64 `json:"AccZ"`
	GyroX     float64 `json:"GyroX"`
	GyroY     float64 `json:"GyroY"`
	GyroZ     float64 `json:"GyroZ"`
	Timestamp int64   `json:"Timestamp"`
}

// Channel returns the value of the named motion channel.
func (s Sample) Channel(name string) float64 {
	switch name {
	case ChannelAccX:
		return s.AccX
	case ChannelAccY:
		return s.AccY
	case ChannelAccZ:
		return s.AccZ
	case ChannelGyroX:
		return s.GyroX
	case ChannelGyroY:
		return s.GyroY
	case ChannelGyroZ:
		return s.GyroZ
	}
	return 0
}

// SortedCopy returns the samples ordered by timestamp. The input is never
// modified; samples sharing a timestamp keep their arrival order.
func SortedCopy(samples []Sample) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Series extracts one channel from a sample slice.
func Series(samples []Sample, channel string) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Channel(channel)
	}
	return out
}
