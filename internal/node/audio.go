package node

// Audio is the device speaker and microphone. Samples are mono float64 PCM
// at the acoustic sample rate.
type Audio interface {
	// Play queues samples for output and must not block the caller.
	Play(samples []float64) error
	// Capture delivers microphone buffers. A nil channel means no microphone.
	Capture() <-chan []float64
}

// NoAudio is a device without speaker or microphone.
type NoAudio struct{}

func (NoAudio) Play([]float64) error { return nil }

func (NoAudio) Capture() <-chan []float64 { return nil }
