package audio

import "math"

// Tone 生成单声道 16-bit 正弦波样本，用于联调与测试。
func Tone(freq float64, duration float64, sampleRate int, amplitude float64) []int16 {
	n := int(duration * float64(sampleRate))
	out := make([]int16, n)
	for i := range out {
		out[i] = clamp16(amplitude * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// ToneWAV 生成 16 kHz 单声道 16-bit 正弦波 WAV。
func ToneWAV(freq float64, duration float64) []byte {
	// EncodePCM16 只在采样率非正时失败
	b, _ := EncodePCM16(Tone(freq, duration, TargetSampleRate, 0.5), TargetSampleRate)
	return b
}
