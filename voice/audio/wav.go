package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// TargetSampleRate 识别服务要求的采样率。
	TargetSampleRate = 16000
	// TargetChannels 识别服务要求的声道数。
	TargetChannels = 1
	// TargetBitDepth 识别服务要求的位深。
	TargetBitDepth = 16

	formatPCM        = 1
	formatIEEEFloat  = 3
	formatExtensible = 0xFFFE
)

// ErrNotWAV 输入不是可解析的 RIFF/WAVE 容器。
var ErrNotWAV = errors.New("not a RIFF/WAVE container")

// Format 从容器头推断出的音频参数。
type Format struct {
	AudioFormat uint16 `json:"audio_format"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	BitDepth    int    `json:"bit_depth"`
}

// Canonical 报告是否为 16 kHz、单声道、16-bit PCM。
func (f Format) Canonical() bool {
	return f.AudioFormat == formatPCM &&
		f.SampleRate == TargetSampleRate &&
		f.Channels == TargetChannels &&
		f.BitDepth == TargetBitDepth
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// WAV 解析后的容器：格式与 data 块原始字节。
type WAV struct {
	Format Format
	Data   []byte
}

// ParseWAV 遍历 RIFF 块读取 fmt 与 data，不要求 data 紧跟在 fmt 之后。
// data 块声明长度超出实际数据时截断到实际长度。
func ParseWAV(b []byte) (*WAV, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		w       WAV
		haveFmt bool
		off     = 12
	)
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(b) {
			size = len(b) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrNotWAV, size)
			}
			chunk := b[body : body+size]
			w.Format = Format{
				AudioFormat: binary.LittleEndian.Uint16(chunk[0:2]),
				Channels:    int(binary.LittleEndian.Uint16(chunk[2:4])),
				SampleRate:  int(binary.LittleEndian.Uint32(chunk[4:8])),
				BitDepth:    int(binary.LittleEndian.Uint16(chunk[14:16])),
			}
			// WAVE_FORMAT_EXTENSIBLE 的真实格式在子格式 GUID 的前两个字节
			if w.Format.AudioFormat == formatExtensible && size >= 26 {
				w.Format.AudioFormat = binary.LittleEndian.Uint16(chunk[24:26])
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			w.Data = b[body : body+size]
			return &w, nil
		}

		// 块按偶数字节对齐
		off = body + size + size%2
	}

	if !haveFmt {
		return nil, fmt.Errorf("%w: missing fmt chunk", ErrNotWAV)
	}
	return nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

// Inspect 返回音频格式；无法解析时返回错误。
func Inspect(b []byte) (Format, error) {
	w, err := ParseWAV(b)
	if err != nil {
		return Format{}, err
	}
	return w.Format, nil
}

// Validate 当且仅当输入为可解析的 16 kHz 单声道 16-bit PCM WAV 时返回 true。
func Validate(b []byte) bool {
	f, err := Inspect(b)
	return err == nil && f.Canonical()
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// EncodePCM16 将单声道 16-bit 样本封装为 44 字节头的 WAV。
func EncodePCM16(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("write WAV data: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMono 将任意 PCM（8/16/24/32-bit 整数或 32-bit 浮点）解码并混为单声道 16-bit 样本。
func DecodeMono(w *WAV) ([]int16, error) {
	f := w.Format
	if f.Channels <= 0 || f.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid format %s", f)
	}
	if f.AudioFormat != formatPCM && f.AudioFormat != formatIEEEFloat {
		return nil, fmt.Errorf("unsupported audio format tag %d", f.AudioFormat)
	}
	bytesPerSample := f.BitDepth / 8
	if bytesPerSample < 1 || bytesPerSample > 4 || f.BitDepth%8 != 0 {
		return nil, fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	if f.AudioFormat == formatIEEEFloat && bytesPerSample != 4 {
		return nil, fmt.Errorf("unsupported float bit depth %d", f.BitDepth)
	}

	frameSize := bytesPerSample * f.Channels
	frames := len(w.Data) / frameSize
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < f.Channels; ch++ {
			off := i*frameSize + ch*bytesPerSample
			sum += sampleAt(w.Data[off:off+bytesPerSample], f.AudioFormat)
		}
		out[i] = clamp16(sum / float64(f.Channels))
	}
	return out, nil
}

// sampleAt 返回按 16-bit 量程缩放后的样本值。
func sampleAt(b []byte, tag uint16) float64 {
	switch len(b) {
	case 1:
		// 8-bit PCM 为无符号
		return float64(int(b[0])-128) * 256
	case 2:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(int8(b[2]))<<16
		return float64(v) / 256
	default:
		bits := binary.LittleEndian.Uint32(b)
		if tag == formatIEEEFloat {
			return float64(math.Float32frombits(bits)) * math.MaxInt16
		}
		return float64(int32(bits)) / 65536
	}
}

func clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// ResampleLinear 线性插值重采样。
func ResampleLinear(in []int16, inRate, outRate int) []int16 {
	if inRate == outRate || len(in) == 0 {
		return append([]int16(nil), in...)
	}
	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(in)) * ratio))
	if outLen < 1 {
		return []int16{}
	}
	out := make([]int16, outLen)
	for i := range out {
		srcPos := float64(i) / ratio
		i0 := int(math.Floor(srcPos))
		if i0 >= len(in) {
			i0 = len(in) - 1
		}
		i1 := i0 + 1
		if i1 >= len(in) {
			i1 = len(in) - 1
		}
		frac := srcPos - float64(i0)
		out[i] = clamp16(float64(in[i0])*(1-frac) + float64(in[i1])*frac)
	}
	return out
}
