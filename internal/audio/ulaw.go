package audio

import (
	"encoding/binary"
	"math"
)

const (
	// TelephonySampleRate is the rate of G.711 media stream audio.
	TelephonySampleRate = 8000
	// FrameBytes is one 20ms frame of 8kHz mu-law audio.
	FrameBytes = 160
)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// EncodeULaw converts 16-bit little-endian PCM to G.711 mu-law.
func EncodeULaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = linearToULaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// DecodeULaw converts G.711 mu-law to 16-bit little-endian PCM.
func DecodeULaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(ulawToLinear(u)))
	}
	return out
}

func linearToULaw(sample int16) byte {
	s := int(sample)
	var sign int
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

func ulawToLinear(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	s := ((mantissa<<3)+ulawBias)<<exponent - ulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}

// Resample converts mono PCM16LE between sample rates with linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	in := len(pcm) / 2
	if from <= 0 || to <= 0 || from == to || in == 0 {
		return append([]byte(nil), pcm[:in*2]...)
	}
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		pos := float64(i) * float64(from) / float64(to)
		j := int(pos)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
		b := a
		if j+1 < in {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:])))
		}
		v := math.Round(a + (b-a)*(pos-float64(j)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Frames splits mu-law audio into 20ms frames. A short final frame is
// padded with silence.
func Frames(ulaw []byte) [][]byte {
	var frames [][]byte
	for off := 0; off < len(ulaw); off += FrameBytes {
		frame := make([]byte, FrameBytes)
		n := copy(frame, ulaw[off:])
		for i := n; i < FrameBytes; i++ {
			frame[i] = 0xFF
		}
		frames = append(frames, frame)
	}
	return frames
}
