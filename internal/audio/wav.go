package audio

import "encoding/binary"

// WAVHeaderSize is the size of the canonical 16-bit PCM WAV header. A rotated
// chunk whose encoded length does not exceed this carries no audio and is
// skipped by the chunk loop.
const WAVHeaderSize = 44

const bytesPerSample = 2 // 16-bit PCM

// EncodeWAV wraps raw 16-bit little-endian PCM in a complete WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, WAVHeaderSize+len(pcm))
	putWAVHeader(out, len(pcm), sampleRate, channels)
	copy(out[WAVHeaderSize:], pcm)
	return out
}

// putWAVHeader writes a RIFF/WAVE header for dataLen bytes of PCM into buf,
// which must be at least WAVHeaderSize long.
func putWAVHeader(buf []byte, dataLen, sampleRate, channels int) {
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // linear PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
}

// Int16ToBytes converts int16 samples to little-endian PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
