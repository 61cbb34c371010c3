package sound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Format describes PCM sample layout.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Clip is decoded PCM audio.
type Clip struct {
	Format Format
	PCM    []byte
}

// Duration returns the clip's play time in whole milliseconds.
func (c Clip) Duration() int {
	frame := c.Format.Channels * c.Format.BitsPerSample / 8
	if frame == 0 || c.Format.SampleRate == 0 {
		return 0
	}
	return len(c.PCM) / frame * 1000 / c.Format.SampleRate
}

var errNotWAV = errors.New("not a RIFF/WAVE file")

// DecodeWAV reads an uncompressed PCM WAV stream.
func DecodeWAV(r io.Reader) (Clip, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Clip{}, fmt.Errorf("read header: %w", err)
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Clip{}, errNotWAV
	}

	var (
		clip    Clip
		haveFmt bool
	)
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return Clip{}, errors.New("no data chunk")
			}
			return Clip{}, fmt.Errorf("read chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Clip{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if size < 16 {
				return Clip{}, fmt.Errorf("fmt chunk too short: %d", size)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return Clip{}, fmt.Errorf("unsupported encoding %d (want PCM)", tag)
			}
			clip.Format = Format{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, errors.New("data chunk before fmt chunk")
			}
			clip.PCM = make([]byte, size)
			if _, err := io.ReadFull(r, clip.PCM); err != nil {
				return Clip{}, fmt.Errorf("read data chunk: %w", err)
			}
			return clip, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return Clip{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
		// Chunks are word aligned.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil && !errors.Is(err, io.EOF) {
				return Clip{}, fmt.Errorf("skip pad byte: %w", err)
			}
		}
	}
}

// EncodeWAV writes clip as a PCM WAV stream.
func EncodeWAV(w io.Writer, clip Clip) error {
	f := clip.Format
	blockAlign := f.Channels * f.BitsPerSample / 8
	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(clip.PCM)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(f.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(f.BitsPerSample))
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(clip.PCM)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(clip.PCM); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}
