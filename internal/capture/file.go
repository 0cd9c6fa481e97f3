// ABOUTME: File-backed capture endpoints that loop MP3 or FLAC audio
// ABOUTME: Decoded PCM is metered against the wall clock like a live device
package capture

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	mp3 "github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
	log "github.com/schollz/logger"

	"github.com/soundbridge/soundbridge/pkg/audio"
)

func openFileEndpoint(path string) (Endpoint, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errAt(StageOpen, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return openMP3Endpoint(path)
	case ".flac":
		return openFLACEndpoint(path)
	default:
		return nil, unsupportedFile(path)
	}
}

// mp3Reader decodes an MP3 file and seeks back to the start on EOF so
// the stream never ends.
type mp3Reader struct {
	file    *os.File
	decoder *mp3.Decoder
}

func openMP3Endpoint(path string) (Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errAt(StageOpen, err)
	}
	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, errAt(StageFormat, err)
	}

	format := audio.Format{
		SampleRate: decoder.SampleRate(),
		Channels:   2, // the MP3 decoder always outputs stereo
		BitDepth:   16,
		Encoding:   audio.EncodingSignedInt,
		ByteOrder:  audio.LittleEndian,
	}
	log.Debugf("mp3 endpoint: %s (%s)", path, format)

	return newClocked(&mp3Reader{file: f, decoder: decoder}, format, f), nil
}

func (m *mp3Reader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := m.decoder.Read(p[total:])
		total += n
		if err == io.EOF {
			if _, err := m.file.Seek(0, io.SeekStart); err != nil {
				return total, err
			}
			decoder, err := mp3.NewDecoder(m.file)
			if err != nil {
				return total, err
			}
			m.decoder = decoder
			continue
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// flacReader parses FLAC frames on demand, converting to 16-bit
// little-endian and looping at end of stream.
type flacReader struct {
	file     *os.File
	stream   *flac.Stream
	bitDepth int
	channels int
	leftover []byte
}

func openFLACEndpoint(path string) (Endpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errAt(StageOpen, err)
	}
	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, errAt(StageFormat, err)
	}

	info := stream.Info
	format := audio.Format{
		SampleRate: int(info.SampleRate),
		Channels:   int(info.NChannels),
		BitDepth:   16,
		Encoding:   audio.EncodingSignedInt,
		ByteOrder:  audio.LittleEndian,
	}
	log.Debugf("flac endpoint: %s (%s, source depth %d)", path, format, info.BitsPerSample)

	return newClocked(&flacReader{
		file:     f,
		stream:   stream,
		bitDepth: int(info.BitsPerSample),
		channels: int(info.NChannels),
	}, format, f), nil
}

func (r *flacReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(r.leftover) == 0 {
			if err := r.decodeFrame(); err != nil {
				return total, err
			}
		}
		n := copy(p[total:], r.leftover)
		r.leftover = r.leftover[n:]
		total += n
	}
	return total, nil
}

func (r *flacReader) decodeFrame() error {
	frame, err := r.stream.ParseNext()
	if err == io.EOF {
		if _, err := r.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		stream, err := flac.New(r.file)
		if err != nil {
			return err
		}
		r.stream = stream
		frame, err = stream.ParseNext()
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	shift := r.bitDepth - 16
	out := make([]byte, int(frame.BlockSize)*r.channels*2)
	idx := 0
	for i := 0; i < int(frame.BlockSize); i++ {
		for ch := 0; ch < r.channels; ch++ {
			s := frame.Subframes[ch].Samples[i]
			if shift > 0 {
				s >>= shift
			} else if shift < 0 {
				s <<= -shift
			}
			out[idx] = byte(s)
			out[idx+1] = byte(s >> 8)
			idx += 2
		}
	}
	r.leftover = out
	return nil
}
