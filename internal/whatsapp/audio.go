package whatsapp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	waveformSamples = 64
	probeTimeout    = 15 * time.Second
)

// voiceMeta is the duration and waveform shown on a voice note bubble.
type voiceMeta struct {
	Seconds  uint32
	Waveform []byte
}

// probeVoiceNote extracts voice note metadata with ffprobe and ffmpeg.
// It returns the zero value when the tools are missing or fail; the note
// is still sent, just without a waveform.
func probeVoiceNote(ctx context.Context, data []byte) voiceMeta {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return voiceMeta{}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	tmp, err := os.CreateTemp("", "voice-*.ogg")
	if err != nil {
		return voiceMeta{}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return voiceMeta{}
	}
	_ = tmp.Close()

	var meta voiceMeta
	if secs, err := audioSeconds(ctx, tmp.Name()); err != nil {
		log.Debug().Err(err).Msg("Could not read voice note duration")
	} else {
		meta.Seconds = secs
	}

	pcm, err := exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-i", tmp.Name(),
		"-ac", "1",
		"-ar", "16000",
		"-f", "s16le",
		"pipe:1",
	).Output()
	if err != nil {
		log.Debug().Err(err).Msg("Could not decode voice note for waveform")
		return meta
	}
	meta.Waveform = waveform(pcm)
	return meta
}

func audioSeconds(ctx context.Context, file string) (uint32, error) {
	out, err := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		file,
	).Output()
	if err != nil {
		return 0, err
	}
	return parseSeconds(out)
}

func parseSeconds(out []byte) (uint32, error) {
	s := strings.TrimSpace(string(out))
	if s == "" {
		return 0, fmt.Errorf("no duration in probe output")
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return uint32(math.Round(d)), nil
}

// waveform averages signed 16-bit little-endian PCM into 64 buckets scaled
// so the loudest bucket is 100.
func waveform(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}

	block := max(n/waveformSamples, 1)
	buckets := make([]float64, waveformSamples)
	peak := 0.0
	for i := range buckets {
		start := i * block
		if start >= n {
			break
		}
		end := min(start+block, n)
		sum := 0.0
		for j := start; j < end; j++ {
			v := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
			sum += math.Abs(v) / 32768.0
		}
		buckets[i] = sum / float64(end-start)
		peak = max(peak, buckets[i])
	}

	wave := make([]byte, waveformSamples)
	if peak <= 0 {
		return wave
	}
	for i, v := range buckets {
		wave[i] = byte(min(math.Floor(100*v/peak), 100))
	}
	return wave
}
