// Package main implements aes67-stream, a CLI that loads a raw,
// interleaved 32-bit PCM file and feeds it into one of the engine's
// output rings for transmission.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/opd-ai/aes67vsc/config"
	"github.com/opd-ai/aes67vsc/engine"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "JSON config file (defaults applied if omitted)")
	streamIdx := flag.Int("stream", 0, "output stream index (0-7)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: aes67-stream [flags] <raw-pcm-file>\n")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "aes67-stream: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "aes67-stream: %v\n", err)
		os.Exit(1)
	}
	samples := decodeRawPCM(data)

	eng := engine.NewEngine(cfg)
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "aes67-stream: %v\n", err)
		os.Exit(1)
	}
	defer eng.Stop()

	ring, err := eng.OutputRing(*streamIdx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aes67-stream: %v\n", err)
		os.Exit(1)
	}

	samplesPerFrame := engine.ChannelsPerStream
	ticker := time.NewTicker(time.Duration(cfg.PacketTimeUs) * time.Microsecond)
	defer ticker.Stop()

	offset := 0
	for offset < len(samples) {
		<-ticker.C
		framesLeft := (len(samples) - offset) / samplesPerFrame
		chunk := cfg.PacketTimeUs * engine.SampleRate / 1_000_000
		if chunk > framesLeft {
			chunk = framesLeft
		}
		if chunk == 0 {
			break
		}
		n := ring.Write(samples[offset:offset+chunk*samplesPerFrame], chunk)
		if n < chunk {
			logrus.WithFields(logrus.Fields{
				"function": "main",
				"wrote":    n,
				"want":     chunk,
			}).Warn("output ring overflow, dropping samples")
		}
		offset += chunk * samplesPerFrame
	}

	fmt.Println("playback complete")
}

// decodeRawPCM interprets data as little-endian int32 samples.
func decodeRawPCM(data []byte) []int32 {
	n := len(data) / 4
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		samples[i] = int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return samples
}
