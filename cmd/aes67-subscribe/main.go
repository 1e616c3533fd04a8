// Package main implements aes67-subscribe, a CLI that joins a multicast
// RTP L24 stream at a given address and port and prints periodic
// reception statistics.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/opd-ai/aes67vsc/rtp"
	"github.com/sirupsen/logrus"
)

func main() {
	channels := flag.Int("channels", 8, "expected channel count")
	sampleRate := flag.Uint("rate", 48000, "expected sample rate")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: aes67-subscribe [flags] <multicast-addr> <port>\n")
		os.Exit(1)
	}

	addr := args[0]
	var port int
	if _, err := fmt.Sscanf(args[1], "%d", &port); err != nil {
		fmt.Fprintf(os.Stderr, "aes67-subscribe: invalid port %q\n", args[1])
		os.Exit(1)
	}

	group := &net.UDPAddr{IP: net.ParseIP(addr), Port: port}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aes67-subscribe: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	dep := rtp.NewDepacketizer(*channels, uint32(*sampleRate))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	var packets uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	buf := make([]byte, 1500)
	var samples []int32
	for {
		select {
		case <-sigCh:
			fmt.Println("\nstopping")
			return
		case <-ticker.C:
			fmt.Printf("packets=%d loss=%d last_seq=%d last_ts=%d\n",
				packets, dep.PacketLoss(), dep.LastSequence(), dep.LastTimestamp())
		default:
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			decoded, err := dep.Parse(buf[:n], samples)
			if err != nil {
				logrus.WithField("function", "main").Debug("dropped malformed packet")
				continue
			}
			samples = decoded
			packets++
		}
	}
}
