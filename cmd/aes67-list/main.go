// Package main implements aes67-list, a CLI that listens for SAP
// announcements on a network interface and prints the streams it
// discovers.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/opd-ai/aes67vsc/sap"
	"github.com/sirupsen/logrus"
)

func main() {
	iface := flag.String("interface", "en0", "network interface to listen on")
	duration := flag.Duration("duration", 5*time.Second, "how long to listen before printing results")
	flag.Parse()

	logrus.SetLevel(logrus.WarnLevel)

	disc := sap.NewDiscoverer(nil)
	if err := disc.Start(*iface); err != nil {
		fmt.Fprintf(os.Stderr, "aes67-list: %v\n", err)
		os.Exit(1)
	}
	defer disc.Stop()

	time.Sleep(*duration)

	names := disc.Names()
	sort.Strings(names)
	if len(names) == 0 {
		fmt.Println("no streams discovered")
		return
	}

	for _, name := range names {
		session, ok := disc.Lookup(name)
		if !ok {
			continue
		}
		origin, _ := disc.Origin(name)
		fmt.Printf("%-24s %s:%d  %s  ptime=%dus  origin=%s\n",
			name, session.ConnectionAddr, session.Port, session.RTPMap, session.PacketTimeUs, origin)
	}
}
