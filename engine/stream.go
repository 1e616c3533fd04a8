package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/aes67vsc/config"
	"github.com/opd-ai/aes67vsc/enginerr"
	"github.com/opd-ai/aes67vsc/jitter"
	"github.com/opd-ai/aes67vsc/ptp"
	"github.com/opd-ai/aes67vsc/ring"
	aes67rtp "github.com/opd-ai/aes67vsc/rtp"
	"github.com/opd-ai/aes67vsc/sap"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
)

const (
	dscpEF       = 0xB8
	multicastTTL = 32
	recvBufBytes = 256 * 1024
	recvTimeout  = time.Second
)

func packetFrames(cfg *config.Config) int {
	return cfg.PacketTimeUs * SampleRate / 1_000_000
}

// txStream owns the socket and codec state for one outbound audio
// stream: the host writes samples into ringBuf, the TX goroutine
// packetizes and sends them every packet interval.
type txStream struct {
	idx int
	cfg *config.Config

	packetizer   *aes67rtp.Packetizer
	ringBuf      *ring.Ring
	clockIdentity string // rendered ts-refclk clock identity, best-effort

	conn *net.UDPConn
	dest *net.UDPAddr

	closeOnce sync.Once
}

func newTxStream(idx int, cfg *config.Config) *txStream {
	frames := packetFrames(cfg)
	identity := ""
	if id, err := ptp.ClockIdentityFromInterface(cfg.Interface); err == nil {
		identity = id.String()
	}
	return &txStream{
		idx:          idx,
		cfg:          cfg,
		packetizer:   aes67rtp.NewPacketizer(streamSSRC(idx), ChannelsPerStream, SampleRate),
		ringBuf:      ring.New(frames*ringFramesMultiple, ChannelsPerStream),
		clockIdentity: identity,
		dest:         &net.UDPAddr{IP: net.ParseIP(txMulticastAddr(idx)), Port: AudioPort},
	}
}

func (s *txStream) open() error {
	conn, err := net.DialUDP("udp4", nil, s.dest)
	if err != nil {
		return enginerr.NewAddr(enginerr.KindResource, "txStream.open", s.dest.String(), err)
	}
	if err := markDSCP(conn); err != nil {
		conn.Close()
		return err
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(multicastTTL); err != nil {
		conn.Close()
		return enginerr.New(enginerr.KindResource, "txStream.open", err)
	}
	s.conn = conn
	return nil
}

func (s *txStream) close() {
	s.closeOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (s *txStream) run(ctx context.Context, g *errgroup.Group) {
	frames := packetFrames(s.cfg)
	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(s.cfg.PacketTimeUs) * time.Microsecond)
		defer ticker.Stop()

		buf := make([]int32, frames*ChannelsPerStream)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n := s.ringBuf.Read(buf)
				if n == 0 {
					continue
				}
				if n < frames {
					logrus.WithFields(logrus.Fields{
						"function": "txStream.run",
						"stream":   s.idx,
						"got":      n,
						"want":     frames,
					}).Debug("short read from output ring")
				}
				pkt := s.packetizer.Create(buf[:n*ChannelsPerStream], n)
				if pkt == nil {
					continue
				}
				if _, err := s.conn.Write(pkt); err != nil {
					return nil // socket closed by Stop; exit quietly
				}
			}
		}
	})
}

func (s *txStream) sessionDescription() sap.Session {
	sess := sap.Session{
		Origin:         fmt.Sprintf("aes67vsc %d %d IN IP4 %s", streamSSRC(s.idx), streamSSRC(s.idx), localOriginIP(s.cfg.Interface)),
		SessionName:    fmt.Sprintf("Stream-%d", s.idx+1),
		ConnectionAddr: txMulticastAddr(s.idx),
		ConnectionTTL:  multicastTTL,
		Port:           AudioPort,
		PayloadType:    aes67rtp.PayloadTypeL24,
		RTPMap:         fmt.Sprintf("L24/%d/%d", SampleRate, ChannelsPerStream),
		PacketTimeUs:   s.cfg.PacketTimeUs,
		MediaClk:       "direct=0",
	}
	if s.clockIdentity != "" {
		sess.TSRefClock = fmt.Sprintf("ptp=IEEE1588-2008:%s:0", s.clockIdentity)
	}
	return sess
}

// rxStream owns the socket, codec, jitter buffer, and playout goroutine
// for one inbound audio stream. The RX goroutine inserts depacketized
// packets into the jitter buffer; the playout goroutine is the sole
// writer of ringBuf, the host's read side.
type rxStream struct {
	idx int
	cfg *config.Config
	eng *Engine

	depacketizer *aes67rtp.Depacketizer
	jitterBuf    *jitter.Buffer
	ringBuf      *ring.Ring

	conn  *net.UDPConn
	group *net.UDPAddr

	stopPlayout chan struct{}
	closeOnce   sync.Once
}

func newRxStream(idx int, cfg *config.Config, eng *Engine) *rxStream {
	frames := packetFrames(cfg)
	jitterMax := 2 * cfg.JitterBufferPackets
	jitterMin := 2
	if jitterMax <= jitterMin {
		jitterMax = jitterMin + 4
	}
	return &rxStream{
		idx:          idx,
		cfg:          cfg,
		eng:          eng,
		depacketizer: aes67rtp.NewDepacketizer(ChannelsPerStream, SampleRate),
		jitterBuf:    jitter.New(jitterMin, jitterMax, ChannelsPerStream, SampleRate),
		ringBuf:      ring.New(frames*ringFramesMultiple, ChannelsPerStream),
		group:        &net.UDPAddr{IP: net.ParseIP(rxMulticastAddr(idx)), Port: AudioPort},
		stopPlayout:  make(chan struct{}),
	}
}

func (s *rxStream) open() error {
	conn, err := net.ListenMulticastUDP("udp4", nil, s.group)
	if err != nil {
		return enginerr.NewAddr(enginerr.KindResource, "rxStream.open", s.group.String(), err)
	}
	if err := conn.SetReadBuffer(recvBufBytes); err != nil {
		conn.Close()
		return enginerr.NewAddr(enginerr.KindResource, "rxStream.open", s.group.String(), err)
	}
	if err := markDSCP(conn); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	return nil
}

func (s *rxStream) close() {
	s.closeOnce.Do(func() {
		close(s.stopPlayout)
		if s.conn != nil {
			s.conn.Close()
		}
		s.jitterBuf.Reset()
	})
}

func (s *rxStream) run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		s.receiveLoop(ctx)
		return nil
	})
	g.Go(func() error {
		s.jitterBuf.RunPlayout(s.stopPlayout, s.ringBuf, s.eng.NowPTPNs, s.cfg.PacketTimeUs, packetFrames(s.cfg))
		return nil
	})
	g.Go(func() error {
		s.watchXruns(ctx)
		return nil
	})
}

func (s *rxStream) receiveLoop(ctx context.Context) {
	buf := make([]byte, 1500)
	var samples []int32
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		decoded, err := s.depacketizer.Parse(buf[:n], samples)
		if err != nil {
			continue // malformed or out-of-order packet: swallowed and not counted (depacketizer loss stats cover sequence gaps only)
		}
		samples = decoded

		arrival := s.eng.NowPTPNs()
		frameCount := len(decoded) / ChannelsPerStream
		s.jitterBuf.Insert(s.depacketizer.LastTimestamp(), arrival, decoded, frameCount)
	}
}

// watchXruns polls jitter buffer statistics to surface overrun/underrun
// transitions through the engine's on_xrun callback, since Buffer itself
// has no callback hook.
func (s *rxStream) watchXruns(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastOverruns, lastUnderruns uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.jitterBuf.Stats()
			if stats.Overruns > lastOverruns {
				s.eng.invokeXrun(s.idx, false)
				lastOverruns = stats.Overruns
			}
			if stats.Underruns > lastUnderruns {
				s.eng.invokeXrun(s.idx, true)
				lastUnderruns = stats.Underruns
			}
		}
	}
}

func streamSSRC(idx int) uint32 { return 0xA0000000 + uint32(idx) }

func markDSCP(conn *net.UDPConn) error {
	if err := ipv4.NewConn(conn).SetTOS(dscpEF); err != nil {
		return enginerr.New(enginerr.KindResource, "markDSCP", err)
	}
	return nil
}
