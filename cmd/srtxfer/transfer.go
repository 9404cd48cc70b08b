package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zsiec/srtkit/internal/monitor"
	"github.com/zsiec/srtkit/internal/netsim"
	"github.com/zsiec/srtkit/srt"
)

// chunkSize is seven MPEG-TS packets, the customary live SRT payload.
const chunkSize = 188 * 7

type options struct {
	config    string
	statsAddr string
	statsTLS  bool
	loss      float64
	seed      uint64
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.config, "config", envOr("SRT_CONFIG", ""), "YAML configuration file applied before URL options")
	fs.StringVar(&o.statsAddr, "stats-addr", envOr("STATS_ADDR", ""), "serve JSON session statistics on this address")
	fs.BoolVar(&o.statsTLS, "stats-tls", false, "serve statistics over HTTPS with a self-signed certificate")
	fs.Float64Var(&o.loss, "loss", envFloat("SRT_LOSS", 0), "drop this fraction of outbound datagrams")
	fs.Uint64Var(&o.seed, "seed", 1, "random seed for -loss")
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(envOr(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

// transfer holds one established session and the services around it.
type transfer struct {
	opts     options
	sess     *srt.Session
	listener *srt.Listener
	stats    *monitor.Registry
}

// open connects or accepts according to the URL's mode.
func open(ctx context.Context, rawURL string, opts options) (*transfer, error) {
	base := srt.DefaultConfig()
	if opts.config != "" {
		cfg, err := srt.LoadConfig(opts.config)
		if err != nil {
			return nil, err
		}
		base = cfg
	}
	addr, cfg, err := srt.ParseURL(rawURL, base)
	if err != nil {
		return nil, err
	}
	cfg.Logger = slog.Default()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &transfer{opts: opts, stats: monitor.NewRegistry()}
	if cfg.Mode == srt.ModeListener {
		err = t.accept(ctx, addr, cfg)
	} else {
		err = t.dial(ctx, addr, cfg)
	}
	if err != nil {
		return nil, err
	}
	t.stats.Add(cfg.Mode, t.sess)
	return t, nil
}

func (t *transfer) socket(addr string) (net.PacketConn, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	if t.opts.loss <= 0 {
		return pc, nil
	}
	slog.Info("simulating loss", "rate", t.opts.loss, "seed", t.opts.seed)
	return netsim.Wrap(pc, t.opts.loss, t.opts.seed), nil
}

func (t *transfer) dial(ctx context.Context, addr string, cfg srt.Config) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	local := cfg.LocalAddr
	if local == "" {
		local = ":0"
	}
	pc, err := t.socket(local)
	if err != nil {
		return err
	}
	t.sess, err = srt.DialConn(ctx, pc, raddr, cfg)
	return err
}

func (t *transfer) accept(ctx context.Context, addr string, cfg srt.Config) error {
	pc, err := t.socket(addr)
	if err != nil {
		return err
	}
	t.listener, err = srt.ListenConn(pc, cfg)
	if err != nil {
		return err
	}
	slog.Info("waiting for caller", "addr", t.listener.Addr().String())
	t.sess, err = t.listener.Accept(ctx)
	if err != nil {
		t.listener.Close()
		return err
	}
	return nil
}

// run executes fn alongside the optional stats server and tears both
// down when fn returns.
func (t *transfer) run(ctx context.Context, fn func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	ctx, done := context.WithCancel(ctx)

	if t.opts.statsAddr != "" {
		g.Go(func() error {
			return t.stats.Serve(ctx, monitor.ServerConfig{Addr: t.opts.statsAddr, TLS: t.opts.statsTLS})
		})
	}
	g.Go(func() error {
		defer done()
		return fn(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		t.sess.Close()
		if t.listener != nil {
			t.listener.Close()
		}
		return nil
	})

	err := g.Wait()
	st := t.sess.Stats()
	slog.Info("transfer finished",
		"bytes_sent", st.BytesSent, "bytes_received", st.BytesReceived,
		"retransmits", st.Retransmits, "lost", st.PacketsLost, "rtt_ms", st.RTTMs)
	return err
}

func runSend(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	opts.register(fs)
	bps := fs.Int64("rate", 0, "pace input to this many bytes per second (0 sends as fast as the link allows)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("send: missing srt:// URL")
	}

	in := io.Reader(os.Stdin)
	if fs.NArg() > 1 {
		f, err := os.Open(fs.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	t, err := open(ctx, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	return t.run(ctx, func(ctx context.Context) error {
		lim := rate.NewLimiter(rate.Inf, chunkSize)
		if *bps > 0 {
			lim.SetLimit(rate.Limit(*bps))
		}
		var total int64
		buf := make([]byte, chunkSize)
		for {
			n, rerr := io.ReadFull(in, buf)
			if n > 0 {
				if err := lim.WaitN(ctx, n); err != nil {
					return err
				}
				if err := t.sess.SendContext(ctx, buf[:n]); err != nil {
					return fmt.Errorf("send after %d bytes: %w", total, err)
				}
				total += int64(n)
			}
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				slog.Info("input complete, flushing", "bytes", total)
				return t.sess.Close()
			}
			if rerr != nil {
				return rerr
			}
		}
	})
}

func runRecv(ctx context.Context, args []string) error {
	var opts options
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	opts.register(fs)
	fs.Parse(args)
	if fs.NArg() < 1 {
		return errors.New("recv: missing srt:// URL")
	}

	out := io.Writer(os.Stdout)
	if fs.NArg() > 1 {
		f, err := os.Create(fs.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	t, err := open(ctx, fs.Arg(0), opts)
	if err != nil {
		return err
	}
	slog.Info("receiving", "remote", t.sess.RemoteAddr().String(), "stream_id", t.sess.StreamID())
	return t.run(ctx, func(ctx context.Context) error {
		n, err := io.Copy(out, t.sess)
		slog.Info("stream ended", "bytes", n)
		if errors.Is(err, srt.ErrLinkFailure) || errors.Is(err, srt.ErrKeyExchangeFailed) {
			return err
		}
		return nil
	})
}
