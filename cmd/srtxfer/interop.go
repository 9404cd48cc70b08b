package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/pterm/pterm"
	srtgo "github.com/zsiec/srtgo"
	"golang.org/x/time/rate"

	"github.com/zsiec/srtkit/srt"
)

// interopResult is one row of the interop report.
type interopResult struct {
	name    string
	bytes   int
	elapsed time.Duration
	rttMs   float64
	retrans uint64
	err     error
}

func runInterop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("interop", flag.ExitOnError)
	size := fs.Int("bytes", 4<<20, "payload size per direction")
	timeout := fs.Duration("timeout", 30*time.Second, "limit per direction")
	seed := fs.Uint64("seed", 1, "payload seed")
	bps := fs.Int64("rate", 4<<20, "writer pace in bytes per second, 0 for none (the reference library runs in live mode and drops bursts)")
	fs.Parse(args)

	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], *seed)
	payload := make([]byte, *size)
	rand.NewChaCha8(key).Read(payload)

	cases := []struct {
		name string
		fn   func(context.Context, []byte, *rate.Limiter) interopResult
	}{
		{"srtkit caller -> reference listener", callerToReference},
		{"reference caller -> srtkit listener", referenceToListener},
	}

	pterm.Info.Println(fmt.Sprintf("srtxfer %s interop, %d bytes per direction", version, *size))
	var results []interopResult
	for _, c := range cases {
		cctx, cancel := context.WithTimeout(ctx, *timeout)
		start := time.Now()
		r := c.fn(cctx, payload, pacer(*bps))
		cancel()
		r.name, r.elapsed = c.name, time.Since(start)
		results = append(results, r)
	}
	return report(results)
}

func report(results []interopResult) error {
	data := pterm.TableData{{"Direction", "Bytes", "Time", "RTT ms", "Retransmits", "Result"}}
	var failed error
	for _, r := range results {
		status := pterm.Green("pass")
		if r.err != nil {
			status = pterm.Red(r.err.Error())
			failed = errors.Join(failed, fmt.Errorf("%s: %w", r.name, r.err))
		}
		data = append(data, []string{
			r.name,
			fmt.Sprint(r.bytes),
			r.elapsed.Round(time.Millisecond).String(),
			fmt.Sprintf("%.2f", r.rttMs),
			fmt.Sprint(r.retrans),
			status,
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if failed != nil {
		pterm.Error.Println("interop failed")
		return failed
	}
	pterm.Success.Println("interop passed")
	return nil
}

func freeUDPAddr() (string, error) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer pc.Close()
	return pc.LocalAddr().String(), nil
}

// readDigest reads exactly n bytes from r and returns their hash.
func readDigest(r io.Reader, n int) ([32]byte, error) {
	h := sha256.New()
	if _, err := io.CopyN(h, r, int64(n)); err != nil {
		return [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// pacer returns a limiter admitting bps bytes per second in chunkSize
// bursts, or an unlimited one when bps is zero.
func pacer(bps int64) *rate.Limiter {
	if bps <= 0 {
		return rate.NewLimiter(rate.Inf, chunkSize)
	}
	return rate.NewLimiter(rate.Limit(bps), chunkSize)
}

func writeChunks(ctx context.Context, w io.Writer, payload []byte, lim *rate.Limiter) error {
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		if err := lim.WaitN(ctx, end-off); err != nil {
			return fmt.Errorf("pace at offset %d: %w", off, err)
		}
		if _, err := w.Write(payload[off:end]); err != nil {
			return fmt.Errorf("write at offset %d: %w", off, err)
		}
	}
	return nil
}

func interopConfig() srt.Config {
	cfg := srt.DefaultConfig()
	cfg.Logger = slog.Default().With("interop", true)
	cfg.StreamID = "interop"
	return cfg
}

func callerToReference(ctx context.Context, payload []byte, lim *rate.Limiter) interopResult {
	var res interopResult
	addr, err := freeUDPAddr()
	if err != nil {
		res.err = err
		return res
	}
	l, err := srtgo.Listen(addr, srtgo.DefaultConfig())
	if err != nil {
		res.err = fmt.Errorf("reference listen: %w", err)
		return res
	}
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer func() {
		if stop() {
			l.Close()
		}
	}()

	type digest struct {
		sum [32]byte
		err error
	}
	got := make(chan digest, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			got <- digest{err: fmt.Errorf("reference accept: %w", err)}
			return
		}
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer func() {
			if stop() {
				c.Close()
			}
		}()
		sum, err := readDigest(c, len(payload))
		got <- digest{sum: sum, err: err}
	}()

	s, err := srt.Dial(ctx, addr, interopConfig())
	if err != nil {
		res.err = fmt.Errorf("dial: %w", err)
		return res
	}
	defer s.Close()
	if err := writeChunks(ctx, s, payload, lim); err != nil {
		res.err = err
		return res
	}

	d := <-got
	st := s.Stats()
	res.bytes, res.rttMs, res.retrans = len(payload), st.RTTMs, st.Retransmits
	switch {
	case d.err != nil:
		res.err = d.err
	case d.sum != sha256.Sum256(payload):
		res.err = errors.New("payload digest mismatch")
	}
	return res
}

func referenceToListener(ctx context.Context, payload []byte, lim *rate.Limiter) interopResult {
	var res interopResult
	l, err := srt.Listen("127.0.0.1:0", interopConfig())
	if err != nil {
		res.err = err
		return res
	}
	defer l.Close()

	sent := make(chan error, 1)
	go func() {
		c, err := srtgo.Dial(l.Addr().String(), srtgo.DefaultConfig())
		if err != nil {
			sent <- fmt.Errorf("reference dial: %w", err)
			return
		}
		// The reference caller stays open until ctx ends so its Close
		// cannot cut off unacknowledged data.
		context.AfterFunc(ctx, func() { c.Close() })
		sent <- writeChunks(ctx, c, payload, lim)
	}()

	s, err := l.Accept(ctx)
	if err != nil {
		res.err = fmt.Errorf("accept: %w", err)
		return res
	}
	defer s.Close()

	sum, err := readDigest(s, len(payload))
	st := s.Stats()
	res.bytes, res.rttMs, res.retrans = len(payload), st.RTTMs, st.Retransmits
	switch {
	case err != nil:
		res.err = err
	case sum != sha256.Sum256(payload):
		res.err = errors.New("payload digest mismatch")
	}
	select {
	case werr := <-sent:
		res.err = errors.Join(res.err, werr)
	default:
	}
	return res
}
