package plugins

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/zsiec/tsproc/internal/mpegts"
	"github.com/zsiec/tsproc/internal/plugin"
)

// Regulate delays packets so that the stream flows at its bitrate, either
// the one given with --bitrate or the one known at this stage.
//
//	-P regulate [--bitrate B] [--burst N]
type Regulate struct {
	plugin.Base

	fixed mpegts.BitRate
	burst int

	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
	current mpegts.BitRate
	warned  bool
}

// NewRegulate creates the regulate plugin.
func NewRegulate(tsp plugin.TSP) plugin.Processor {
	return &Regulate{Base: plugin.NewBase(tsp, "regulate", plugin.KindProcessor)}
}

func (p *Regulate) Configure(args []string) error {
	fs := p.FlagSet()
	bitrate := fs.Int64P("bitrate", "b", 0, "regulate at this bitrate in b/s instead of the stream bitrate")
	burst := fs.Int("burst", 16, "number of packets passed without delay in one burst")
	if err := p.Parse(fs, args); err != nil {
		return err
	}
	if *bitrate < 0 || *burst < 1 {
		return fmt.Errorf("regulate: invalid --bitrate or --burst")
	}
	p.fixed, p.burst = mpegts.BitRate(*bitrate), *burst
	return nil
}

// IsRealTime reports that regulation only makes sense in real time.
func (p *Regulate) IsRealTime() bool { return true }

func (p *Regulate) Start() error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.limiter = rate.NewLimiter(rate.Inf, p.burst)
	p.current = 0
	p.warned = false
	return nil
}

func (p *Regulate) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *Regulate) update() {
	br := p.fixed
	if br == 0 {
		br = p.TSP.Bitrate()
	}
	if br == p.current {
		return
	}
	p.current = br
	if br <= 0 {
		p.limiter.SetLimit(rate.Inf)
		if !p.warned {
			p.warned = true
			p.Log().Warn("unknown bitrate, packets are not regulated")
		}
		return
	}
	p.limiter.SetLimit(rate.Limit(br.PacketRate()))
	p.Log().Info("regulating", "bitrate", br.String())
}

func (p *Regulate) ProcessPacket(_ *mpegts.Packet, _ *plugin.Metadata) plugin.Status {
	p.update()
	if p.TSP.Aborting() {
		return plugin.StatusOK
	}
	if err := p.limiter.Wait(p.ctx); err != nil {
		p.Log().Debug("regulation interrupted", "error", err)
	}
	return plugin.StatusOK
}
