package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"deedles.dev/kms/buffer"
	"deedles.dev/kms/device"
	"deedles.dev/kms/drm"
	"deedles.dev/kms/input"
	"deedles.dev/kms/render"
	_ "deedles.dev/kms/render/software"
	_ "deedles.dev/kms/render/vector"
	"deedles.dev/kms/sched"
	"deedles.dev/kms/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRunCmd(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the animation until interrupted or escape is pressed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfg, newLogger(*cfg))
		},
	}

	cmd.Flags().StringVar(
		&cfg.Renderer, "renderer", cfg.Renderer,
		fmt.Sprintf(`The render backend to use. One of %q. The best available is used if empty.`, render.Available()),
	)
	cmd.Flags().Var(
		&cfg.Animation, "animation",
		`What drives the animation: "absolute" for display time or "frames" for the frame count.`,
	)
	cmd.Flags().DurationVar(
		&cfg.Loop, "loop", cfg.Loop,
		`The length of one pass of the animation.`,
	)
	cmd.Flags().IntVar(
		&cfg.Frames, "frames", cfg.Frames,
		`Exit after this many frames on every output. Zero runs until interrupted.`,
	)
	cmd.Flags().BoolVar(
		&cfg.NoLogind, "no-logind", cfg.NoLogind,
		`Open devices directly instead of through logind.`,
	)
	cmd.Flags().IntVar(
		&cfg.TTY, "tty", cfg.TTY,
		`The VT to use when not using logind. Negative leaves the VT alone.`,
	)

	return cmd
}

// card is an open device together with its outputs.
type card struct {
	sess    session.Session
	dev     *drm.Device
	outputs []*device.Output
}

func (c *card) Close() error {
	var errs []error
	for _, o := range c.outputs {
		errs = append(errs, o.Release(c.dev))
	}
	errs = append(errs, c.sess.ReleaseDevice(c.dev.File()))
	return errors.Join(errs...)
}

func openCard(sess session.Session, path string, log zerolog.Logger) (*card, error) {
	file, err := sess.TakeDevice(path)
	if err != nil {
		return nil, err
	}

	dev, err := drm.New(file)
	if err != nil {
		sess.ReleaseDevice(file)
		return nil, fmt.Errorf("%v: %w", path, err)
	}

	outputs, err := device.Probe(dev, log.With().Str("card", path).Logger())
	if err != nil {
		sess.ReleaseDevice(file)
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	if !dev.Caps().DumbBuffer {
		c := card{sess: sess, dev: dev, outputs: outputs}
		c.Close()
		return nil, fmt.Errorf("%v: no dumb buffer support", path)
	}

	return &card{sess: sess, dev: dev, outputs: outputs}, nil
}

func findCard(sess session.Session, cfg Config, log zerolog.Logger) (*card, error) {
	paths, err := cardPaths(cfg.Device)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, path := range paths {
		c, err := openCard(sess, path, log)
		if err != nil {
			log.Debug().Err(err).Msg("skipping card")
			errs = append(errs, err)
			continue
		}
		log.Info().Str("card", path).Int("outputs", len(c.outputs)).Msg("using card")
		return c, nil
	}
	return nil, fmt.Errorf("no usable card: %w", errors.Join(errs...))
}

func run(ctx context.Context, cfg Config, log zerolog.Logger) error {
	sess, err := session.Open(session.Options{Log: log, NoLogind: cfg.NoLogind, TTY: cfg.TTY})
	if err != nil {
		return withCode(exitNoDevice, err)
	}
	defer sess.Close()

	c, err := findCard(sess, cfg, log)
	if err != nil {
		return withCode(exitNoDevice, err)
	}
	defer c.Close()

	var interval time.Duration
	for _, o := range c.outputs {
		ev := log.Info().Stringer("output", o)
		if o.EDID != nil {
			ev = ev.Stringer("monitor", o.EDID)
		}
		ev.Msg("found output")
		interval = max(interval, o.RefreshInterval)
	}

	filler, name, err := render.New(cfg.Renderer, render.Options{Log: log, FenceTimeout: interval})
	if err != nil {
		return withCode(exitRenderer, err)
	}
	defer render.Close(filler)
	log.Info().Str("renderer", name).Msg("selected render backend")

	outputs, err := newOutputs(c, cfg, log)
	if err != nil {
		return err
	}

	watcher, err := input.OpenKeyboards(log, sess.TakeDevice)
	if err != nil {
		log.Warn().Err(err).Msg("keyboard input unavailable")
	}

	loop, err := sched.New(sched.Config{
		Filler:    filler,
		Committer: c.dev,
		Events:    c.dev.Conn(),
		Input:     exitRequester(watcher),
		Log:       log,
		Animation: cfg.Animation,
		Loop:      cfg.Loop,
		Leeway:    cfg.Leeway,
		Tolerance: cfg.Tolerance,
		MaxFrames: cfg.Frames,
	}, outputs)
	if err != nil {
		for _, o := range outputs {
			o.Close()
		}
		if watcher != nil {
			watcher.Close()
		}
		return withCode(exitClock, err)
	}
	defer loop.Close()
	if watcher != nil {
		defer watcher.Close()
	}

	err = loop.Run(ctx)
	if err != nil {
		return withCode(exitLoop, err)
	}
	return nil
}

func exitRequester(w *input.Watcher) sched.ExitRequester {
	if w == nil {
		return nil
	}
	return w
}

func newOutputs(c *card, cfg Config, log zerolog.Logger) (outputs []*sched.Output, err error) {
	defer func() {
		if err != nil {
			for _, o := range outputs {
				o.Close()
			}
			outputs = nil
		}
	}()

	alloc := buffer.DumbAllocator{Device: c.dev}
	for _, desc := range c.outputs {
		pool, err := buffer.NewPool(alloc, cfg.Depth, desc.Width(), desc.Height(), drm.FormatXRGB8888, desc.Modifiers)
		if err != nil {
			return outputs, withCode(exitBuffers, fmt.Errorf("%v: %w", desc.Name, err))
		}

		timer, err := sched.NewTimerFD()
		if err != nil {
			pool.Destroy()
			return outputs, withCode(exitClock, fmt.Errorf("%v: %w", desc.Name, err))
		}

		outputs = append(outputs, sched.NewOutput(desc, pool, timer))
		log.Debug().Str("output", desc.Name).Int("buffers", len(pool.Buffers())).Msg("allocated buffers")
	}
	return outputs, nil
}

func cardPaths(dev string) ([]string, error) {
	if dev == "" {
		paths, err := drm.Cards()
		if err != nil {
			return nil, fmt.Errorf("list cards: %w", err)
		}
		if len(paths) == 0 {
			return nil, os.ErrNotExist
		}
		return paths, nil
	}

	if n, ok := cardNumber(dev); ok {
		return []string{fmt.Sprintf("/dev/dri/card%d", n)}, nil
	}
	return []string{dev}, nil
}
