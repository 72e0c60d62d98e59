package main

import (
	"errors"
	"fmt"
	"strconv"

	"deedles.dev/kms/device"
	"deedles.dev/kms/drm"
	"github.com/spf13/cobra"
)

func newOutputsCmd(cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "outputs",
		Short: "List the outputs that would be driven, without changing anything.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listOutputs(cmd, *cfg)
		},
	}
}

func cardNumber(dev string) (int, bool) {
	n, err := strconv.ParseInt(dev, 10, 0)
	return int(n), err == nil
}

func openForListing(dev string) (*drm.Device, error) {
	if n, ok := cardNumber(dev); ok {
		return drm.OpenCard(n)
	}
	return drm.Open(dev)
}

func listOutputs(cmd *cobra.Command, cfg Config) error {
	log := newLogger(cfg)

	paths := []string{cfg.Device}
	if cfg.Device == "" {
		var err error
		paths, err = cardPaths("")
		if err != nil {
			return withCode(exitNoDevice, err)
		}
	}

	w := cmd.OutOrStdout()
	var found bool
	for _, path := range paths {
		dev, err := openForListing(path)
		if err != nil {
			log.Warn().Str("card", path).Err(err).Msg("skipping card")
			continue
		}

		outputs, err := device.Probe(dev, log)
		if err != nil {
			if !errors.Is(err, device.ErrNoOutputs) {
				log.Warn().Str("card", path).Err(err).Msg("probe failed")
			}
			dev.Close()
			continue
		}

		found = true
		caps := dev.Caps()
		fmt.Fprintf(w, "%v: dumb=%v monotonic=%v modifiers=%v\n", path, caps.DumbBuffer, caps.MonotonicTimestamps, caps.FormatModifiers)
		for _, o := range outputs {
			fmt.Fprintf(w, "  %v\n", o)
			if o.EDID != nil {
				fmt.Fprintf(w, "    monitor: %v\n", o.EDID)
			}
			fmt.Fprintf(w, "    explicit fencing: %v, modifiers: %v\n", o.ExplicitFencing, len(o.Modifiers))
			o.Release(dev)
		}
		dev.Close()
	}

	if !found {
		return withCode(exitNoDevice, device.ErrNoOutputs)
	}
	return nil
}
