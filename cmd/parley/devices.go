package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-parley/pkg/audioio"
)

func newDevicesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the audio backends compiled into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			s := newStyles()
			for _, b := range audioio.AvailableBackends() {
				marker := "  "
				if b == a.cfg.Audio.Backend {
					marker = "* "
				}
				fmt.Fprintln(w, marker+s.label.Render(string(b)))
			}
			cfg := a.cfg.Audio
			fmt.Fprintln(w, s.status.Render(fmt.Sprintf("configured: %s, %s, %s buffers", cfg.Backend, cfg.Format(), cfg.BufferDuration)))
			if !audioio.PortAudioAvailable {
				fmt.Fprintln(w, s.dim.Render("rebuild with -tags portaudio for microphone and speaker support"))
			}
			return nil
		},
	}
}
