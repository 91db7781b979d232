package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-parley/pkg/audioio"
	"github.com/teslashibe/go-parley/pkg/conversation"
	"github.com/teslashibe/go-parley/pkg/knowledge"
	"github.com/teslashibe/go-parley/pkg/monitor"
	"github.com/teslashibe/go-parley/pkg/realtime"
	"github.com/teslashibe/go-parley/pkg/tools"
)

const defaultTarget = "You are a friendly assistant. Keep replies short and conversational."

type runOptions struct {
	target    string
	text      bool
	serverVAD bool
	monitor   bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a conversation",
		Long: `Start a conversation with the realtime model.

By default parley listens on the configured microphone and plays replies on
the speaker. With --text it reads one message per line from stdin instead.

Examples:
  parley run --target "Find out which books the user enjoyed this year"
  parley -c parley.yaml run --text`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.text {
				a.cfg.Conversation.Modality = conversation.ModalityText
			}
			if cmd.Flags().Changed("server-vad") {
				a.cfg.Conversation.ServerVAD = opts.serverVAD
			}
			if cmd.Flags().Changed("monitor") {
				a.cfg.Monitor.Enabled = opts.monitor
			}
			if opts.target != "" {
				a.cfg.Target = opts.target
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "what the conversation should achieve")
	cmd.Flags().BoolVar(&opts.text, "text", false, "exchange text messages instead of audio")
	cmd.Flags().BoolVar(&opts.serverVAD, "server-vad", false, "let the server decide when the user turn ends")
	cmd.Flags().BoolVar(&opts.monitor, "monitor", false, "serve the event monitor")
	return cmd
}

func (a *app) run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if err := a.cfg.Validate(); err != nil {
		return err
	}
	logger := a.logger

	store, err := knowledge.Open(ctx, a.cfg.Knowledge)
	if err != nil {
		return err
	}
	defer store.Close()

	prior, err := knowledge.Snapshot(ctx, store, "")
	if err != nil {
		return fmt.Errorf("read prior knowledge: %w", err)
	}
	target := a.cfg.Target
	if target == "" {
		target = defaultTarget
	}

	engineCfg := a.cfg.EngineConfig(knowledge.ComposeInstructions(target, prior))
	engineCfg.Logger = logger
	if a.cfg.Conversation.KnowledgeTools {
		kb, err := tools.KnowledgeBase(store, a.cfg.Conversation.KnowledgePath)
		if err != nil {
			return err
		}
		engineCfg.Tools = append(engineCfg.Tools, kb, tools.RememberFact(store), tools.RecallFact(store))
	}

	rtCfg := a.cfg.Realtime
	rtCfg.Logger = logger
	client, err := realtime.NewClient(rtCfg)
	if err != nil {
		return err
	}

	deps := conversation.Deps{Transport: client}
	if engineCfg.Modality == conversation.ModalityVoice {
		mic, err := audioio.NewInput(a.cfg.Audio, logger)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		defer mic.Close()

		speaker, err := audioio.NewOutput(a.cfg.Audio, logger)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		if c, ok := speaker.(io.Closer); ok {
			defer c.Close()
		}
		deps.Input, deps.Output = mic, speaker
	}

	engine, err := conversation.New(engineCfg, deps)
	if err != nil {
		return err
	}
	defer engine.End()

	out := newRenderer(stdout)
	engine.SubscribeAll(out.Event)
	engine.Metrics().OnUpdate(out.Latency)

	if a.cfg.Monitor.Enabled {
		mcfg := a.cfg.MonitorConfig()
		mcfg.Logger = logger
		srv := monitor.NewServer(mcfg)
		srv.Attach(engine)
		go func() {
			if err := srv.ListenAndServe(ctx); err != nil {
				logger.Error("monitor stopped", "error", err)
			}
		}()
		out.Notice("monitor: http://" + mcfg.Addr + "/api/status")
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}

	if engineCfg.Modality == conversation.ModalityText {
		return a.chat(ctx, engine, stdin, out)
	}

	if err := engine.Listen(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-engine.Done():
	}
	return nil
}

// chat sends one message per input line until EOF, interrupt or the model
// ends the conversation.
func (a *app) chat(ctx context.Context, engine *conversation.Engine, stdin io.Reader, out *renderer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-engine.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			err := engine.SendText(ctx, line)
			switch {
			case errors.Is(err, conversation.ErrBusy):
				out.Notice("still processing previous message")
			case errors.Is(err, conversation.ErrEnded):
				return nil
			case err != nil:
				fmt.Fprintln(os.Stderr, "Error:", err)
			}
		}
	}
}
