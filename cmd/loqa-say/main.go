package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-tts/internal/client"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/playback"
	"github.com/loqalabs/loqa-tts/internal/playback/speaker"
	"github.com/loqalabs/loqa-tts/internal/stream"
)

var version = "0.1.0-dev"

type options struct {
	configPath  string
	socket      string
	verbose     bool
	noAutoStart bool
	noZeroCopy  bool

	style       uint32
	rate        float64
	out         string
	discard     bool
	interactive bool
	ahead       int
	maxFailures int
	maxRunes    int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var giveUp *client.GiveUpError
		if errors.As(err, &giveUp) {
			fmt.Fprintln(os.Stderr, "error: no daemon available:", giveUp.Reason)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "loqa-say [text...]",
		Short:         "Speak text through the local TTS daemon",
		Long:          "Speak text through the local TTS daemon. Without arguments the text is read from stdin.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.interactive {
				return opts.repl(cmd.Context(), cmd.ErrOrStderr())
			}
			text, err := readText(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.say(ctx, text, cmd.ErrOrStderr())
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	pf.StringVar(&opts.socket, "socket", "", "Daemon socket path (overrides config)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "Log connection and stream progress")
	pf.BoolVar(&opts.noAutoStart, "no-autostart", false, "Do not spawn a daemon when none is running")
	pf.BoolVar(&opts.noZeroCopy, "no-zero-copy", false, "Receive audio inline instead of through shared memory")

	f := cmd.Flags()
	f.Uint32VarP(&opts.style, "style", "s", 0, "Style id to speak with (see 'loqa-say speakers')")
	f.Float64VarP(&opts.rate, "rate", "r", 1.0, "Speaking rate multiplier")
	f.StringVarP(&opts.out, "out", "o", "", "Write a WAV file instead of playing on the speaker")
	f.BoolVar(&opts.discard, "discard", false, "Synthesize without playing anything")
	f.BoolVarP(&opts.interactive, "interactive", "i", false, "Speak each line typed at a prompt")
	f.IntVar(&opts.ahead, "ahead", 0, "Segments synthesised ahead of playback (default from config)")
	f.IntVar(&opts.maxFailures, "max-failures", -1, "Failed segments skipped before giving up (default from config)")
	f.IntVar(&opts.maxRunes, "max-segment-runes", 0, "Longest segment sent in one request (default from config)")

	cmd.AddCommand(newModelsCommand(opts), newSpeakersCommand(opts))
	return cmd
}

func readText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func (o *options) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if o.socket != "" {
		cfg.Socket.Path = o.socket
	}
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}

func (o *options) session(cfg config.Config, logger *slog.Logger) *client.Session {
	opts := client.OptionsFromConfig(cfg, logger)
	if o.noAutoStart {
		opts.AutoStart = false
	}
	if o.noZeroCopy {
		opts.ZeroCopy = false
	}
	if o.configPath != "" {
		opts.DaemonArgs = append(opts.DaemonArgs, "--config", o.configPath)
	}
	// A spawned daemon must listen where this session dials.
	opts.DaemonArgs = append(opts.DaemonArgs, "--socket", cfg.Socket.Path)
	opts.CheckModels = func(context.Context) error {
		return engine.Check(cfg.Engine)
	}
	opts.OnTransition = func(from, to client.State) {
		logger.Debug("daemon connection", slog.String("from", from.String()), slog.String("to", to.String()))
	}
	return client.NewSession(opts)
}

// voice is an open daemon session plus the sink audio is played to.
type voice struct {
	opts        *options
	cfg         config.Config
	logger      *slog.Logger
	sess        *client.Session
	player      playback.Player
	closePlayer func() error
	stderr      io.Writer
}

func (o *options) open(ctx context.Context, cfg config.Config, logger *slog.Logger, stderr io.Writer) (*voice, error) {
	player, closePlayer, err := o.player(cfg, logger)
	if err != nil {
		return nil, err
	}
	sess := o.session(cfg, logger)
	// Connect up front so a missing daemon is one error, not one per segment.
	if _, err := sess.Conn(ctx); err != nil {
		_ = sess.Close()
		_ = closePlayer()
		return nil, err
	}
	return &voice{opts: o, cfg: cfg, logger: logger, sess: sess, player: player, closePlayer: closePlayer, stderr: stderr}, nil
}

func (v *voice) Close() error {
	return errors.Join(v.sess.Close(), v.closePlayer())
}

func (o *options) segments(cfg config.Config, text string) []string {
	maxRunes := cfg.Stream.MaxSegmentRunes
	if o.maxRunes > 0 {
		maxRunes = o.maxRunes
	}
	return stream.Split(text, stream.Options{MaxRunes: maxRunes})
}

func (o *options) say(ctx context.Context, text string, stderr io.Writer) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	segments := o.segments(cfg, text)
	if len(segments) == 0 {
		return errors.New("nothing to say")
	}
	v, err := o.open(ctx, cfg, logger, stderr)
	if err != nil {
		return err
	}
	err = v.speak(ctx, segments)
	if cerr := v.Close(); err == nil {
		err = cerr
	}
	return err
}

// repl speaks every line typed until EOF or interrupt.
func (o *options) repl(ctx context.Context, stderr io.Writer) error {
	cfg, logger, err := o.load()
	if err != nil {
		return err
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "say> ",
		HistoryFile:     config.StatePath("say_history"),
		HistoryLimit:    200,
		InterruptPrompt: "^C",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	v, err := o.open(ctx, cfg, logger, stderr)
	if err != nil {
		return err
	}
	defer v.Close()
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		segments := o.segments(cfg, line)
		if len(segments) == 0 {
			continue
		}
		// Ctrl-C while speaking only stops the current line.
		lineCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT)
		err = v.speak(lineCtx, segments)
		stop()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
		}
	}
}

func (v *voice) speak(ctx context.Context, segments []string) error {
	p := &stream.Pipeline{
		Synth:       v.sess,
		Player:      v.player,
		Canceler:    v.sess,
		StyleID:     v.opts.style,
		Rate:        v.opts.rate,
		Ahead:       v.cfg.Stream.Ahead,
		MaxFailures: v.cfg.Stream.MaxFailures,
		Logger:      v.logger,
		OnError: func(e *stream.SegmentError) {
			fmt.Fprintf(v.stderr, "skipped segment %d %q: %v\n", e.Index+1, e.Text, e.Err)
		},
	}
	if v.opts.ahead > 0 {
		p.Ahead = v.opts.ahead
	}
	if v.opts.maxFailures >= 0 {
		p.MaxFailures = v.opts.maxFailures
	}

	res, err := p.Run(ctx, segments)
	v.logger.Debug("done", slog.Int("played", res.Played), slog.Int("failed", len(res.Failed)), slog.Duration("elapsed", res.Elapsed))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if res.Played == 0 && len(res.Failed) > 0 {
		return fmt.Errorf("no segment could be spoken: %w", res.Failed[len(res.Failed)-1])
	}
	return nil
}

func (o *options) player(cfg config.Config, logger *slog.Logger) (playback.Player, func() error, error) {
	switch {
	case o.discard:
		return &playback.Discard{}, func() error { return nil }, nil
	case o.out != "":
		f, err := os.Create(o.out)
		if err != nil {
			return nil, nil, err
		}
		w := playback.NewWAVWriter(f)
		return w, func() error {
			return errors.Join(w.Close(), f.Close())
		}, nil
	default:
		sp, err := speaker.New(cfg.Engine.SampleRate, cfg.Engine.Channels, logger)
		if err != nil {
			return nil, nil, err
		}
		return sp, func() error { return nil }, nil
	}
}

func newModelsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List voice models and whether they are loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			sess := opts.session(cfg, logger)
			defer sess.Close()
			models, err := sess.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSPEAKER\tSTYLES\tRESIDENT\tPINNED\tIN USE")
			for _, m := range models {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%d\n", m.ID, m.Name, m.Speaker, len(m.Styles), yesNo(m.Resident), yesNo(m.Pinned), m.InUse)
			}
			return tw.Flush()
		},
	}
}

func newSpeakersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "speakers",
		Short: "List speakers and the style ids they offer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			sess := opts.session(cfg, logger)
			defer sess.Close()
			speakers, err := sess.ListSpeakers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SPEAKER\tMODEL\tSTYLES")
			for _, s := range speakers {
				styles := make([]string, len(s.Styles))
				for i, st := range s.Styles {
					styles[i] = fmt.Sprintf("%d:%s", st.ID, st.Name)
				}
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, s.ModelID, strings.Join(styles, " "))
			}
			return tw.Flush()
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
