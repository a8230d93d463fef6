// Intercom is the client side of a voice and text smart-home assistant. It
// captures commands, sends them to the command service, and turns the reply
// into on-screen and spoken feedback.
//
// Usage:
//
//	intercom serve [--config intercom.yaml]
//	intercom text "打开客厅的灯"
//	intercom voice
//	intercom prefs get|set|refresh|reset
//
// @title       intercom UI API
// @version     1.0
// @description Local API that drives voice and text commands and streams their feedback.
// @BasePath    /
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/nadzzz/intercom/docs"
	"github.com/nadzzz/intercom/internal/config"
	"github.com/nadzzz/intercom/internal/feedback"
	"github.com/nadzzz/intercom/internal/health"
	"github.com/nadzzz/intercom/internal/message"
	"github.com/nadzzz/intercom/internal/settings"
	"github.com/nadzzz/intercom/internal/transport"
	grpctransport "github.com/nadzzz/intercom/internal/transport/grpc"
	httptransport "github.com/nadzzz/intercom/internal/transport/http"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	configFile string
	cfg        *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "intercom",
		Short:   "Voice and text command client for the smart-home assistant",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			config.SetupLogging(loaded.Logging)
			cfg = loaded
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (e.g. configs/intercom.yaml)")

	rootCmd.AddCommand(serveCmd(), textCmd(), voiceCmd(), prefsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon with the local UI API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	slog.Info("intercom starting", "version", version)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg.Watch(a.reload)

	var transports []transport.Transport
	var grpcT *grpctransport.Transport

	if cfg.Transports.HTTP.Enabled {
		transports = append(transports, httptransport.New(httptransport.Options{
			Host:           cfg.Transports.HTTP.Host,
			Port:           cfg.Transports.HTTP.Port,
			TypingInterval: cfg.Feedback.TypingInterval,
		}, a.ctrl, a.prefs))
	}
	if cfg.Transports.GRPC.Enabled {
		grpcT = grpctransport.New(cfg.Transports.GRPC.Port)
		transports = append(transports, grpcT)
	}
	if len(transports) == 0 {
		return fmt.Errorf("no transports enabled; enable at least one in config")
	}

	healthServer := health.New(cfg.Server.HealthPort)
	healthServer.AddCheck("preference_store", a.prefs.RemoteHealth)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport.Transport) {
			defer wg.Done()
			slog.Info("starting transport", "name", t.Name())
			if err := t.Listen(ctx); err != nil {
				slog.Error("transport failed", "name", t.Name(), "error", err)
			}
		}(t)
	}

	healthServer.SetReady(true)
	if grpcT != nil {
		grpcT.SetServing(true)
	}
	slog.Info("intercom ready",
		"transports", len(transports),
		"health_port", cfg.Server.HealthPort)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")
	healthServer.SetReady(false)

	for _, t := range transports {
		if err := t.Close(); err != nil {
			slog.Error("transport close error", "name", t.Name(), "error", err)
		}
	}

	wg.Wait()
	slog.Info("intercom stopped")
	return nil
}

func textCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "text <command>",
		Short: "Send a typed command and show the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.SendTextCommand(strings.Join(args, " ")); err != nil {
				return err
			}
			return finish(ctx, cmd.OutOrStdout(), a, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final state as JSON")
	return cmd
}

func voiceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "voice",
		Short: "Record a spoken command and show the response",
		Long: "Records from the configured microphone until Enter is pressed or the\n" +
			"capture limit is reached, then sends the recording to the command service.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ctrl.StartVoiceCommand(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Listening (up to %s), press Enter to stop...\n", cfg.Dispatch.MaxCaptureDuration)

			go func() {
				_, _ = bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				a.ctrl.StopVoiceCommand()
			}()
			return finish(ctx, cmd.OutOrStdout(), a, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final state as JSON")
	return cmd
}

// finish waits for the response, prints it, and lets spoken feedback end.
func finish(ctx context.Context, out io.Writer, a *app, asJSON bool) error {
	st, err := a.ctrl.WaitResponse(ctx)
	if err != nil {
		a.ctrl.Cancel()
		return err
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return err
		}
	} else if err := typeOut(ctx, out, st); err != nil {
		return err
	}

	a.drain()
	return nil
}

func typeOut(ctx context.Context, out io.Writer, st feedback.State) error {
	if st.Result != nil && st.Result.Transcript != "" {
		fmt.Fprintf(out, "> %s\n", st.Result.Transcript)
	}

	shown := 0
	tw := feedback.Typewriter{Interval: cfg.Feedback.TypingInterval}
	err := tw.Reveal(ctx, st.Text, func(prefix string) {
		fmt.Fprint(out, prefix[shown:])
		shown = len(prefix)
	})
	fmt.Fprintln(out)
	if err != nil {
		return err
	}

	if !st.IsUnderstood {
		fmt.Fprintln(out, "(not understood)")
	}
	return nil
}

func prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Inspect and change user preferences",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the effective preferences",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, out io.Writer, store *settings.Store) error {
			return printJSON(out, store.Load(ctx))
		}),
	}

	var patch message.PreferencesPatch
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change individual preferences",
		Example: "  intercom prefs set --tts-enabled=false\n" +
			"  intercom prefs set --stt-language en-US --ui-theme dark",
		Args: cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, out io.Writer, store *settings.Store) error {
			prefs, err := store.Update(ctx, patch)
			if err != nil {
				return err
			}
			store.Wait()
			return printJSON(out, prefs)
		}),
	}
	bindPatchFlags(setCmd, &patch)

	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Reload preferences from the preference service",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, out io.Writer, store *settings.Store) error {
			prefs, err := store.Refresh(ctx)
			if err != nil {
				return err
			}
			return printJSON(out, prefs)
		}),
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore the default preferences",
		Args:  cobra.NoArgs,
		RunE: withStore(func(ctx context.Context, out io.Writer, store *settings.Store) error {
			prefs, err := store.Reset(ctx)
			if err != nil {
				return err
			}
			store.Wait()
			return printJSON(out, prefs)
		}),
	}

	cmd.AddCommand(getCmd, setCmd, refreshCmd, resetCmd)
	return cmd
}

// bindPatchFlags registers one flag per preference. Only flags the user
// sets end up in the patch.
func bindPatchFlags(cmd *cobra.Command, patch *message.PreferencesPatch) {
	var (
		sttEngine, sttLanguage, nluEngine, ttsEngine, uiTheme string
		nluThreshold                                          int
		ttsEnabled, uiShowFeedback                            bool
	)
	f := cmd.Flags()
	f.StringVar(&sttEngine, "stt-engine", "", "speech-to-text engine")
	f.StringVar(&sttLanguage, "stt-language", "", "recognition language (e.g. zh-CN)")
	f.StringVar(&nluEngine, "nlu-engine", "", "intent engine")
	f.IntVar(&nluThreshold, "nlu-threshold", 0, "intent confidence threshold")
	f.BoolVar(&ttsEnabled, "tts-enabled", true, "speak responses")
	f.StringVar(&ttsEngine, "tts-engine", "", "text-to-speech engine")
	f.StringVar(&uiTheme, "ui-theme", "", "UI theme")
	f.BoolVar(&uiShowFeedback, "ui-show-feedback", true, "show response text")

	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		changed := cmd.Flags().Changed
		if changed("stt-engine") || changed("stt-language") {
			patch.STT = &message.STTPatch{}
			if changed("stt-engine") {
				patch.STT.Engine = &sttEngine
			}
			if changed("stt-language") {
				patch.STT.Language = &sttLanguage
			}
		}
		if changed("nlu-engine") || changed("nlu-threshold") {
			patch.NLU = &message.NLUPatch{}
			if changed("nlu-engine") {
				patch.NLU.Engine = &nluEngine
			}
			if changed("nlu-threshold") {
				patch.NLU.ConfidenceThreshold = &nluThreshold
			}
		}
		if changed("tts-enabled") || changed("tts-engine") {
			patch.TTS = &message.TTSPatch{}
			if changed("tts-enabled") {
				patch.TTS.Enabled = &ttsEnabled
			}
			if changed("tts-engine") {
				patch.TTS.Engine = &ttsEngine
			}
		}
		if changed("ui-theme") || changed("ui-show-feedback") {
			patch.UI = &message.UIPatch{}
			if changed("ui-theme") {
				patch.UI.Theme = &uiTheme
			}
			if changed("ui-show-feedback") {
				patch.UI.ShowFeedback = &uiShowFeedback
			}
		}
	}
}

func withStore(fn func(ctx context.Context, out io.Writer, store *settings.Store) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, closer, err := settings.Open(ctx, cfg.Settings)
		if err != nil {
			return fmt.Errorf("opening preference store: %w", err)
		}
		defer closer.Close()
		return fn(ctx, cmd.OutOrStdout(), store)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
