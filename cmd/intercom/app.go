package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nadzzz/intercom/internal/audio"
	"github.com/nadzzz/intercom/internal/capture"
	"github.com/nadzzz/intercom/internal/classify"
	"github.com/nadzzz/intercom/internal/config"
	"github.com/nadzzz/intercom/internal/dispatch"
	"github.com/nadzzz/intercom/internal/feedback"
	"github.com/nadzzz/intercom/internal/settings"
	"github.com/nadzzz/intercom/internal/tts"
	"github.com/nadzzz/intercom/internal/tts/piper"
)

// app is the wired command pipeline shared by serve, text and voice.
type app struct {
	prefs      *settings.Store
	prefsClose io.Closer
	resolver   *audio.Resolver
	blobs      *audio.TempFileStore
	classifier *classify.Classifier
	synth      tts.Synthesizer
	ctrl       *feedback.Controller
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, closer, err := settings.Open(ctx, cfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("opening preference store: %w", err)
	}

	var synth tts.Synthesizer
	if cfg.TTS.Enabled {
		switch cfg.TTS.Backend {
		case "piper":
			synth = piper.New(cfg.TTS.Piper)
			slog.Info("using piper synthesizer", "endpoint", cfg.TTS.Piper.Endpoint)
		default:
			_ = closer.Close()
			return nil, fmt.Errorf("unknown tts backend %q", cfg.TTS.Backend)
		}
	}

	resolver, blobs := audio.New(cfg.Audio)
	classifier := classify.New(cfg.Classifier)

	ctrl := feedback.New(feedback.Deps{
		Microphone:  capture.New(cfg.Capture),
		Dispatcher:  dispatch.New(cfg.Dispatch),
		Classifier:  classifier,
		Player:      resolver,
		Preferences: store,
		Synthesizer: synth,
	}, cfg.Feedback.Config)

	return &app{
		prefs:      store,
		prefsClose: closer,
		resolver:   resolver,
		blobs:      blobs,
		classifier: classifier,
		synth:      synth,
		ctrl:       ctrl,
	}, nil
}

// reload applies the settings that can change while running.
func (a *app) reload(next *config.Config) {
	config.SetupLogging(next.Logging)
	a.classifier.SetFailurePhrases(next.Classifier.FailurePhrases)
	a.classifier.SetPlaceholders(next.Classifier.Placeholders)
}

// drain lets the last command finish speaking before shutdown.
func (a *app) drain() {
	a.ctrl.Wait()
	a.resolver.Wait()
}

func (a *app) Close() error {
	errs := []error{a.ctrl.Close()}
	a.resolver.Wait()
	a.prefs.Wait()
	errs = append(errs, a.blobs.Close())
	if a.synth != nil {
		errs = append(errs, a.synth.Close())
	}
	errs = append(errs, a.prefsClose.Close())
	return errors.Join(errs...)
}
