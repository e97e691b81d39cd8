// Package main is the entry point for the story engine CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deepstoryhq/storyengine/internal/cache"
	"github.com/deepstoryhq/storyengine/internal/config"
	"github.com/deepstoryhq/storyengine/internal/consumer"
	"github.com/deepstoryhq/storyengine/internal/engine"
	"github.com/deepstoryhq/storyengine/internal/logging"
	"github.com/deepstoryhq/storyengine/internal/model"
	"github.com/deepstoryhq/storyengine/internal/providers"
	"github.com/deepstoryhq/storyengine/internal/providers/fakeprovider"
	"github.com/deepstoryhq/storyengine/internal/providers/imageworkflow"
	"github.com/deepstoryhq/storyengine/internal/providers/medialibrary"
	"github.com/deepstoryhq/storyengine/internal/providers/promptservice"
	"github.com/deepstoryhq/storyengine/internal/providers/tts"
	"github.com/deepstoryhq/storyengine/internal/taskqueue"
	"github.com/deepstoryhq/storyengine/internal/tasks"
	"github.com/deepstoryhq/storyengine/internal/tracker"
)

var (
	cfgPath   string
	logline   string
	roles     []string
	requestID string
	log       = logging.WithComponent("main")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "storyengine",
		Short: "Streaming narrative generation engine",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Generate one story and print its event stream to stdout",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&logline, "logline", "", "one-line story premise (required)")
	serveCmd.Flags().StringSliceVar(&roles, "role", nil, "pre-cast character name, repeatable")
	serveCmd.Flags().StringVar(&requestID, "request-id", "", "request id (default: generated)")
	_ = serveCmd.MarkFlagRequired("logline")

	renderCmd := &cobra.Command{
		Use:   "render <project-dir>",
		Short: "Generate one story and write a playable Ren'Py-style project to disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runRender,
	}
	renderCmd.Flags().StringVar(&logline, "logline", "", "one-line story premise (required)")
	renderCmd.Flags().StringSliceVar(&roles, "role", nil, "pre-cast character name, repeatable")
	renderCmd.Flags().StringVar(&requestID, "request-id", "", "request id (default: generated)")
	_ = renderCmd.MarkFlagRequired("logline")

	rootCmd.AddCommand(serveCmd, renderCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup wires config, cache, task queue, and tracker — the part every
// subcommand needs before it can touch the engine.
type setup struct {
	cfg     *config.Config
	client  *cache.Client
	manager *taskqueue.Manager
	trk     *tracker.Tracker
	prompt  providers.PromptService
	media   providers.MediaLibrary
}

func bootstrap(ctx context.Context, reqID string) (*setup, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	client, err := cache.New(cfg.Cache.ToCacheConfig())
	if err != nil {
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	prompt := buildPromptService(cfg)
	media := buildMediaLibrary(cfg)
	registry := tasks.NewRegistry(tasks.Config{
		ImageWorkflow: buildImageWorkflow(cfg),
		TTS:           buildTTS(cfg),
		MediaLibrary:  media,
	})

	manager := taskqueue.New(client, cfg.QueueConfigs(), registry)
	if err := manager.RecoverTasks(ctx); err != nil {
		return nil, fmt.Errorf("recover tasks: %w", err)
	}
	manager.StartWorkers(ctx, nil)

	trk := tracker.New(client, manager, reqID, time.Second)
	trk.StartPolling(ctx)

	return &setup{cfg: cfg, client: client, manager: manager, trk: trk, prompt: prompt, media: media}, nil
}

func (s *setup) shutdown(ctx context.Context) {
	s.trk.StopPolling()
	if err := s.manager.Shutdown(ctx); err != nil {
		log.Warn("task manager shutdown", "error", err)
	}
}

// buildPromptService returns a live Dify-style client when providers.prompt
// is configured, otherwise a fixture that plans and scripts a minimal
// one-scene story — useful for `serve`/`render` against an empty config.
func buildPromptService(cfg *config.Config) providers.PromptService {
	if cfg.Providers.Prompt.BaseURL == "" {
		return &fakeprovider.PromptService{
			PlanChunks: []providers.PlanChunk{{
				Kind: "output",
				Content: `<story title="Untitled"><sequence title="I">` +
					`<scene location="room" time="day"></scene></sequence></story>`,
			}},
			SceneChunks: [][]string{{
				`<scene music="" ambient=""><narration>The story begins.</narration></scene>`,
			}},
		}
	}
	return promptservice.New(promptservice.Config{
		BaseURL: cfg.Providers.Prompt.BaseURL,
		APIKey:  cfg.Providers.Prompt.APIKey,
	})
}

func buildImageWorkflow(cfg *config.Config) providers.ImageWorkflow {
	if cfg.Providers.ImageWorkflow.BaseURL == "" {
		return &fakeprovider.ImageWorkflow{}
	}
	return imageworkflow.New(imageworkflow.Config{
		Host:   cfg.Providers.ImageWorkflow.BaseURL,
		APIKey: cfg.Providers.ImageWorkflow.APIKey,
	})
}

func buildTTS(cfg *config.Config) providers.TTS {
	if cfg.Providers.TTS.BaseURL == "" {
		return fakeprovider.TTS{}
	}
	return tts.New(tts.Config{
		BaseURL: cfg.Providers.TTS.BaseURL,
		APIKey:  cfg.Providers.TTS.APIKey,
	})
}

func buildMediaLibrary(cfg *config.Config) providers.MediaLibrary {
	if cfg.Providers.MediaLibrary.BaseURL == "" {
		return &fakeprovider.MediaLibrary{}
	}
	return medialibrary.New(medialibrary.Config{
		BaseURL: cfg.Providers.MediaLibrary.BaseURL,
		APIKey:  cfg.Providers.MediaLibrary.APIKey,
	})
}

func storyInput() model.StoryInput {
	input := model.StoryInput{Logline: logline}
	for _, name := range roles {
		input.Roles = append(input.Roles, model.RoleInput{Name: strings.TrimSpace(name)})
	}
	return input
}

func resolvedRequestID(cfg *config.Config) string {
	if requestID != "" {
		return requestID
	}
	return fmt.Sprintf("%s-%s", cfg.RequestID.Prefix, uuid.NewString())
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	reqID := resolvedRequestID(mustPeekConfig())
	s, err := bootstrap(ctx, reqID)
	if err != nil {
		return err
	}
	defer s.shutdown(context.Background())

	eng := engine.New(s.client, s.prompt, s.trk, s.media, reqID, storyInput(), engine.Options{
		NarratorVoiceID:     s.cfg.NarratorVoiceID,
		ResourceWaitTimeout: s.cfg.ResourceWaitTimeout,
	})

	cons := consumer.New(s.trk, consumer.Options{ResourceWaitTimeout: s.cfg.ResourceWaitTimeout})
	for ev := range cons.Consume(ctx, eng.Run(ctx)) {
		fmt.Printf("%s\t%s\t%+v\n", ev.EventID, ev.EventType, ev)
		if ev.EventType == model.EventError {
			return fmt.Errorf("story generation failed: %s", ev.ErrorMessage)
		}
	}
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	projectDir := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	reqID := resolvedRequestID(mustPeekConfig())
	s, err := bootstrap(ctx, reqID)
	if err != nil {
		return err
	}
	defer s.shutdown(context.Background())

	eng := engine.New(s.client, s.prompt, s.trk, s.media, reqID, storyInput(), engine.Options{
		NarratorVoiceID:     s.cfg.NarratorVoiceID,
		ResourceWaitTimeout: s.cfg.ResourceWaitTimeout,
	})

	offline := consumer.NewOffline(s.trk, consumer.OfflineOptions{
		Options:             consumer.Options{ResourceWaitTimeout: s.cfg.ResourceWaitTimeout},
		ProjectDir:          projectDir,
		DownloadConcurrency: s.cfg.DownloadConcurrency,
	})

	writer := consumer.NewScriptWriter()
	for ev := range offline.Consume(ctx, eng.Run(ctx)) {
		writer.Append(ev)
		if ev.EventType == model.EventError {
			return fmt.Errorf("story generation failed: %s", ev.ErrorMessage)
		}
	}

	downloaded := offline.WaitAllDownloads()
	script := writer.Flush(downloaded)

	scriptPath := projectDir + "/script.rpy"
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		return fmt.Errorf("write script: %w", err)
	}
	log.Info("project rendered", "dir", projectDir, "resources", len(downloaded))
	return nil
}

// mustPeekConfig loads config early (for the request-id prefix) before the
// full bootstrap; a second Load inside bootstrap is cheap and keeps the two
// call sites independent.
func mustPeekConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Default()
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
