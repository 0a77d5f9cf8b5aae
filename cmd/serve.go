package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zeeeepa/codegenapp/internal/agent"
	"github.com/zeeeepa/codegenapp/internal/api"
	"github.com/zeeeepa/codegenapp/internal/browser"
	"github.com/zeeeepa/codegenapp/internal/codegen"
	"github.com/zeeeepa/codegenapp/internal/github"
	"github.com/zeeeepa/codegenapp/internal/llm"
	"github.com/zeeeepa/codegenapp/internal/notify"
	"github.com/zeeeepa/codegenapp/internal/pipeline"
	"github.com/zeeeepa/codegenapp/internal/slots"
	"github.com/zeeeepa/codegenapp/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard API server",
	Long: `Start the HTTP server that exposes the dashboard API, the GitHub
webhook receiver, and the WebSocket event stream.
By default it listens on port 8080. Use --port to change it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	viper.SetDefault("port", 8080)
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context) error {
	st, err := getStore()
	if err != nil {
		return err
	}

	cg := codegen.NewClient(codegen.Config{
		BaseURL: viper.GetString("codegen.api_url"),
		Token:   viper.GetString("codegen.api_token"),
		OrgID:   viper.GetString("codegen.org_id"),
	})

	// Browser automation shares one slot pool with pipeline evaluations so
	// concurrent Chrome sessions stay bounded.
	pool := slots.NewPool(viper.GetInt("max_concurrent"))

	var resumer agent.ChatResumer
	if authPath := viper.GetString("browser.auth_context"); authPath != "" {
		contexts := browser.NewContextStore(authPath)
		if err := contexts.Watch(ctx); err != nil {
			slog.Warn("watch auth context", "path", authPath, "error", err)
		}
		defer contexts.Stop()
		resumer = browser.NewResumer(contexts, pool, browser.Config{
			Headless:      viper.GetBool("browser.headless"),
			ScreenshotDir: viper.GetString("browser.screenshot_dir"),
		})
	}

	hub := api.NewHub()
	defer hub.Close()

	notifiers := []notify.Notifier{hub}
	if url := viper.GetString("slack.webhook_url"); url != "" {
		notifiers = append(notifiers, notify.NewSlack(url))
	}
	notifier := notify.NewMulti(notifiers...)

	runs := agent.NewService(st, cg, resumer, notifier)

	gh := github.NewClient(github.Config{
		BaseURL: viper.GetString("github.api_url"),
		Token:   viper.GetString("github.token"),
	})

	var analyzer pipeline.Analyzer
	if key := viper.GetString("anthropic.api_key"); key != "" {
		analyzer = pipeline.NewLLMAnalyzer(llm.NewClient(key, viper.GetString("anthropic.model")))
	}

	pcfg := pipeline.DefaultConfig()
	if path := viper.GetString("pipeline.config"); path != "" {
		pcfg, err = pipeline.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("load pipeline config: %w", err)
		}
	}

	steps, err := pipeline.BuildSteps(pcfg, pipelineDeps(pcfg, analyzer, gh, pool))
	if err != nil {
		return fmt.Errorf("build pipeline steps: %w", err)
	}
	runner := pipeline.NewRunner(st, gh, notifier, steps)

	// The webhook receiver is only mounted when a shared secret is
	// configured; unsigned deliveries are never trusted.
	var ingress *webhook.Ingress
	if secret := viper.GetString("webhook.secret"); secret != "" {
		ingress, err = webhook.NewIngress(secret, st, 0)
		if err != nil {
			return fmt.Errorf("webhook ingress: %w", err)
		}
		ingress.AddSink(pipeline.NewWebhookSink(runner))
	}

	poller := agent.NewPoller(runs, viper.GetString("poll.schedule"))
	if err := poller.Start(); err != nil {
		return fmt.Errorf("start poller: %w", err)
	}
	defer poller.Stop()

	server := api.NewServer(st, runs, runner, ingress, hub)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("codegenapp listening on http://localhost%s\n", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down\n", sig)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
