package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/merchlink/voiceagent-go/pkg/voiceagent"
)

var (
	verbose     bool
	agentName   string
	description string
	merchantID  string
	shopID      string
	voice       string
	useSocket   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voiceagent",
		Short: "Voice agent session controller CLI",
		Long:  "A command-line interface for running realtime voice-agent sessions",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(devicesCmd())

	if err := rootCmd.Execute(); err != nil {
		voiceagent.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session commands",
		Long:  "Start and manage voice-agent sessions",
	}
	cmd.AddCommand(sessionStartCmd())
	return cmd
}

func sessionStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a voice-agent session",
		Long:  "Start a realtime session and run it until interrupted or auto-stopped",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := voiceagent.NewConfig()
			if voice != "" {
				cfg.Voice = voice
			}
			if useSocket {
				cfg.UseWebSocket = true
			}

			if issues := cfg.Validate(); len(issues) > 0 {
				for _, issue := range issues {
					fmt.Printf("config: %s\n", issue)
				}
				os.Exit(1)
			}

			log := voiceagent.GetGlobalLogger()
			bus := voiceagent.NewEventBus()
			controller := voiceagent.NewSessionController(cfg, log, bus)

			controller.AddConnectionHandler(func(state voiceagent.ConnectionState) {
				fmt.Printf("connection: %s\n", state)
			})
			controller.AddErrorHandler(func(err *voiceagent.AgentError) {
				fmt.Printf("error: %s\n", err.Error())
			})

			ctx := context.Background()
			if err := controller.Start(ctx, voiceagent.AgentIdentity{
				Name:        agentName,
				Description: description,
				MerchantID:  merchantID,
				ShopID:      shopID,
			}); err != nil {
				log.WithError(err).Fatal("Session start failed")
			}

			if engine := controller.Engine(); engine != nil {
				engine.AddTranscriptHandler(func(responseID, text string, final bool) {
					if final {
						fmt.Printf("agent: %s\n", text)
					} else if verbose {
						fmt.Print(text)
					}
				})
			}

			// Cart tools are UI-only; the CLI acknowledges them so the
			// agent can keep talking.
			go func() {
				for ev := range bus.ToolCalls() {
					fmt.Printf("tool call: %s %v\n", ev.Name, ev.Args)
					bus.PublishToolResult(voiceagent.ToolResultEvent{
						SessionID: ev.SessionID,
						CallID:    ev.CallID,
						Output:    voiceagent.ToolOutput{OK: true},
					})
				}
			}()

			if verbose {
				go func() {
					for sample := range bus.VoiceLevels() {
						fmt.Printf("\rlevels: local %.2f remote %.2f", sample.LocalRMS, sample.RemoteRMS)
					}
				}()
			}

			fmt.Println("Session running. Press Ctrl+C to stop.")
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			if err := controller.Stop(); err != nil {
				log.WithError(err).Error("Stop failed")
			}
			fmt.Println("\nSession stopped.")
		},
	}

	cmd.Flags().StringVar(&agentName, "name", "", "Agent name (required)")
	cmd.Flags().StringVar(&description, "description", "", "Shop/agent description (required)")
	cmd.Flags().StringVar(&merchantID, "merchant-id", "", "Merchant identifier")
	cmd.Flags().StringVar(&shopID, "shop-id", "", "Shop identifier")
	cmd.Flags().StringVar(&voice, "voice", "", "Voice selection")
	cmd.Flags().BoolVar(&useSocket, "websocket", false, "Use the WebSocket fallback transport")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
		Long:  "Inspect and validate the effective configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long:  "Display the effective configuration after defaults and environment",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := voiceagent.NewConfig()
			fmt.Println("Current Configuration:")
			fmt.Printf("Credential Endpoint: %s\n", orUnset(cfg.CredentialEndpoint))
			fmt.Printf("Negotiation Endpoint: %s\n", orUnset(cfg.NegotiationEndpoint))
			fmt.Printf("Tool Relay Endpoint: %s\n", orUnset(cfg.ToolRelayEndpoint))
			fmt.Printf("Tool Catalog Endpoint: %s\n", orUnset(cfg.ToolCatalogEndpoint))
			fmt.Printf("Usage Endpoint: %s\n", orUnset(cfg.UsageEndpoint))
			fmt.Printf("WebSocket Endpoint: %s\n", orUnset(cfg.WSEndpoint))
			fmt.Printf("API Key: %s\n", maskString(cfg.APIKey))
			fmt.Printf("Voice: %s\n", cfg.Voice)
			fmt.Printf("Locale: %s\n", cfg.Locale)
			fmt.Printf("Max Duration: %s\n", cfg.MaxDuration)
			fmt.Printf("Dedup Window: %s\n", cfg.DedupWindow)
			fmt.Printf("Safe Window: %s\n", cfg.SafeWindow)
			fmt.Printf("ICE Gather Timeout: %s\n", cfg.ICEGatherTimeout)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		Long:  "Check the effective configuration for missing or invalid settings",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := voiceagent.NewConfig()
			issues := cfg.Validate()
			if len(issues) == 0 {
				fmt.Println("Configuration is valid.")
				return
			}
			fmt.Printf("Found %d issue(s):\n", len(issues))
			for _, issue := range issues {
				fmt.Printf("  - %s\n", issue)
			}
			os.Exit(1)
		},
	}
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Audio device management",
		Long:  "Commands for listing audio devices",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available audio devices",
		Long:  "List all available audio input and output devices",
		Run: func(cmd *cobra.Command, args []string) {
			devices, err := voiceagent.ListAudioDevices()
			if err != nil {
				voiceagent.GetGlobalLogger().WithError(err).Error("Failed to list audio devices")
				fmt.Printf("Error listing devices: %v\n", err)
				return
			}

			fmt.Println("Available Audio Devices:")
			for _, device := range devices {
				fmt.Printf("  %v: %v (in: %v, out: %v, %.0f Hz)\n",
					device["id"], device["name"],
					device["input_channels"], device["output_channels"],
					device["sample_rate"])
			}
		},
	})
	return cmd
}

func orUnset(s string) string {
	if s == "" {
		return "<not set>"
	}
	return s
}

// maskString hides all but the edges of sensitive values.
func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
