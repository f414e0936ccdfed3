// busctl is a small operational CLI for the bus: probe broker health,
// publish test messages, and tail a queue.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/perimetre/corebus"
	"github.com/perimetre/corebus/config"
	"github.com/perimetre/corebus/health"
	"github.com/perimetre/corebus/messaging"
)

var version = "dev"

func main() {
	var (
		brokerURL string
		verbose   bool
	)

	rootCmd := &cobra.Command{
		Use:     "busctl",
		Short:   "Probe and exercise the message bus",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&brokerURL, "url", "u", "", "AMQP connection URL (defaults to BROKER_* environment)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	newClient := func() (*corebus.Client, error) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		url := brokerURL
		if url == "" {
			var cfg config.Broker
			if err := config.Load(&cfg); err != nil {
				return nil, fmt.Errorf("load broker config: %w", err)
			}
			url = cfg.URL()
		}
		return corebus.NewClient(url, corebus.WithLogger(logger))
	}

	rootCmd.AddCommand(checkCmd(newClient))
	rootCmd.AddCommand(publishCmd(newClient))
	rootCmd.AddCommand(listenCmd(newClient))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func checkCmd(newClient func() (*corebus.Client, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe broker connectivity and breaker posture",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := client.Health().Check(ctx)

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			if report.Overall != health.StatusHealthy {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")
	return cmd
}

func publishCmd(newClient func() (*corebus.Client, error)) *cobra.Command {
	var (
		exchange   string
		routingKey string
		body       string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a single message",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			pub := client.NewPublisher(exchange, messaging.WithAppID("busctl"))
			if err := pub.Initialize(cmd.Context()); err != nil {
				return err
			}

			msg := messaging.NewRawMessage([]byte(body), "application/json")
			if err := pub.Publish(cmd.Context(), msg, routingKey); err != nil {
				return err
			}

			fmt.Printf("published to %s with key %s\n", exchange, routingKey)
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Target exchange")
	cmd.Flags().StringVarP(&routingKey, "key", "k", "", "Routing key")
	cmd.Flags().StringVarP(&body, "body", "b", "{}", "Message body")
	_ = cmd.MarkFlagRequired("exchange")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func listenCmd(newClient func() (*corebus.Client, error)) *cobra.Command {
	var (
		exchange    string
		queue       string
		routingKeys []string
		prefetch    int
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Consume a queue and print deliveries until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			handler := messaging.HandlerFunc(func(ctx context.Context, payload []byte, props messaging.Properties) error {
				fmt.Printf("[%s] %s %s\n", time.Now().Format(time.RFC3339), props.RoutingKey, payload)
				return nil
			})

			sub, err := client.NewSubscriber(exchange, queue, routingKeys, handler,
				messaging.WithPrefetch(prefetch))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := sub.Initialize(ctx); err != nil {
				return err
			}
			if err := sub.StartConsuming(ctx); err != nil {
				return err
			}

			fmt.Printf("listening on %s (bound to %s via %v), press Ctrl+C to stop\n", queue, exchange, routingKeys)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return sub.Close(stopCtx)
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Source exchange")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Queue to consume")
	cmd.Flags().StringSliceVarP(&routingKeys, "key", "k", []string{"#"}, "Routing key patterns")
	cmd.Flags().IntVar(&prefetch, "prefetch", 10, "Prefetch count")
	_ = cmd.MarkFlagRequired("exchange")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}
