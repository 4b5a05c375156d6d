// qpost-demo drives the qpost stack from the console: publish messages
// to a broker endpoint, subscribe an inbox to it, or walk through an
// interactive menu exercising the whole send/subscribe/dispatch cycle.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qpost/qpost-go/contracts"
	"github.com/qpost/qpost-go/internal/config"
	internalamqp "github.com/qpost/qpost-go/internal/rabbitmq"
	"github.com/qpost/qpost-go/messaging"
	"github.com/qpost/qpost-go/pubsub"
	"github.com/qpost/qpost-go/serialization"
	"github.com/qpost/qpost-go/transports/inmem"
	rabbitmqTransport "github.com/qpost/qpost-go/transports/rabbitmq"
)

var (
	version = "dev"
)

// DemoMessage is the example message type the demo sends around.
type DemoMessage struct {
	Message string `json:"message"`
}

func main() {
	var (
		configPath string
		verbose    bool
	)

	rootCmd := &cobra.Command{
		Use:     "qpost-demo",
		Short:   "Demo console for the qpost messaging library",
		Long:    "qpost-demo exercises qpost endpoints against a RabbitMQ broker or the in-memory transport: publish messages, run a broker, subscribe an inbox, or use the interactive menu.",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadEnv := func() (*demoEnv, error) {
		return setup(configPath, verbose)
	}

	publishCmd := &cobra.Command{
		Use:   "publish [text]",
		Short: "Send a plain message to the broker endpoint",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			broker, err := env.endpoint(env.cfg.Endpoints.Broker)
			if err != nil {
				return err
			}
			defer broker.Close()

			text := strings.Join(args, " ")
			if err := broker.Send(cmd.Context(), &DemoMessage{Message: text}); err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("sent %q to %s\n", text, env.cfg.Endpoints.Broker)
			return nil
		},
	}

	subscribeCmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe the inbox endpoint to the broker and print arrivals",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			return runSubscriber(cmd.Context(), env)
		},
	}

	brokerCmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the pub/sub broker on the broker endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			return runBroker(cmd.Context(), env)
		},
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Interactive menu exercising the full stack in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.close()

			return runMenu(cmd.Context(), env)
		},
	}

	rootCmd.AddCommand(publishCmd, subscribeCmd, brokerCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// demoEnv bundles the resolved config, logger, and transport for one
// command invocation.
type demoEnv struct {
	cfg       *config.Config
	logger    *slog.Logger
	transport messaging.QueueTransport
	formatter serialization.BodyFormatter
}

func setup(configPath string, verbose bool) (*demoEnv, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	level := cfg.LogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var transport messaging.QueueTransport
	switch cfg.Transport.Kind {
	case "inmem":
		transport = inmem.NewTransport(inmem.WithLogger(logger))
	default:
		t, err := rabbitmqTransport.NewTransport(cfg.Transport.AMQP.URL,
			rabbitmqTransport.WithTransportLogger(logger),
			rabbitmqTransport.WithConnectionOptions(
				internalamqp.WithReconnectDelay(cfg.Transport.AMQP.ReconnectDelay),
				internalamqp.WithMaxRetries(cfg.Transport.AMQP.MaxRetries),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		transport = t
	}

	formatter := serialization.NewJSONBodyFormatter()
	if err := formatter.Registry().RegisterType(&DemoMessage{}); err != nil {
		return nil, err
	}

	return &demoEnv{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		formatter: formatter,
	}, nil
}

func (e *demoEnv) endpoint(rawURI string) (*messaging.Endpoint, error) {
	return messaging.NewEndpointFromURI(e.transport, rawURI,
		messaging.WithFormatter(e.formatter),
		messaging.WithEndpointLogger(e.logger),
	)
}

func (e *demoEnv) close() {
	e.transport.Close()
}

func runSubscriber(ctx context.Context, env *demoEnv) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	inbox, err := env.endpoint(env.cfg.Endpoints.Inbox)
	if err != nil {
		return err
	}
	defer inbox.Close()

	broker, err := env.endpoint(env.cfg.Endpoints.Broker)
	if err != nil {
		return err
	}
	defer broker.Close()

	inbox.SubscribeFunc(contracts.CommandApplicationMessage,
		func(ctx context.Context, e *contracts.Envelope, body interface{}) error {
			if msg, ok := body.(*DemoMessage); ok {
				fmt.Printf("received: %s\n", msg.Message)
			} else {
				fmt.Printf("received %s: %v\n", e.Descriptor, body)
			}
			return nil
		})

	if err := inbox.Start(ctx); err != nil {
		return err
	}
	defer inbox.Stop()

	if err := pubsub.Subscribe(ctx, broker, inbox); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	fmt.Printf("inbox %s subscribed to %s, waiting for messages (Ctrl+C to quit)\n",
		env.cfg.Endpoints.Inbox, env.cfg.Endpoints.Broker)

	<-ctx.Done()
	return pubsub.Unsubscribe(context.Background(), broker, inbox)
}

func runBroker(ctx context.Context, env *demoEnv) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint, err := env.endpoint(env.cfg.Endpoints.Broker)
	if err != nil {
		return err
	}

	broker, err := pubsub.NewBroker(endpoint, env.transport,
		pubsub.WithBrokerLogger(env.logger))
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := broker.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("broker running on %s (Ctrl+C to quit)\n", env.cfg.Endpoints.Broker)

	<-ctx.Done()
	return nil
}

// runMenu runs broker and subscriber in-process and drives them from a
// small stdin menu.
func runMenu(ctx context.Context, env *demoEnv) error {
	brokerEndpoint, err := env.endpoint(env.cfg.Endpoints.Broker)
	if err != nil {
		return err
	}

	broker, err := pubsub.NewBroker(brokerEndpoint, env.transport,
		pubsub.WithBrokerLogger(env.logger))
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := broker.Start(ctx); err != nil {
		return err
	}

	inbox, err := env.endpoint(env.cfg.Endpoints.Inbox)
	if err != nil {
		return err
	}
	defer inbox.Close()

	inbox.SubscribeFunc(contracts.CommandApplicationMessage,
		func(ctx context.Context, e *contracts.Envelope, body interface{}) error {
			if msg, ok := body.(*DemoMessage); ok {
				fmt.Printf("\n<< received: %s\n", msg.Message)
			}
			return nil
		})

	sender, err := env.endpoint(env.cfg.Endpoints.Broker)
	if err != nil {
		return err
	}
	defer sender.Close()

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Println()
		fmt.Println("1) start inbox receiver")
		fmt.Println("2) subscribe inbox to broker")
		fmt.Println("3) send hello message")
		fmt.Println("4) unsubscribe inbox")
		fmt.Println("q) quit")
		fmt.Print("> ")

		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}

		switch strings.TrimSpace(line) {
		case "1":
			if err := inbox.Start(ctx); err != nil {
				fmt.Printf("start failed: %v\n", err)
			} else {
				fmt.Println("inbox receiving")
			}
		case "2":
			if err := pubsub.Subscribe(ctx, sender, inbox); err != nil {
				fmt.Printf("subscribe failed: %v\n", err)
			} else {
				fmt.Println("subscribe command sent")
			}
		case "3":
			if err := sender.Send(ctx, &DemoMessage{Message: "Hello world!"}); err != nil {
				fmt.Printf("send failed: %v\n", err)
			} else {
				fmt.Println("hello message sent")
			}
		case "4":
			if err := pubsub.Unsubscribe(ctx, sender, inbox); err != nil {
				fmt.Printf("unsubscribe failed: %v\n", err)
			} else {
				fmt.Println("unsubscribe command sent")
			}
		case "q", "quit", "exit":
			return nil
		default:
			fmt.Println("unknown choice")
		}
	}
}
