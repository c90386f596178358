package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conduit/internal/awaiter"
	"conduit/internal/broker"
	"conduit/internal/config"
	"conduit/internal/constants"
	"conduit/internal/correlation"
	"conduit/internal/logger"
	"conduit/internal/stream"
	"conduit/pkg/bootstrap"
	"conduit/pkg/cel"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/health"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
)

func openBase(ctx context.Context, cfg *config.Config, log logger.Logger) (*bootstrap.Base, error) {
	base := bootstrap.NewBase(cfg, log)
	if err := base.InitTracing(serviceName); err != nil {
		return nil, err
	}
	if err := base.InitChannel(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize channel: %w", err)
	}
	return base, nil
}

func closeBase(base *bootstrap.Base, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := base.Shutdown(ctx, nil); err != nil {
		log.Errorw("Shutdown failed", "error", err)
	}
}

type messageFlags struct {
	msgType string
	payload string
	text    bool
	shard   string
	source  string
	headers map[string]string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.msgType, "type", "", "Message type (required)")
	cmd.Flags().StringVar(&f.payload, "payload", "null", "Payload; JSON unless --text is set")
	cmd.Flags().BoolVar(&f.text, "text", false, "Send the payload as plain text")
	cmd.Flags().StringVar(&f.shard, "shard", "", "Target shard of the topic")
	cmd.Flags().StringVar(&f.source, "source", "conduit-cli", "Source id stamped on the message")
	cmd.Flags().StringToStringVar(&f.headers, "header", nil, "Message header as key=value; repeatable")
	_ = cmd.MarkFlagRequired("type")
}

func (f *messageFlags) envelope() (models.Envelope, error) {
	b := models.NewEnvelopeBuilder().
		WithID(uuid.New().String()).
		WithType(f.msgType).
		WithSourceID(f.source)
	for k, v := range f.headers {
		b = b.WithHeader(k, v)
	}

	if f.text {
		return b.WithTextPayload(f.payload).Build(), nil
	}
	var payload interface{}
	if err := json.Unmarshal([]byte(f.payload), &payload); err != nil {
		return models.Envelope{}, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return b.WithJSONPayload(payload).Build(), nil
}

func publishCmd() *cobra.Command {
	var flags messageFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append a one-way message to the topic's consumer stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, log, err := setup("conduit-publish")
			if err != nil {
				return err
			}
			defer cancel()
			defer log.Sync()

			env, err := flags.envelope()
			if err != nil {
				return err
			}

			base, err := openBase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeBase(base, log)

			target := base.Topic().WithShard(flags.shard).ConsumerKey()
			entryID, err := base.Channel.Append(ctx, target, env)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", target, entryID, env.ID)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func requestCmd() *cobra.Command {
	var (
		flags   messageFlags
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send a request and wait for its response",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, log, err := setup("conduit-request")
			if err != nil {
				return err
			}
			defer cancel()
			defer log.Sync()

			env, err := flags.envelope()
			if err != nil {
				return err
			}

			base, err := openBase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeBase(base, log)

			if timeout <= 0 {
				timeout = cfg.Tracker.Timeout
			}
			metrics.RegisterCorrelationMetrics()
			tracker := correlation.NewTracker(timeout, correlation.WithLogger(log))
			defer tracker.Close()

			aw := awaiter.New(awaiter.Config{
				Topic:     base.Topic(),
				BatchSize: cfg.Streams.BatchSize,
				Block:     cfg.Streams.Block,
			}, base.Channel, tracker, log)

			readCtx, stopReading := context.WithCancel(ctx)
			g, gCtx := errgroup.WithContext(readCtx)
			g.Go(func() error {
				return aw.ReadResponseStream(gCtx)
			})

			resp, dispatchErr := aw.DispatchEnvelope(gCtx, env, flags.shard)
			stopReading()
			readErr := g.Wait()
			if dispatchErr != nil {
				if readErr != nil && !errors.Is(readErr, context.Canceled) {
					return readErr
				}
				return dispatchErr
			}

			return writeJSON(cmd, resp.Payload)
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the response (defaults to tracker.timeout)")
	return cmd
}

type tailLine struct {
	Stream   string            `json:"stream"`
	EntryID  string            `json:"entryId"`
	ID       string            `json:"messageId"`
	Type     string            `json:"messageType"`
	SourceID string            `json:"messageSourceId,omitempty"`
	Headers  map[string]string `json:"messageHeaders,omitempty"`
	Payload  interface{}       `json:"payload"`
}

func tailCmd() *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "tail [stream...]",
		Short: "Print new entries of the given streams, or of the configured topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, log, err := setup("conduit-tail")
			if err != nil {
				return err
			}
			defer cancel()
			defer log.Sync()

			var match *cel.Filter
			if filter != "" {
				evaluator, err := cel.NewEvaluator()
				if err != nil {
					return err
				}
				if match, err = evaluator.CompileFilter(filter); err != nil {
					return err
				}
			}

			base, err := openBase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeBase(base, log)

			streams := args
			if len(streams) == 0 {
				streams = []string{base.Topic().ConsumerKey(), base.Topic().ProducerKey()}
			}

			out := json.NewEncoder(cmd.OutOrStdout())
			w := stream.NewWatcher(base.Channel, func(ctx context.Context, env models.Envelope) {
				if match != nil {
					ok, err := match.Match(ctx, env)
					if err != nil {
						log.Debugw("Filter evaluation failed", "error", err, "entry_id", env.EntryID)
					}
					if !ok {
						return
					}
				}
				_ = out.Encode(tailLine{
					Stream:   env.Stream,
					EntryID:  env.EntryID,
					ID:       env.ID,
					Type:     env.Type,
					SourceID: env.SourceID,
					Headers:  env.Headers,
					Payload:  env.Payload,
				})
			}, cfg.Streams.BatchSize, cfg.Streams.Block, log)

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return w.Run(gCtx)
			})
			g.Go(func() error {
				for _, s := range streams {
					if err := w.AddStream(gCtx, s); err != nil {
						return err
					}
				}
				return nil
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "CEL expression selecting which entries to print")
	return cmd
}

func bridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Forward envelopes from a Kafka topic into the configured topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, log, err := setup("conduit-bridge")
			if err != nil {
				return err
			}
			defer cancel()
			defer log.Sync()

			if err := health.NewKafkaChecker(cfg.Broker.Kafka.Brokers).Check(ctx); err != nil {
				return apperrors.ErrServiceUnavailable.WithCause(err).WithDetail("brokers", cfg.Broker.Kafka.Brokers)
			}

			base, err := openBase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeBase(base, log)

			metrics.RegisterBrokerMetrics()
			metrics.RegisterStreamMetrics()
			metrics.RegisterAPIMetrics()

			bridge, err := broker.NewKafkaBridge(cfg.Broker.Kafka, retryPolicy(cfg.Retry, false), base.Channel, base.Topic(), log)
			if err != nil {
				return err
			}
			defer bridge.Close()

			checks := health.NewCheckerRegistry()
			checks.Register(health.NewRedisChecker(base.Redis))
			checks.Register(health.NewKafkaChecker(cfg.Broker.Kafka.Brokers))
			srv := newOpsServer(cfg.Server, newOpsRouter(ctx, cfg, log, checks))

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return serveOps(gCtx, srv, log)
			})
			g.Go(func() error {
				return ignoreCanceled(bridge.Run(gCtx))
			})
			return g.Wait()
		},
	}
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
